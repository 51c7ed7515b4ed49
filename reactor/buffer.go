package reactor

// MaxDatagramSize is the largest payload the loop receives and echoes:
// a 1500 byte Ethernet MTU minus the IPv4 (20) and UDP (8) headers.
const MaxDatagramSize = 1472

// Buffer holds one datagram from its receive until its reply is flushed.
// Invariant: 0 <= sent <= length <= MaxDatagramSize.
type Buffer struct {
	data   [MaxDatagramSize]byte
	length int
	sent   int
}

// Space returns the whole buffer for a receive at offset 0.
func (b *Buffer) Space() []byte {
	return b.data[:]
}

// Fill marks the first n bytes as a freshly received datagram with nothing sent yet.
// n is clamped to the buffer capacity.
func (b *Buffer) Fill(n int) {
	if n < 0 {
		n = 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	b.length = n
	b.sent = 0
}

// Pending returns the bytes not yet sent.
func (b *Buffer) Pending() []byte {
	return b.data[b.sent:b.length]
}

// Advance moves the sent cursor by m bytes and reports whether the datagram is fully flushed.
func (b *Buffer) Advance(m int) bool {
	if m < 0 {
		m = 0
	}
	if rest := b.length - b.sent; m > rest {
		m = rest
	}
	b.sent += m
	return b.Flushed()
}

func (b *Buffer) Flushed() bool {
	return b.sent == b.length
}

func (b *Buffer) Len() int {
	return b.length
}

func (b *Buffer) Sent() int {
	return b.sent
}

// Bytes returns the datagram currently held.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}
