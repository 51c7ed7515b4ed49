package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferCursors(t *testing.T) {
	type testCase struct {
		name    string
		length  int
		sends   []int
		flushes []bool
	}

	testCases := []testCase{
		{"single send", 10, []int{10}, []bool{true}},
		{"partial sends", 10, []int{3, 3, 4}, []bool{false, false, true}},
		{"zero progress", 5, []int{0, 5}, []bool{false, true}},
		{"byte by byte", 3, []int{1, 1, 1}, []bool{false, false, true}},
		{"empty datagram", 0, []int{0}, []bool{true}},
		{"full capacity", MaxDatagramSize, []int{1000, 472}, []bool{false, true}},
		{"overshoot clamped", 4, []int{3, 100}, []bool{false, true}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var b Buffer
			b.Fill(tc.length)
			assert.Equal(t, tc.length, b.Len())
			assert.Equal(t, 0, b.Sent())

			transitions := 0
			for i, m := range tc.sends {
				flushed := b.Advance(m)
				assert.Equal(t, tc.flushes[i], flushed, "send #%d", i)
				assert.LessOrEqual(t, b.Sent(), b.Len())
				if flushed {
					transitions++
				}
			}

			assert.Equal(t, 1, transitions)
			assert.Equal(t, b.Len(), b.Sent())
			assert.Empty(t, b.Pending())
		})
	}
}

func TestBufferPendingTracksSent(t *testing.T) {
	var b Buffer
	n := copy(b.Space(), "abcdef")
	b.Fill(n)

	assert.Equal(t, []byte("abcdef"), b.Pending())
	b.Advance(2)
	assert.Equal(t, []byte("cdef"), b.Pending())
	assert.Equal(t, []byte("abcdef"), b.Bytes())
}

func TestBufferFillClamps(t *testing.T) {
	var b Buffer

	b.Fill(MaxDatagramSize + 100)
	assert.Equal(t, MaxDatagramSize, b.Len())

	b.Fill(-1)
	assert.Equal(t, 0, b.Len())
	assert.True(t, b.Flushed())
}

func TestBufferFillResetsSent(t *testing.T) {
	var b Buffer
	b.Fill(8)
	b.Advance(5)

	b.Fill(4)
	assert.Equal(t, 0, b.Sent())
	assert.Len(t, b.Pending(), 4)
}
