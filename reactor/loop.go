//go:build linux

package reactor

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/godzie44/udpecho/epoll"
)

const defaultTickDuration = 100 * time.Millisecond

// Socket is the non-blocking datagram endpoint served by Loop.
type Socket interface {
	Fd() int
	// RecvFrom returns the full datagram size, which exceeds len(b) for a truncated datagram.
	RecvFrom(b []byte) (n int, from unix.Sockaddr, err error)
	SendTo(b []byte, to unix.Sockaddr) (int, error)
	SocketError() error
}

// Poller is the one-shot readiness notifier driving Loop.
type Poller interface {
	Register(fd int, in epoll.Interest) error
	Rearm(fd int, in epoll.Interest) error
	Wait(timeout time.Duration) (epoll.Event, bool, error)
}

// Stats are totals kept by a single loop.
type Stats struct {
	Received      uint64
	Echoed        uint64
	BytesReceived uint64
	BytesSent     uint64
	PartialSends  uint64
	Truncated     uint64
}

type Option func(loop *Loop)

// WithTickDuration set how long a single wait may block before the loop checks its context.
func WithTickDuration(d time.Duration) Option {
	return func(loop *Loop) {
		loop.tickDuration = d
	}
}

// WithDropTruncated discard datagrams larger than MaxDatagramSize instead of echoing their first MaxDatagramSize bytes.
func WithDropTruncated(drop bool) Option {
	return func(loop *Loop) {
		loop.dropTruncated = drop
	}
}

// Loop echoes datagrams received on one socket back to their senders.
// It processes one readiness event per wait and serves a single datagram at a time:
// nothing else is received until the current reply is fully sent.
type Loop struct {
	sock   Socket
	poller Poller

	buf   Buffer
	state State
	peer  unix.Sockaddr

	registered    bool
	tickDuration  time.Duration
	dropTruncated bool

	log   zerolog.Logger
	rec   Recorder
	stats Stats
}

// New create Loop instance. Loop does not own sock and poller and never closes them.
func New(sock Socket, poller Poller, opts ...Option) *Loop {
	loop := &Loop{
		sock:         sock,
		poller:       poller,
		state:        AwaitingRead,
		tickDuration: defaultTickDuration,
		log:          zerolog.Nop(),
		rec:          nopRecorder{},
	}

	for _, opt := range opts {
		opt(loop)
	}

	return loop
}

// Register attach the socket to the poller, armed for read-readiness.
func (l *Loop) Register() error {
	if err := l.poller.Register(l.sock.Fd(), epoll.Read); err != nil {
		return errors.Wrap(err, "register endpoint")
	}

	l.state = AwaitingRead
	l.registered = true
	return nil
}

// Run process readiness events until ctx is done or an unrecoverable error occurs.
// Cancellation is observed between waits, so it takes effect within one tick.
func (l *Loop) Run(ctx context.Context) error {
	if !l.registered {
		if err := l.Register(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, ok, err := l.poller.Wait(l.tickDuration)
		if err != nil {
			return errors.Wrap(err, "wait for readiness")
		}
		if !ok {
			continue
		}

		if err = l.Handle(ev); err != nil {
			return err
		}
	}
}

// Handle process a single readiness event and re-arm the registration for the next state.
func (l *Loop) Handle(ev epoll.Event) error {
	var err error
	switch {
	case ev.Readable() && l.state == AwaitingRead:
		err = l.receive()
	case ev.Writable() && l.state == AwaitingWrite:
		err = l.send()
	default:
		err = l.spurious(ev)
	}
	if err != nil {
		return err
	}

	next := l.state.interest()
	if err = l.poller.Rearm(l.sock.Fd(), next); err != nil {
		return errors.Wrapf(err, "rearm %s", next)
	}
	return nil
}

func (l *Loop) receive() error {
	space := l.buf.Space()

	n, from, err := l.sock.RecvFrom(space)
	if err != nil {
		if isTransient(err) {
			l.rec.WouldBlock("recv")
			return nil
		}
		return errors.Wrap(err, "receive datagram")
	}

	if n > len(space) {
		l.stats.Truncated++
		l.rec.Truncated()
		l.log.Warn().
			Stringer("peer", sockaddrnet.SockaddrToUDPAddr(from)).
			Int("size", n).
			Int("limit", len(space)).
			Bool("dropped", l.dropTruncated).
			Msg("datagram exceeds buffer")
		if l.dropTruncated {
			return nil
		}
	}

	l.buf.Fill(n)
	l.peer = from
	l.state = AwaitingWrite

	l.stats.Received++
	l.stats.BytesReceived += uint64(l.buf.Len())
	l.rec.Received(l.buf.Len())

	if e := l.log.Debug(); e.Enabled() {
		e.Stringer("peer", sockaddrnet.SockaddrToUDPAddr(from)).Int("size", l.buf.Len()).Msg("datagram received")
	}
	return nil
}

func (l *Loop) send() error {
	m, err := l.sock.SendTo(l.buf.Pending(), l.peer)
	if err != nil {
		if isTransient(err) {
			l.rec.WouldBlock("send")
			return nil
		}
		return errors.Wrap(err, "send reply")
	}

	l.stats.BytesSent += uint64(m)
	l.rec.Sent(m)

	if !l.buf.Advance(m) {
		l.stats.PartialSends++
		l.rec.PartialSend()
		return nil
	}

	if e := l.log.Debug(); e.Enabled() {
		e.Stringer("peer", sockaddrnet.SockaddrToUDPAddr(l.peer)).Int("size", l.buf.Len()).Msg("reply sent")
	}

	l.stats.Echoed++
	l.rec.Echoed()
	l.peer = nil
	l.state = AwaitingRead
	return nil
}

// spurious handle a wake-up that carries no readiness for the armed interest.
func (l *Loop) spurious(ev epoll.Event) error {
	l.rec.Spurious()

	if ev.Failed() {
		if err := l.sock.SocketError(); err != nil {
			return errors.Wrap(err, "socket failed")
		}
	}

	l.log.Debug().Uint32("events", ev.Events).Stringer("state", l.state).Msg("spurious wake-up")
	return nil
}

func (l *Loop) State() State {
	return l.state
}

func (l *Loop) Buffer() *Buffer {
	return &l.buf
}

// Peer returns the destination of the pending reply, nil while awaiting a datagram.
func (l *Loop) Peer() unix.Sockaddr {
	return l.peer
}

func (l *Loop) Stats() Stats {
	return l.stats
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
