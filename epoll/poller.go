//go:build linux

package epoll

import (
	"os"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sys/unix"
)

// Interest is the readiness condition a registration waits for.
// Exactly one interest is armed at a time.
type Interest uint32

const (
	Read  Interest = unix.EPOLLIN
	Write Interest = unix.EPOLLOUT
)

func (i Interest) String() string {
	switch i {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Event is a readiness notification returned by Poller.Wait.
type Event struct {
	Fd     int
	Events uint32
}

func (e Event) Readable() bool {
	return e.Events&unix.EPOLLIN != 0
}

func (e Event) Writable() bool {
	return e.Events&unix.EPOLLOUT != 0
}

// Failed reports an error or hang-up condition on the descriptor.
func (e Event) Failed() bool {
	return e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
}

// Poller is an epoll instance that watches descriptors with one-shot registrations:
// each registration fires at most once and must be re-armed with Rearm.
type Poller struct {
	fd     int
	events [1]unix.EpollEvent
}

type setupParams struct {
	flags int
}

type SetupOption func(params *setupParams)

// WithCloseOnExec controls EPOLL_CLOEXEC on the epoll descriptor, enabled by default.
func WithCloseOnExec(enabled bool) SetupOption {
	return func(params *setupParams) {
		if enabled {
			params.flags |= unix.EPOLL_CLOEXEC
		} else {
			params.flags &^= unix.EPOLL_CLOEXEC
		}
	}
}

// New create Poller instance.
func New(opts ...SetupOption) (*Poller, error) {
	params := setupParams{flags: unix.EPOLL_CLOEXEC}
	for _, opt := range opts {
		opt(&params)
	}

	fd, err := unix.EpollCreate1(params.flags)
	if err != nil {
		return nil, errors.Wrap(os.NewSyscallError("epoll_create1", err), "create poller")
	}

	return &Poller{fd: fd}, nil
}

func (p *Poller) Fd() int {
	return p.fd
}

// Register attach fd to the poller with a one-shot registration for the given interest.
func (p *Poller) Register(fd int, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, in)
}

// Rearm replace a fired (or still pending) one-shot registration with the given interest.
func (p *Poller) Rearm(fd int, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, in)
}

func (p *Poller) ctl(op int, fd int, in Interest) error {
	ev := unix.EpollEvent{
		Events: uint32(in) | unix.EPOLLONESHOT,
		Fd:     int32(fd),
	}

	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		name := "add"
		if op == unix.EPOLL_CTL_MOD {
			name = "mod"
		}
		return errors.Wrapf(os.NewSyscallError("epoll_ctl", err), "%s fd %d, interest %s", name, fd, in)
	}
	return nil
}

// Wait block until one registration fires or timeout expires.
// Negative timeout means wait forever.
// ok is false when the timeout expired or the call was interrupted by a signal;
// in both cases no registration was consumed.
func (p *Poller) Wait(timeout time.Duration) (ev Event, ok bool, err error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 && timeout > 0 {
			msec = 1
		}
	}

	n, err := unix.EpollWait(p.fd, p.events[:], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Event{}, false, nil
		}
		return Event{}, false, errors.Wrap(os.NewSyscallError("epoll_wait", err), "wait")
	}

	if n == 0 {
		return Event{}, false, nil
	}

	return Event{Fd: int(p.events[0].Fd), Events: p.events[0].Events}, true, nil
}

// Close release the epoll descriptor. Calling Close more than once is a no-op.
func (p *Poller) Close() error {
	if p.fd < 0 {
		return nil
	}

	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		return errors.Wrap(os.NewSyscallError("close", err), "close poller")
	}
	return nil
}
