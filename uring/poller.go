//go:build linux

package uring

import (
	"os"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sys/unix"

	"github.com/godzie44/udpecho/epoll"
)

// DefaultEntries is the submission queue size of a Poller ring.
const DefaultEntries uint32 = 8

// removeUserData marks poll remove completions, poll requests use fd<<32|generation.
const removeUserData uint64 = 1 << 63

// ErrPollUnsupported returned by NewPoller when the kernel lacks IORING_OP_POLL_ADD.
var ErrPollUnsupported = errors.New("io_uring poll_add not supported")

type registration struct {
	gen     uint32
	pending bool
}

// Poller is a readiness notifier built on one-shot IORING_OP_POLL_ADD requests.
// It has the same contract as epoll.Poller: a registration fires at most once and must be re-armed.
type Poller struct {
	ring *Ring
	regs map[int]*registration
}

// NewPoller create ring of entries size and check it supports poll requests.
func NewPoller(entries uint32, opts ...SetupOption) (*Poller, error) {
	ring, err := New(entries, opts...)
	if err != nil {
		return nil, err
	}

	probe, err := ring.Probe()
	if err == nil && !probe.Supported(PollAddCode) {
		err = ErrPollUnsupported
	}
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return nil, joinErr(errors.Wrap(err, "probe ring"), ring.Close())
	}

	return &Poller{ring: ring, regs: map[int]*registration{}}, nil
}

func (p *Poller) Fd() int {
	return p.ring.Fd()
}

// Register submit a one-shot poll request for fd. Registering fd twice fails with EEXIST.
func (p *Poller) Register(fd int, in epoll.Interest) error {
	if _, ok := p.regs[fd]; ok {
		return errors.Wrapf(os.NewSyscallError("poll_add", unix.EEXIST), "add fd %d, interest %s", fd, in)
	}

	reg := &registration{}
	p.regs[fd] = reg
	if err := p.arm(fd, reg, in); err != nil {
		delete(p.regs, fd)
		return errors.Wrapf(err, "add fd %d, interest %s", fd, in)
	}
	return nil
}

// Rearm submit a new poll request for fd, cancelling the pending one if it has not fired yet.
// Rearm of an unregistered fd fails with ENOENT.
func (p *Poller) Rearm(fd int, in epoll.Interest) error {
	reg, ok := p.regs[fd]
	if !ok {
		return errors.Wrapf(os.NewSyscallError("poll_add", unix.ENOENT), "mod fd %d, interest %s", fd, in)
	}

	if reg.pending {
		if err := p.ring.QueueSQE(PollRemove(pollUserData(fd, reg.gen)), 0, removeUserData); err != nil {
			return errors.Wrapf(err, "mod fd %d, interest %s", fd, in)
		}
		reg.gen++
	}

	if err := p.arm(fd, reg, in); err != nil {
		return errors.Wrapf(err, "mod fd %d, interest %s", fd, in)
	}
	return nil
}

func (p *Poller) arm(fd int, reg *registration, in epoll.Interest) error {
	if err := p.ring.QueueSQE(PollAdd(fd, uint32(in)), 0, pollUserData(fd, reg.gen)); err != nil {
		return err
	}
	if _, err := p.ring.Submit(); err != nil {
		return err
	}

	reg.pending = true
	return nil
}

// Wait block until one poll request completes or timeout expires. Negative timeout means wait forever.
// ok is false when the timeout expired or the call was interrupted by a signal.
// Completions of cancelled requests are consumed silently.
func (p *Poller) Wait(timeout time.Duration) (ev epoll.Event, ok bool, err error) {
	for {
		var cqe *CQEvent
		if timeout < 0 {
			cqe, err = p.ring.WaitCQEvents(1)
		} else {
			cqe, err = p.ring.WaitCQEventsWithTimeout(1, timeout)
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ETIME) {
				return epoll.Event{}, false, nil
			}
			return epoll.Event{}, false, errors.Wrap(err, "wait")
		}

		userData, res := cqe.UserData, cqe.Res
		p.ring.SeenCQE(cqe)

		if userData&removeUserData != 0 {
			continue
		}

		fd, gen := int(userData>>32), uint32(userData)
		reg, registered := p.regs[fd]
		if !registered || reg.gen != gen {
			continue
		}
		reg.pending = false

		if res < 0 {
			return epoll.Event{}, false, errors.Wrapf(os.NewSyscallError("poll_add", unix.Errno(-res)), "poll fd %d", fd)
		}
		return epoll.Event{Fd: fd, Events: uint32(res)}, true, nil
	}
}

// Close release the ring, pending poll requests are cancelled by the kernel.
// Calling Close more than once is a no-op.
func (p *Poller) Close() error {
	if err := p.ring.Close(); err != nil {
		return errors.Wrap(err, "close poller")
	}
	return nil
}

func pollUserData(fd int, gen uint32) uint64 {
	return uint64(uint32(fd))<<32 | uint64(gen)
}
