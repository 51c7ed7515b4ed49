//go:build linux

package uring

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type OpCode uint8

const (
	NopCode OpCode = iota
	ReadVCode
	WriteVCode
	FSyncCode
	ReadFixedCode
	WriteFixedCode
	PollAddCode
	PollRemoveCode
	SyncFileRangeCode
	SendMsgCode
	RecvMsgCode
	TimeoutCode
)

func (c OpCode) String() string {
	switch c {
	case NopCode:
		return "nop"
	case PollAddCode:
		return "poll_add"
	case PollRemoveCode:
		return "poll_remove"
	case TimeoutCode:
		return "timeout"
	default:
		return "unknown"
	}
}

// NopCommand do not perform any I/O. Useful to test the ring itself.
type NopCommand struct {
}

func Nop() *NopCommand {
	return &NopCommand{}
}

func (cmd *NopCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(NopCode, -1, 0, 0, 0)
}

func (cmd *NopCommand) Code() OpCode {
	return NopCode
}

// PollAddCommand one-shot readiness notification for fd, similar to a EPOLLONESHOT registration.
// Completion result is the mask of ready events.
type PollAddCommand struct {
	fd   int
	mask uint32
}

// PollAdd create PollAddCommand. Mask use poll(2) bits, which equal EPOLLIN/EPOLLOUT/EPOLLERR/EPOLLHUP.
func PollAdd(fd int, mask uint32) *PollAddCommand {
	return &PollAddCommand{fd: fd, mask: mask}
}

func (cmd *PollAddCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(PollAddCode, int32(cmd.fd), 0, 0, 0)
	sqe.opcodeFlags = cmd.mask
}

func (cmd *PollAddCommand) Code() OpCode {
	return PollAddCode
}

// PollRemoveCommand cancel pending poll request identified by its user data.
type PollRemoveCommand struct {
	targetUserData uint64
}

func PollRemove(targetUserData uint64) *PollRemoveCommand {
	return &PollRemoveCommand{targetUserData: targetUserData}
}

func (cmd *PollRemoveCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(PollRemoveCode, -1, uintptr(cmd.targetUserData), 0, 0)
}

func (cmd *PollRemoveCommand) Code() OpCode {
	return PollRemoveCode
}

// TimeoutCommand complete with ETIME after duration. Spec must stay valid until submission.
type TimeoutCommand struct {
	spec *unix.Timespec
}

// Timeout create TimeoutCommand, duration is written into spec.
func Timeout(duration time.Duration, spec *unix.Timespec) *TimeoutCommand {
	*spec = unix.NsecToTimespec(duration.Nanoseconds())
	return &TimeoutCommand{spec: spec}
}

func (cmd *TimeoutCommand) PrepSQE(sqe *SQEntry) {
	sqe.fill(TimeoutCode, -1, uintptr(unsafe.Pointer(cmd.spec)), 1, 0)
}

func (cmd *TimeoutCommand) Code() OpCode {
	return TimeoutCode
}
