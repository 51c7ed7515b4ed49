//go:build linux

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysRingSetup    uintptr = 425
	sysRingEnter    uintptr = 426
	sysRingRegister uintptr = 427
)

// io_uring_setup(2) flags
const (
	setupCQSize uint32 = 1 << 3
)

// io_uring_params features
const (
	featSingleMmap uint32 = 1 << 0
	featExtArg     uint32 = 1 << 8
)

// mmap offsets
const (
	offSQRing int64 = 0
	offCQRing int64 = 0x8000000
	offSQEs   int64 = 0x10000000
)

// io_uring_enter(2) flags
const (
	sysRingEnterGetEvents uint32 = 1 << 0
	sysRingEnterExtArg    uint32 = 1 << 3
)

// copied from signal_unix.numSig
const numSig = 65

type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFD         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

// ExtArgFeature report whether io_uring_enter accepts a timeout argument (IORING_FEAT_EXT_ARG).
func (p *ringParams) ExtArgFeature() bool {
	return p.features&featExtArg != 0
}

// SingleMmapFeature report whether SQ and CQ rings share one mapping.
func (p *ringParams) SingleMmapFeature() bool {
	return p.features&featSingleMmap != 0
}

// getEventsArg is struct io_uring_getevents_arg.
type getEventsArg struct {
	sigMask   uint64
	sigMaskSz uint32
	pad       uint32
	ts        uint64
}

func sysSetup(entries uint32, params *ringParams) (int, error) {
	fd, _, errno := unix.Syscall(sysRingSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func sysEnter(ringFD int, toSubmit uint32, minComplete uint32, flags uint32, arg unsafe.Pointer, sz int) (uint, error) {
	consumed, _, errno := unix.Syscall6(
		sysRingEnter,
		uintptr(ringFD),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		uintptr(arg),
		uintptr(sz),
	)
	if errno != 0 {
		return 0, errno
	}
	return uint(consumed), nil
}

func sysRegister(ringFD int, op int, arg unsafe.Pointer, nrArgs int) error {
	_, _, errno := unix.Syscall6(sysRingRegister, uintptr(ringFD), uintptr(op), uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// SQEntry is a submission queue entry (struct io_uring_sqe).
type SQEntry struct {
	opcode      uint8
	Flags       uint8
	ioPrio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64

	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

func (sqe *SQEntry) fill(op OpCode, fd int32, addr uintptr, len uint32, offset uint64) {
	sqe.opcode = uint8(op)
	sqe.Flags = 0
	sqe.ioPrio = 0
	sqe.fd = fd
	sqe.off = offset
	sqe.addr = uint64(addr)
	sqe.len = len
	sqe.opcodeFlags = 0
	sqe.userData = 0
	sqe.bufIG = 0
	sqe.personality = 0
	sqe.spliceFdIn = 0
	sqe._pad2[0] = 0
	sqe._pad2[1] = 0
}

func (sqe *SQEntry) setUserData(ud uint64) {
	sqe.userData = ud
}

// CQEvent is a completion queue entry (struct io_uring_cqe).
type CQEvent struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Error return completion error, nil for a non-negative result.
func (cqe *CQEvent) Error() error {
	if cqe.Res < 0 {
		return unix.Errno(uintptr(-cqe.Res))
	}
	return nil
}
