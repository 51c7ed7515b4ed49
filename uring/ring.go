//go:build linux

package uring

import (
	"math"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/go-faster/errors"
	"golang.org/x/sys/unix"
)

type sq struct {
	buff         []byte
	sqeBuff      []byte
	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	kArray       *uint32

	sqeTail, sqeHead uint32
}

type cq struct {
	buff         []byte
	kHead        *uint32
	kTail        *uint32
	kRingMask    *uint32
	kRingEntries *uint32
	cqeBuff      *CQEvent
}

func (c *cq) readyCount() uint32 {
	return atomic.LoadUint32(c.kTail) - atomic.LoadUint32(c.kHead)
}

const MaxEntries uint32 = 1 << 15

// timeoutUserData marks completions of timeouts queued by WaitCQEventsWithTimeout.
const timeoutUserData uint64 = math.MaxUint64

// Ring is an io_uring instance: a submission and a completion queue shared with the kernel.
// It is not safe for concurrent use.
type Ring struct {
	fd int

	Params *ringParams

	cqRing *cq
	sqRing *sq

	// Kept on the heap: the kernel reads them by address during io_uring_enter.
	waitTs  unix.Timespec
	waitArg getEventsArg
}

var (
	ErrRingSetup      = errors.New("ring setup")
	ErrSQRingOverflow = errors.New("sq ring overflow")
)

type SetupOption func(params *ringParams)

// WithCQSize set completion queue size, by default it is twice the submission queue size.
func WithCQSize(sz uint32) SetupOption {
	return func(params *ringParams) {
		params.flags |= setupCQSize
		params.cqEntries = sz
	}
}

// New create ring with at least entries submission queue entries.
func New(entries uint32, opts ...SetupOption) (*Ring, error) {
	if entries == 0 || entries > MaxEntries {
		return nil, errors.Wrapf(ErrRingSetup, "entries %d out of range", entries)
	}

	params := ringParams{}
	for _, opt := range opts {
		opt(&params)
	}

	fd, err := sysSetup(entries, &params)
	if err != nil {
		return nil, errors.Wrap(os.NewSyscallError("io_uring_setup", err), "create ring")
	}

	r := &Ring{Params: &params, fd: fd, sqRing: &sq{}, cqRing: &cq{}}
	if err = r.allocRing(); err != nil {
		return nil, joinErr(err, unix.Close(fd))
	}

	return r, nil
}

func (r *Ring) allocRing() error {
	p := r.Params

	sqSize := int(p.sqOff.array + p.sqEntries*uint32(unsafe.Sizeof(uint32(0))))
	cqSize := int(p.cqOff.cqes + p.cqEntries*uint32(unsafe.Sizeof(CQEvent{})))

	if p.SingleMmapFeature() && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	r.sqRing.buff, err = unix.Mmap(r.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(os.NewSyscallError("mmap", err), "map sq ring")
	}

	if p.SingleMmapFeature() {
		r.cqRing.buff = r.sqRing.buff
	} else {
		r.cqRing.buff, err = unix.Mmap(r.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return joinErr(errors.Wrap(os.NewSyscallError("mmap", err), "map cq ring"), r.freeRing())
		}
	}

	sqeSize := int(p.sqEntries) * int(unsafe.Sizeof(SQEntry{}))
	r.sqRing.sqeBuff, err = unix.Mmap(r.fd, offSQEs, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return joinErr(errors.Wrap(os.NewSyscallError("mmap", err), "map sqes"), r.freeRing())
	}

	sqBuff := r.sqRing.buff
	r.sqRing.kHead = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.head]))
	r.sqRing.kTail = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.tail]))
	r.sqRing.kRingMask = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.ringMask]))
	r.sqRing.kRingEntries = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.ringEntries]))
	r.sqRing.kArray = (*uint32)(unsafe.Pointer(&sqBuff[p.sqOff.array]))

	cqBuff := r.cqRing.buff
	r.cqRing.kHead = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.head]))
	r.cqRing.kTail = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.tail]))
	r.cqRing.kRingMask = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.ringMask]))
	r.cqRing.kRingEntries = (*uint32)(unsafe.Pointer(&cqBuff[p.cqOff.ringEntries]))
	r.cqRing.cqeBuff = (*CQEvent)(unsafe.Pointer(&cqBuff[p.cqOff.cqes]))

	return nil
}

func (r *Ring) freeRing() error {
	var err error
	if r.sqRing.sqeBuff != nil {
		err = joinErr(err, unix.Munmap(r.sqRing.sqeBuff))
		r.sqRing.sqeBuff = nil
	}
	if r.cqRing.buff != nil && !r.Params.SingleMmapFeature() {
		err = joinErr(err, unix.Munmap(r.cqRing.buff))
	}
	r.cqRing.buff = nil
	if r.sqRing.buff != nil {
		err = joinErr(err, unix.Munmap(r.sqRing.buff))
		r.sqRing.buff = nil
	}
	return err
}

func (r *Ring) Fd() int {
	return r.fd
}

// Close unmap the queues and close the ring. Calling Close more than once is a no-op.
func (r *Ring) Close() error {
	if r.fd < 0 {
		return nil
	}

	err := r.freeRing()
	if cErr := unix.Close(r.fd); cErr != nil {
		err = joinErr(err, os.NewSyscallError("close", cErr))
	}
	r.fd = -1
	return err
}

// NextSQE return next free submission entry or ErrSQRingOverflow.
func (r *Ring) NextSQE() (entry *SQEntry, err error) {
	head := atomic.LoadUint32(r.sqRing.kHead)
	next := r.sqRing.sqeTail + 1

	if next-head > *r.sqRing.kRingEntries {
		return nil, ErrSQRingOverflow
	}

	idx := (r.sqRing.sqeTail & *r.sqRing.kRingMask) * uint32(unsafe.Sizeof(SQEntry{}))
	entry = (*SQEntry)(unsafe.Pointer(&r.sqRing.sqeBuff[idx]))
	r.sqRing.sqeTail = next

	return entry, nil
}

type Operation interface {
	PrepSQE(*SQEntry)
	Code() OpCode
}

// QueueSQE prepare next submission entry for op. It is sent to the kernel by Submit or by the next wait.
func (r *Ring) QueueSQE(op Operation, flags uint8, userData uint64) error {
	sqe, err := r.NextSQE()
	if err != nil {
		return err
	}

	op.PrepSQE(sqe)
	sqe.Flags = flags
	sqe.setUserData(userData)
	return nil
}

// Submit send queued entries to the kernel and return how many were consumed.
func (r *Ring) Submit() (uint, error) {
	flushed := r.flushSQ()
	if flushed == 0 {
		return 0, nil
	}

	consumed, err := sysEnter(r.fd, flushed, 0, 0, nil, numSig/8)
	if err != nil {
		return consumed, os.NewSyscallError("io_uring_enter", err)
	}
	return consumed, nil
}

var _sizeOfUint32 = unsafe.Sizeof(uint32(0))

// flushSQ publish queued entries to the kernel and return count of entries not yet consumed.
func (r *Ring) flushSQ() uint32 {
	mask := *r.sqRing.kRingMask
	tail := atomic.LoadUint32(r.sqRing.kTail)

	for ; r.sqRing.sqeHead != r.sqRing.sqeTail; r.sqRing.sqeHead++ {
		*(*uint32)(unsafe.Add(unsafe.Pointer(r.sqRing.kArray), uintptr(tail&mask)*_sizeOfUint32)) = r.sqRing.sqeHead & mask
		tail++
	}

	atomic.StoreUint32(r.sqRing.kTail, tail)

	return tail - atomic.LoadUint32(r.sqRing.kHead)
}

// WaitCQEvents submit queued entries and block until at least count completions are ready.
// Return the first ready completion, which must be released with SeenCQE.
func (r *Ring) WaitCQEvents(count uint32) (*CQEvent, error) {
	if cqe := r.peekCQEvent(); cqe != nil {
		if _, err := r.Submit(); err != nil {
			return nil, err
		}
		return cqe, nil
	}

	if _, err := sysEnter(r.fd, r.flushSQ(), count, sysRingEnterGetEvents, nil, numSig/8); err != nil {
		return nil, os.NewSyscallError("io_uring_enter", err)
	}
	return r.nextCQEvent()
}

// WaitCQEventsWithTimeout is WaitCQEvents bounded by timeout. Expiry is reported as unix.ETIME.
// Kernels without IORING_FEAT_EXT_ARG get a timeout entry queued instead, its completion is never returned.
func (r *Ring) WaitCQEventsWithTimeout(count uint32, timeout time.Duration) (*CQEvent, error) {
	if cqe := r.peekCQEvent(); cqe != nil {
		if _, err := r.Submit(); err != nil {
			return nil, err
		}
		return cqe, nil
	}

	if r.Params.ExtArgFeature() {
		r.waitTs = unix.NsecToTimespec(timeout.Nanoseconds())
		r.waitArg = getEventsArg{
			sigMaskSz: numSig / 8,
			ts:        uint64(uintptr(unsafe.Pointer(&r.waitTs))),
		}

		_, err := sysEnter(r.fd, r.flushSQ(), count, sysRingEnterGetEvents|sysRingEnterExtArg,
			unsafe.Pointer(&r.waitArg), int(unsafe.Sizeof(getEventsArg{})))
		if err != nil {
			return nil, os.NewSyscallError("io_uring_enter", err)
		}
		return r.nextCQEvent()
	}

	if err := r.QueueSQE(Timeout(timeout, &r.waitTs), 0, timeoutUserData); err != nil {
		if _, sErr := r.Submit(); sErr != nil {
			return nil, sErr
		}
		if err = r.QueueSQE(Timeout(timeout, &r.waitTs), 0, timeoutUserData); err != nil {
			return nil, err
		}
	}

	if _, err := sysEnter(r.fd, r.flushSQ(), count, sysRingEnterGetEvents, nil, numSig/8); err != nil {
		return nil, os.NewSyscallError("io_uring_enter", err)
	}
	return r.nextCQEvent()
}

// nextCQEvent return first ready completion or unix.ETIME when there is none.
func (r *Ring) nextCQEvent() (*CQEvent, error) {
	if cqe := r.peekCQEvent(); cqe != nil {
		return cqe, nil
	}
	return nil, os.NewSyscallError("io_uring_enter", unix.ETIME)
}

// PeekCQE return first ready completion without blocking, or nil.
func (r *Ring) PeekCQE() *CQEvent {
	return r.peekCQEvent()
}

// SeenCQE release completion returned by a wait or peek.
func (r *Ring) SeenCQE(*CQEvent) {
	r.AdvanceCQ(1)
}

func (r *Ring) AdvanceCQ(n uint32) {
	atomic.AddUint32(r.cqRing.kHead, n)
}

// peekCQEvent skip completions of internal timeouts and return first other ready completion.
func (r *Ring) peekCQEvent() *CQEvent {
	mask := *r.cqRing.kRingMask

	for {
		head := atomic.LoadUint32(r.cqRing.kHead)
		if atomic.LoadUint32(r.cqRing.kTail) == head {
			return nil
		}

		cqe := (*CQEvent)(unsafe.Add(unsafe.Pointer(r.cqRing.cqeBuff), uintptr(head&mask)*unsafe.Sizeof(CQEvent{})))
		if cqe.UserData != timeoutUserData {
			return cqe
		}
		r.AdvanceCQ(1)
	}
}

func joinErr(err1, err2 error) error {
	if err1 == nil {
		return err2
	}
	if err2 == nil {
		return err1
	}

	return errors.Wrapf(err1, "multiple errors (%v)", err2)
}
