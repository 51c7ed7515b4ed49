//go:build linux

package uring

import (
	"os"
	"unsafe"
)

// io_uring_register(2) opcodes
const (
	sysRingRegisterProbe = 8
)

type (
	Probe struct {
		lastOp uint8
		opsLen uint8
		_res   uint16
		_res2  [3]uint32
		ops    [256]probeOp
	}
	probeOp struct {
		Op    uint8
		_res  uint8
		Flags uint16
		_res2 uint32
	}
)

const OpSupportedFlag uint16 = 1 << 0

func (p *Probe) GetOP(n int) *probeOp {
	return &p.ops[n]
}

// Supported report whether the kernel implements op.
func (p *Probe) Supported(op OpCode) bool {
	return uint8(op) <= p.lastOp && p.ops[op].Flags&OpSupportedFlag != 0
}

// Probe ask the kernel which operations it supports (IORING_REGISTER_PROBE).
func (r *Ring) Probe() (*Probe, error) {
	probe := &Probe{}
	if err := sysRegister(r.fd, sysRingRegisterProbe, unsafe.Pointer(probe), len(probe.ops)); err != nil {
		return nil, os.NewSyscallError("io_uring_register", err)
	}
	return probe, nil
}
