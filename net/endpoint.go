//go:build linux

package net

import (
	"net"
	"os"

	"github.com/go-faster/errors"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"golang.org/x/sys/unix"
)

var ErrNotIPv4 = errors.New("not an IPv4 address")

// Endpoint is a bound, non-blocking IPv4 UDP socket.
// It is not safe for concurrent use: one echo loop owns it.
type Endpoint struct {
	fd    int
	lAddr *net.UDPAddr
}

// ListenUDP create a datagram socket, enable SO_REUSEPORT, bind it to addr and switch it to non-blocking mode.
// On any failure the socket is closed before the error is returned.
func ListenUDP(addr *net.UDPAddr) (*Endpoint, error) {
	if addr == nil || addr.IP.To4() == nil {
		return nil, errors.Wrapf(ErrNotIPv4, "listen %v", addr)
	}

	sa := sockaddrnet.UDPAddrToSockaddr(addr)
	if sa == nil {
		return nil, errors.Wrapf(ErrNotIPv4, "listen %v", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(opError("socket", addr, nil, err), "create endpoint")
	}

	e := &Endpoint{fd: fd}
	if err = e.setup(addr, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return e, nil
}

func (e *Endpoint) setup(addr *net.UDPAddr, sa unix.Sockaddr) error {
	if err := e.setReusePort(); err != nil {
		return errors.Wrap(opError("setsockopt", addr, nil, err), "enable SO_REUSEPORT")
	}

	if err := unix.Bind(e.fd, sa); err != nil {
		return errors.Wrap(opError("bind", addr, nil, err), "bind endpoint")
	}

	if err := e.setNonblock(); err != nil {
		return errors.Wrap(opError("fcntl", addr, nil, err), "set non-blocking mode")
	}

	bound, err := unix.Getsockname(e.fd)
	if err != nil {
		return errors.Wrap(opError("getsockname", addr, nil, err), "resolve bound address")
	}
	e.lAddr = sockaddrnet.SockaddrToUDPAddr(bound)

	return nil
}

func (e *Endpoint) setReusePort() error {
	return unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func (e *Endpoint) setNonblock() error {
	return unix.SetNonblock(e.fd, true)
}

func (e *Endpoint) Fd() int {
	return e.fd
}

func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.lAddr
}

// RecvFrom read one datagram into b.
// The returned n is the datagram's full size, so n > len(b) means the payload was truncated to len(b).
// A would-block or interrupted call is returned as an error wrapping unix.EAGAIN or unix.EINTR.
func (e *Endpoint) RecvFrom(b []byte) (n int, from unix.Sockaddr, err error) {
	n, from, err = unix.Recvfrom(e.fd, b, unix.MSG_TRUNC)
	if err != nil {
		return 0, nil, opError("recvfrom", e.lAddr, nil, err)
	}
	return n, from, nil
}

// SendTo send b as a single datagram to the peer and return the number of bytes the kernel accepted.
func (e *Endpoint) SendTo(b []byte, to unix.Sockaddr) (int, error) {
	n, err := unix.SendmsgN(e.fd, b, nil, to, 0)
	if err != nil {
		return 0, opError("sendmsg", e.lAddr, to, err)
	}
	return n, nil
}

// SocketError read and clear the pending socket error (SO_ERROR).
func (e *Endpoint) SocketError() error {
	code, err := unix.GetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return opError("getsockopt", e.lAddr, nil, err)
	}
	if code != 0 {
		return opError("so_error", e.lAddr, nil, unix.Errno(code))
	}
	return nil
}

// Close the socket. Calling Close more than once is a no-op.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}

	err := unix.Close(e.fd)
	e.fd = -1
	if err != nil {
		return opError("close", e.lAddr, nil, err)
	}
	return nil
}

// UDPAddr convert a socket address returned by RecvFrom into a *net.UDPAddr.
func UDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	if sa == nil {
		return nil
	}
	return sockaddrnet.SockaddrToUDPAddr(sa)
}

func opError(op string, local *net.UDPAddr, peer unix.Sockaddr, err error) error {
	opErr := &net.OpError{Op: op, Net: "udp4", Err: os.NewSyscallError(op, err)}
	if local != nil {
		opErr.Source = local
	}
	if addr := UDPAddr(peer); addr != nil {
		opErr.Addr = addr
	}
	return opErr
}
