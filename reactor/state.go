//go:build linux

package reactor

import "github.com/godzie44/udpecho/epoll"

// State is the readiness the loop is armed for.
type State int

const (
	AwaitingRead State = iota
	AwaitingWrite
)

func (s State) String() string {
	switch s {
	case AwaitingRead:
		return "awaiting-read"
	case AwaitingWrite:
		return "awaiting-write"
	default:
		return "unknown"
	}
}

func (s State) interest() epoll.Interest {
	if s == AwaitingWrite {
		return epoll.Write
	}
	return epoll.Read
}
