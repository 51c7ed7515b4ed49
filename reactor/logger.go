//go:build linux

package reactor

import "github.com/rs/zerolog"

// Recorder receives loop counters. *metrics.Metrics implements it.
type Recorder interface {
	Received(bytes int)
	Sent(bytes int)
	Echoed()
	PartialSend()
	WouldBlock(op string)
	Truncated()
	Spurious()
}

type nopRecorder struct {
}

func (nopRecorder) Received(int)      {}
func (nopRecorder) Sent(int)          {}
func (nopRecorder) Echoed()           {}
func (nopRecorder) PartialSend()      {}
func (nopRecorder) WouldBlock(string) {}
func (nopRecorder) Truncated()        {}
func (nopRecorder) Spurious()         {}

// WithLogger set loop logger. By default, the loop logs nothing.
func WithLogger(l zerolog.Logger) Option {
	return func(loop *Loop) {
		loop.log = l
	}
}

// WithRecorder set loop counters sink.
func WithRecorder(r Recorder) Option {
	return func(loop *Loop) {
		if r != nil {
			loop.rec = r
		}
	}
}
