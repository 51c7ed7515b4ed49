//go:build linux

package uring

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestProbe test IORING_REGISTER_PROBE
func TestProbe(t *testing.T) {
	r := newTestRing(t, 4)

	probe, err := r.Probe()
	if errors.Is(err, unix.EINVAL) {
		t.Skip("Skipped, IORING_REGISTER_PROBE not supported")
	}
	require.NoError(t, err)

	assert.NotEqual(t, uint8(0), probe.lastOp)
	assert.True(t, probe.Supported(NopCode), "NOP not supported")
	assert.True(t, probe.Supported(PollAddCode), "POLL_ADD not supported")
	assert.NotEqual(t, uint16(0), probe.GetOP(int(PollRemoveCode)).Flags&OpSupportedFlag, "POLL_REMOVE not supported")
}

func TestProbeSupportedBounds(t *testing.T) {
	probe := &Probe{lastOp: uint8(NopCode)}
	probe.ops[NopCode].Flags = OpSupportedFlag
	probe.ops[PollAddCode].Flags = OpSupportedFlag

	assert.True(t, probe.Supported(NopCode))
	assert.False(t, probe.Supported(PollAddCode))
}
