//go:build linux

package uring

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// skipUnavailable skip test when io_uring is missing or forbidden, e.g. by a seccomp profile.
func skipUnavailable(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skipf("Skipped, io_uring unavailable: %v", err)
	}
}

func newTestRing(t *testing.T, entries uint32, opts ...SetupOption) *Ring {
	r, err := New(entries, opts...)
	skipUnavailable(t, err)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Close())
	})
	return r
}

func TestCreateRing(t *testing.T) {
	r := newTestRing(t, 64)
	assert.NotEqual(t, 0, r.Fd())
	assert.GreaterOrEqual(t, r.Params.sqEntries, uint32(64))
	assert.GreaterOrEqual(t, r.Params.cqEntries, r.Params.sqEntries)
}

func TestCreateRingWithCQSize(t *testing.T) {
	r := newTestRing(t, 4, WithCQSize(64))
	assert.Equal(t, uint32(64), r.Params.cqEntries)
}

func TestCreateRingRejectsEntries(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrRingSetup)

	_, err = New(MaxEntries + 1)
	assert.ErrorIs(t, err, ErrRingSetup)
}

func TestCloseTwice(t *testing.T) {
	r, err := New(4)
	skipUnavailable(t, err)
	require.NoError(t, err)

	fd := r.Fd()
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
	assert.Equal(t, -1, r.Fd())
	assert.ErrorIs(t, unix.Close(fd), unix.EBADF)
}

func queueNOPs(r *Ring, count int, offset int) (err error) {
	for i := 0; i < count; i++ {
		err = r.QueueSQE(Nop(), 0, uint64(i+offset))
		if err != nil {
			return err
		}
	}
	_, err = r.Submit()
	return err
}

// TestCQRingReady test CQ ready count follows submissions and SeenCQE.
func TestCQRingReady(t *testing.T) {
	r := newTestRing(t, 4)

	assert.Equal(t, uint32(0), r.cqRing.readyCount())

	require.NoError(t, queueNOPs(r, 4, 0))
	cqe, err := r.WaitCQEvents(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), r.cqRing.readyCount())

	for i := 0; i < 4; i++ {
		cqe = r.PeekCQE()
		require.NotNil(t, cqe)
		assert.Equal(t, uint64(i), cqe.UserData)
		assert.NoError(t, cqe.Error())
		r.SeenCQE(cqe)
	}
	assert.Equal(t, uint32(0), r.cqRing.readyCount())
	assert.Nil(t, r.PeekCQE())
}

func TestSQRingOverflow(t *testing.T) {
	r := newTestRing(t, 4)
	entries := *r.sqRing.kRingEntries

	for i := uint32(0); i < entries; i++ {
		require.NoError(t, r.QueueSQE(Nop(), 0, uint64(i)))
	}
	assert.ErrorIs(t, r.QueueSQE(Nop(), 0, 99), ErrSQRingOverflow)

	_, err := r.Submit()
	require.NoError(t, err)
	assert.NoError(t, r.QueueSQE(Nop(), 0, 100))
}

func TestWaitWithTimeoutExpires(t *testing.T) {
	r := newTestRing(t, 4)

	start := time.Now()
	cqe, err := r.WaitCQEventsWithTimeout(1, 20*time.Millisecond)
	assert.Nil(t, cqe)
	assert.ErrorIs(t, err, unix.ETIME)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// no internal timeout completion leaks to the caller
	require.NoError(t, queueNOPs(r, 1, 7))
	cqe, err = r.WaitCQEventsWithTimeout(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cqe.UserData)
	r.SeenCQE(cqe)
}

func TestWaitWithTimeoutSubmitsQueued(t *testing.T) {
	r := newTestRing(t, 4)

	require.NoError(t, r.QueueSQE(Nop(), 0, 42))
	cqe, err := r.WaitCQEventsWithTimeout(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cqe.UserData)
	r.SeenCQE(cqe)
}

func TestCQEventError(t *testing.T) {
	assert.NoError(t, (&CQEvent{Res: 3}).Error())
	assert.ErrorIs(t, (&CQEvent{Res: -int32(unix.ECANCELED)}).Error(), unix.ECANCELED)
}

func TestOpCodeString(t *testing.T) {
	assert.Equal(t, "poll_add", PollAddCode.String())
	assert.Equal(t, "poll_remove", PollRemoveCode.String())
	assert.Equal(t, "unknown", OpCode(200).String())
}

func TestJoinErr(t *testing.T) {
	first := errors.New("first")
	assert.Nil(t, joinErr(nil, nil))
	assert.Equal(t, first, joinErr(first, nil))

	joined := joinErr(first, errors.New("second"))
	assert.ErrorIs(t, joined, first)
	assert.Contains(t, joined.Error(), "second")
}
