package wpal

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopHarness struct {
	queue  *QueueToken
	signal *chanSignal
	loop   *captureLoop

	ready  atomic.Int32
	faults atomic.Int32
}

func newLoopHarness(t *testing.T, onReady func()) *loopHarness {
	t.Helper()

	q, err := NewScheduler(nopLogger(), -1).Lock("loop")
	require.NoError(t, err)
	t.Cleanup(q.Release)

	h := &loopHarness{queue: q, signal: newTestSignal()}
	h.loop = newCaptureLoop(nopLogger(), q, h.signal,
		func() {
			h.ready.Add(1)
			if onReady != nil {
				onReady()
			}
		},
		func(error) { h.faults.Add(1) },
	)

	return h
}

func TestLoopKeepsOneWaitAlive(t *testing.T) {
	t.Parallel()

	h := newLoopHarness(t, nil)
	require.NoError(t, h.loop.arm())

	const n = 20
	for i := 1; i <= n; i++ {
		h.signal.raise()
		require.Eventually(t, func() bool { return h.ready.Load() == int32(i) }, time.Second, time.Millisecond)
	}

	stats := h.loop.snapshot()
	assert.Equal(t, uint64(n), stats.Invocations)
	assert.Equal(t, uint64(n), stats.Fired)
	assert.Equal(t, uint64(n+1), stats.Armed)
	assert.Equal(t, uint64(1), stats.Live())
	assert.Equal(t, uint64(1), stats.MaxLive)
	assert.Equal(t, loopArmed, h.loop.currentState())
	assert.Zero(t, h.faults.Load())
}

func TestLoopCallbacksNeverOverlap(t *testing.T) {
	t.Parallel()

	var (
		running atomic.Int32
		overlap atomic.Bool
	)

	h := newLoopHarness(t, func() {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
	})
	require.NoError(t, h.loop.arm())

	for i := 0; i < 100; i++ {
		h.signal.raise()
		time.Sleep(100 * time.Microsecond)
	}

	require.Eventually(t, func() bool { return h.ready.Load() > 0 }, time.Second, time.Millisecond)

	h.loop.halt()
	h.queue.Release()

	assert.False(t, overlap.Load())

	stats := h.loop.snapshot()
	assert.LessOrEqual(t, stats.MaxLive, uint64(1))
	assert.Zero(t, stats.Live())
}

func TestLoopHaltWithdrawsWait(t *testing.T) {
	t.Parallel()

	h := newLoopHarness(t, nil)
	require.NoError(t, h.loop.arm())

	require.True(t, h.loop.halt())
	require.False(t, h.loop.halt())

	h.signal.raise()
	time.Sleep(20 * time.Millisecond)

	stats := h.loop.snapshot()
	assert.Zero(t, h.ready.Load())
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Zero(t, stats.Live())
	assert.Equal(t, loopStopped, h.loop.currentState())

	// re-arming a stopped loop is a no-op
	require.NoError(t, h.loop.arm())
	assert.Equal(t, uint64(1), h.loop.snapshot().Abstained)
	assert.Zero(t, h.loop.snapshot().Live())
}

func TestLoopHaltDuringCallback(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	proceed := make(chan struct{})

	h := newLoopHarness(t, func() {
		close(entered)
		<-proceed
	})
	require.NoError(t, h.loop.arm())

	h.signal.raise()
	<-entered

	// the completion re-armed before calling out, so halt finds a pending wait
	require.True(t, h.loop.halt())
	close(proceed)
	h.queue.Release()

	stats := h.loop.snapshot()
	assert.Equal(t, uint64(1), stats.Invocations)
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Zero(t, stats.Live())
}

func TestLoopFireAfterHaltAbstains(t *testing.T) {
	t.Parallel()

	h := newLoopHarness(t, nil)
	require.NoError(t, h.loop.arm())
	h.loop.halt()

	h.loop.fire()

	stats := h.loop.snapshot()
	assert.Equal(t, uint64(1), stats.Abstained)
	assert.Zero(t, stats.Invocations)
	assert.Zero(t, h.ready.Load())
}

func TestLoopRefusesSecondWait(t *testing.T) {
	t.Parallel()

	h := newLoopHarness(t, nil)
	require.NoError(t, h.loop.arm())

	require.ErrorIs(t, h.loop.arm(), ErrProtocolViolation)
	assert.Equal(t, uint64(1), h.loop.snapshot().Live())
}

func TestLoopStopsWhenQueueGoesAway(t *testing.T) {
	t.Parallel()

	h := newLoopHarness(t, nil)
	require.NoError(t, h.loop.arm())

	h.queue.Release()

	// a completion that was already on its way when the queue was released
	h.loop.fire()

	assert.Equal(t, loopStopped, h.loop.currentState())
	assert.Zero(t, h.ready.Load())
	assert.Zero(t, h.faults.Load())
}

func TestLoopStopsWhenSignalCannotBeWaitedOn(t *testing.T) {
	t.Parallel()

	q, err := NewScheduler(nopLogger(), -1).Lock("loop")
	require.NoError(t, err)
	t.Cleanup(q.Release)

	waitErr := errors.New("event handle closed")
	faults := make(chan error, 1)

	var ready atomic.Int32
	loop := newCaptureLoop(nopLogger(), q, brokenSignal{err: waitErr},
		func() { ready.Add(1) },
		func(err error) { faults <- err },
	)
	require.NoError(t, loop.arm())

	select {
	case err := <-faults:
		require.ErrorIs(t, err, waitErr)
	case <-time.After(time.Second):
		t.Fatal("the failed wait never reached the fault handler")
	}

	assert.Equal(t, loopStopped, loop.currentState())
	assert.False(t, loop.halt())

	stats := loop.snapshot()
	assert.Equal(t, uint64(1), stats.Armed)
	assert.Zero(t, stats.Live())
	assert.Zero(t, stats.Invocations)
	assert.Zero(t, ready.Load())
}
