package wpal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(backend Backend) *Registry {
	return NewRegistry(nopLogger(),
		WithBackend(backend),
		WithScheduler(NewScheduler(nopLogger(), -1)),
		WithProcessFinder(nil))
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	backend := NewSimulatedBackend(nil)
	r := newTestRegistry(backend)

	h, err := r.Create(4242, true, 2, 44100, 16)
	require.NoError(t, err)
	require.NotZero(t, h)
	assert.Equal(t, 1, r.Len())

	var (
		seen  atomic.Uint64
		bytes atomic.Uint32
	)

	require.NoError(t, r.Start(context.Background(), h, func(got Handle) {
		seen.Store(uint64(got))

		frames, err := r.NextPacketSize(got)
		if err != nil || frames == 0 {
			return
		}

		buf, err := r.GetBuffer(got)
		if err != nil {
			return
		}

		bytes.Add(buf.SizeBytes())
		_ = r.ReleaseBuffer(got, buf.Frames)
	}))

	require.NoError(t, backend.EmitFrames(100))
	require.Eventually(t, func() bool { return bytes.Load() == 400 }, eventually, time.Millisecond)
	assert.Equal(t, uint64(h), seen.Load())

	r.Stop(h)

	session, err := r.Session(h)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, session.State())

	r.Dispose(h)
	assert.Zero(t, r.Len())

	_, err = r.Session(h)
	require.Error(t, err)
}

func TestRegistryHandlesAreUnique(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(NewSimulatedBackend(nil))

	first, err := r.Create(1, false, 2, 44100, 16)
	require.NoError(t, err)

	second, err := r.Create(1, false, 2, 44100, 16)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	r.Dispose(first)
	r.Dispose(second)
}

func TestRegistryInvalidHandle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(NewSimulatedBackend(nil))

	_, err := r.NextPacketSize(99)
	require.ErrorIs(t, err, errInvalidHandle)
	assert.Equal(t, StatusUnknown, StatusCode(err))

	_, err = r.GetBuffer(99)
	assert.Equal(t, StatusUnknown, StatusCode(err))

	assert.Equal(t, StatusUnknown, StatusCode(r.ReleaseBuffer(99, 1)))
	assert.Equal(t, StatusUnknown, StatusCode(r.Start(context.Background(), 99, func(Handle) {})))

	// unknown handles are ignored
	r.Stop(99)
	r.Dispose(99)
}

func TestRegistryStatusCodes(t *testing.T) {
	t.Parallel()

	backend := NewSimulatedBackend(nil)
	backend.FailActivation(errors.New("access denied"))
	r := newTestRegistry(backend)

	h, err := r.Create(4242, true, 2, 44100, 16)
	require.NoError(t, err)

	assert.Equal(t, StatusProtocolViolation, StatusCode(r.Start(context.Background(), h, nil)))

	err = r.Start(context.Background(), h, func(Handle) {})
	assert.Equal(t, StatusActivationFailed, StatusCode(err))

	_, err = r.NextPacketSize(h)
	assert.Equal(t, StatusActivationFailed, StatusCode(err))

	// stop and dispose stay safe on a failed session
	r.Stop(h)
	r.Dispose(h)
	assert.Zero(t, r.Len())

	_, err = r.Create(4242, true, 0, 44100, 16)
	assert.Equal(t, StatusFormatNegotiationFailed, StatusCode(err))
}

func TestRegistryDisposeStopsRunningSession(t *testing.T) {
	t.Parallel()

	backend := NewSimulatedBackend(nil)
	r := newTestRegistry(backend)

	h, err := r.Create(4242, false, 2, 44100, 16)
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background(), h, func(Handle) {}))

	session, err := r.Session(h)
	require.NoError(t, err)

	r.Dispose(h)

	assert.Equal(t, StateStopped, session.State())
	assert.Equal(t, 1, backend.Stats().ClientsReleased)
	assert.Equal(t, 1, backend.Stats().SignalsClosed)
}
