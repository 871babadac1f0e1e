package wpal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCheckout(t *testing.T) (*bufferCheckout, *fakeCapture) {
	t.Helper()

	format, err := NewAudioFormat(2, 44100, 16)
	require.NoError(t, err)

	fake := &fakeCapture{}

	return newBufferCheckout(nopLogger(), fake, format), fake
}

func TestCheckoutRoundTrip(t *testing.T) {
	t.Parallel()

	bc, fake := newTestCheckout(t)
	fake.push(3, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	frames, err := bc.nextPacketSize()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), frames)

	buf, err := bc.checkout()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), buf.Frames)
	assert.Equal(t, uint32(12), buf.SizeBytes())
	assert.Equal(t, byte(1), buf.Data[0])
	assert.Equal(t, byte(12), buf.Data[11])

	require.NoError(t, bc.release(buf.Frames))

	frames, err = bc.nextPacketSize()
	require.NoError(t, err)
	assert.Zero(t, frames)

	checkouts, releases := bc.counts()
	assert.Equal(t, uint64(1), checkouts)
	assert.Equal(t, uint64(1), releases)
}

func TestCheckoutProtocolViolations(t *testing.T) {
	t.Parallel()

	t.Run("checkout with nothing ready", func(t *testing.T) {
		t.Parallel()

		bc, _ := newTestCheckout(t)

		_, err := bc.checkout()
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("second checkout before release", func(t *testing.T) {
		t.Parallel()

		bc, fake := newTestCheckout(t)
		fake.push(1, make([]byte, 4))
		fake.push(1, make([]byte, 4))

		_, err := bc.checkout()
		require.NoError(t, err)

		_, err = bc.checkout()
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("release without checkout", func(t *testing.T) {
		t.Parallel()

		bc, fake := newTestCheckout(t)

		require.ErrorIs(t, bc.release(0), ErrProtocolViolation)
		assert.Empty(t, fake.released)
	})

	t.Run("release more than checked out", func(t *testing.T) {
		t.Parallel()

		bc, fake := newTestCheckout(t)
		fake.push(2, make([]byte, 8))

		_, err := bc.checkout()
		require.NoError(t, err)

		require.ErrorIs(t, bc.release(3), ErrProtocolViolation)

		// the buffer is still outstanding and can be released properly
		require.NoError(t, bc.release(2))
	})
}

func TestCheckoutPartialRelease(t *testing.T) {
	t.Parallel()

	bc, fake := newTestCheckout(t)
	fake.push(4, make([]byte, 16))

	_, err := bc.checkout()
	require.NoError(t, err)

	require.NoError(t, bc.release(0))
	assert.Equal(t, []uint32{0}, fake.released)

	// a zero-frame release leaves the packet for the next checkout
	buf, err := bc.checkout()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), buf.Frames)
	require.NoError(t, bc.release(4))
}

func TestCheckoutEndpointErrorsAreDeviceFaults(t *testing.T) {
	t.Parallel()

	bc, fake := newTestCheckout(t)
	fake.push(1, make([]byte, 4))

	buf, err := bc.checkout()
	require.NoError(t, err)

	fake.err = errors.New("device invalidated")

	_, err = bc.nextPacketSize()
	require.ErrorIs(t, err, ErrDeviceFault)

	require.ErrorIs(t, bc.release(buf.Frames), ErrDeviceFault)

	_, err = bc.checkout()
	require.ErrorIs(t, err, ErrDeviceFault)
}

func TestCheckoutCloseReturnsOutstandingBuffer(t *testing.T) {
	t.Parallel()

	bc, fake := newTestCheckout(t)
	fake.push(2, make([]byte, 8))

	_, err := bc.checkout()
	require.NoError(t, err)

	bc.close()
	bc.close()

	assert.Equal(t, []uint32{0}, fake.released)

	_, err = bc.nextPacketSize()
	require.ErrorIs(t, err, ErrProtocolViolation)

	_, err = bc.checkout()
	require.ErrorIs(t, err, ErrProtocolViolation)

	require.ErrorIs(t, bc.release(2), ErrProtocolViolation)
}

func TestBufferFlags(t *testing.T) {
	t.Parallel()

	buf := Buffer{Flags: bufferFlagsSilent | bufferFlagsTimestampError}

	assert.True(t, buf.Silent())
	assert.True(t, buf.TimestampError())
	assert.False(t, buf.Discontinuous())
	assert.True(t, Buffer{Flags: bufferFlagsDataDiscontinuity}.Discontinuous())
}
