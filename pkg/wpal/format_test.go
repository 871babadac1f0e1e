package wpal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAudioFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		channels       uint16
		sampleRate     uint32
		bits           uint16
		blockAlign     uint16
		avgBytesPerSec uint32
	}{
		{name: "stereo 16-bit CD rate", channels: 2, sampleRate: 44100, bits: 16, blockAlign: 4, avgBytesPerSec: 176400},
		{name: "mono 24-bit 48k", channels: 1, sampleRate: 48000, bits: 24, blockAlign: 3, avgBytesPerSec: 144000},
		{name: "5.1 32-bit 96k", channels: 6, sampleRate: 96000, bits: 32, blockAlign: 24, avgBytesPerSec: 2304000},
		{name: "mono 8-bit", channels: 1, sampleRate: 8000, bits: 8, blockAlign: 1, avgBytesPerSec: 8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			format, err := NewAudioFormat(tt.channels, tt.sampleRate, tt.bits)
			require.NoError(t, err)

			assert.Equal(t, tt.channels, format.Channels())
			assert.Equal(t, tt.sampleRate, format.SampleRate())
			assert.Equal(t, tt.bits, format.BitsPerSample())
			assert.Equal(t, tt.blockAlign, format.BlockAlign())
			assert.Equal(t, tt.avgBytesPerSec, format.AvgBytesPerSec())
			assert.Equal(t, uint32(tt.blockAlign)*tt.sampleRate, format.AvgBytesPerSec())
			assert.False(t, format.IsZero())
		})
	}
}

func TestNewAudioFormatRejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		channels   uint16
		sampleRate uint32
		bits       uint16
	}{
		{name: "no channels", channels: 0, sampleRate: 44100, bits: 16},
		{name: "no sample rate", channels: 2, sampleRate: 0, bits: 16},
		{name: "no bits", channels: 2, sampleRate: 44100, bits: 0},
		{name: "bits not a byte multiple", channels: 2, sampleRate: 44100, bits: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewAudioFormat(tt.channels, tt.sampleRate, tt.bits)
			require.ErrorIs(t, err, ErrFormatNegotiationFailed)
		})
	}
}

func TestAudioFormatFramesToBytes(t *testing.T) {
	t.Parallel()

	format, err := NewAudioFormat(2, 44100, 16)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), format.FramesToBytes(0))
	assert.Equal(t, uint32(1764), format.FramesToBytes(441))
	assert.Equal(t, "2ch/44100Hz/16bit", format.String())
	assert.True(t, AudioFormat{}.IsZero())
}
