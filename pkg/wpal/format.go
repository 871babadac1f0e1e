package wpal

import (
	"fmt"
)

// AudioFormat describes the PCM layout negotiated with the capture endpoint.
// It is immutable once a session has negotiated it.
type AudioFormat struct {
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// NewAudioFormat validates the requested PCM parameters
func NewAudioFormat(channels uint16, sampleRate uint32, bitsPerSample uint16) (AudioFormat, error) {
	if channels == 0 {
		return AudioFormat{}, fmt.Errorf("%w: channel count must be nonzero", ErrFormatNegotiationFailed)
	}

	if bitsPerSample == 0 || bitsPerSample%8 != 0 {
		return AudioFormat{}, fmt.Errorf("%w: unsupported bits per sample %d", ErrFormatNegotiationFailed, bitsPerSample)
	}

	if sampleRate == 0 {
		return AudioFormat{}, fmt.Errorf("%w: sample rate must be nonzero", ErrFormatNegotiationFailed)
	}

	return AudioFormat{
		channels:      channels,
		sampleRate:    sampleRate,
		bitsPerSample: bitsPerSample,
	}, nil
}

func (f AudioFormat) Channels() uint16 {
	return f.channels
}

func (f AudioFormat) SampleRate() uint32 {
	return f.sampleRate
}

func (f AudioFormat) BitsPerSample() uint16 {
	return f.bitsPerSample
}

// BlockAlign is the size of one frame in bytes
func (f AudioFormat) BlockAlign() uint16 {
	return f.channels * f.bitsPerSample / 8
}

// AvgBytesPerSec is the byte rate of the stream
func (f AudioFormat) AvgBytesPerSec() uint32 {
	return f.sampleRate * uint32(f.BlockAlign())
}

// FramesToBytes converts a frame count into the number of bytes it occupies
func (f AudioFormat) FramesToBytes(frames uint32) uint32 {
	return frames * uint32(f.BlockAlign())
}

func (f AudioFormat) IsZero() bool {
	return f == AudioFormat{}
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dch/%dHz/%dbit", f.channels, f.sampleRate, f.bitsPerSample)
}
