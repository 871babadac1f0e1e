package wpal

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavRecorder appends captured packets to a WAV stream
type WavRecorder struct {
	mu     sync.Mutex
	enc    *wav.Encoder
	format AudioFormat
	frames uint64
	closed bool
}

// NewWavRecorder writes format's PCM to w. The header is finalized by Close, which does not close w.
func NewWavRecorder(w io.WriteSeeker, format AudioFormat) (*WavRecorder, error) {
	switch format.BitsPerSample() {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("record %s: unsupported audio bit depth", format)
	}

	return &WavRecorder{
		enc:    wav.NewEncoder(w, int(format.SampleRate()), int(format.BitsPerSample()), int(format.Channels()), 1),
		format: format,
	}, nil
}

// Write copies a checked out packet into the file. It must be called before the packet is released.
func (r *WavRecorder) Write(buf Buffer) error {
	frames := buf.Frames
	if whole := uint32(len(buf.Data)) / uint32(r.format.BlockAlign()); whole < frames {
		frames = whole
	}

	samples := make([]int, int(frames)*int(r.format.Channels()))
	if !buf.Silent() {
		decodeSamples(samples, buf.Data, int(r.format.BitsPerSample()/8))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("write to closed wav recorder")
	}

	if len(samples) == 0 {
		return nil
	}

	err := r.enc.Write(&audio.IntBuffer{
		Data:           samples,
		SourceBitDepth: int(r.format.BitsPerSample()),
		Format: &audio.Format{
			SampleRate:  int(r.format.SampleRate()),
			NumChannels: int(r.format.Channels()),
		},
	})
	if err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}

	r.frames += uint64(frames)

	return nil
}

// Frames is the number of frames written so far
func (r *WavRecorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.frames
}

func (r *WavRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	if err := r.enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}

	return nil
}

// decodeSamples reads little-endian signed samples of width bytes from data into dst
func decodeSamples(dst []int, data []byte, width int) {
	for i := range dst {
		offset := i * width

		var sample int32
		for b := 0; b < width; b++ {
			sample |= int32(data[offset+b]) << (8 * b)
		}

		// sign extend narrower samples
		shift := 32 - 8*width
		dst[i] = int(sample << shift >> shift)
	}
}
