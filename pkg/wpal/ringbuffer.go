package wpal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// OverflowBehaviour decides what a full AudioRingBuffer does with new data
type OverflowBehaviour int

const (
	// OverflowKeepPushing overwrites the oldest buffered frames
	OverflowKeepPushing OverflowBehaviour = iota
	// OverflowIgnorePushing drops the frames that do not fit
	OverflowIgnorePushing
)

func (o OverflowBehaviour) String() string {
	switch o {
	case OverflowKeepPushing:
		return "keep_pushing"
	case OverflowIgnorePushing:
		return "ignore_pushing"
	default:
		return fmt.Sprintf("OverflowBehaviour(%d)", int(o))
	}
}

// ParseOverflowBehaviour accepts the names String returns
func ParseOverflowBehaviour(name string) (OverflowBehaviour, error) {
	switch name {
	case "keep_pushing", "":
		return OverflowKeepPushing, nil
	case "ignore_pushing":
		return OverflowIgnorePushing, nil
	default:
		return 0, fmt.Errorf("unknown overflow behaviour %q", name)
	}
}

// AudioRingBuffer buffers captured PCM between the dispatch queue and a consumer.
// Everything going in or out is cut to whole frames, so readers never see a torn frame.
type AudioRingBuffer struct {
	mu        sync.Mutex
	rb        *ringbuffer.RingBuffer
	alignment int
	overflow  OverflowBehaviour
	scratch   []byte
	dropped   uint64
}

// NewAudioRingBuffer creates a buffer of size bytes holding frames of alignment bytes each
func NewAudioRingBuffer(size, alignment int) (*AudioRingBuffer, error) {
	if alignment <= 0 {
		return nil, fmt.Errorf("alignment must be positive, got %d", alignment)
	}

	if size <= 0 || size%alignment != 0 {
		return nil, fmt.Errorf("size %d is not a positive multiple of the %d byte alignment", size, alignment)
	}

	return &AudioRingBuffer{
		rb:        ringbuffer.New(size),
		alignment: alignment,
		scratch:   make([]byte, size),
	}, nil
}

// NewAudioRingBufferFor sizes a buffer to hold seconds of audio in format
func NewAudioRingBufferFor(format AudioFormat, seconds float64) (*AudioRingBuffer, error) {
	frames := int(float64(format.SampleRate()) * seconds)
	if frames < 1 {
		frames = 1
	}

	return NewAudioRingBuffer(frames*int(format.BlockAlign()), int(format.BlockAlign()))
}

func (b *AudioRingBuffer) SetOverflow(overflow OverflowBehaviour) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.overflow = overflow
}

func (b *AudioRingBuffer) Overflow() OverflowBehaviour {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.overflow
}

// Push copies a checked out packet into the buffer. Silent packets are stored as zeros.
// It must be called before the packet is released.
func (b *AudioRingBuffer) Push(buf Buffer) int {
	if buf.Silent() {
		return b.PushBytes(make([]byte, len(buf.Data)))
	}

	return b.PushBytes(buf.Data)
}

// PushBytes stores the whole frames in p and returns how many bytes were kept
func (b *AudioRingBuffer) PushBytes(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	p = p[:len(p)-len(p)%b.alignment]
	if len(p) == 0 {
		return 0
	}

	offered := len(p)

	if b.overflow == OverflowKeepPushing {
		// only the newest capacity's worth can survive anyway
		if capacity := b.rb.Capacity(); len(p) > capacity {
			p = p[len(p)-capacity:]
		}

		if excess := len(p) - b.rb.Free(); excess > 0 {
			discarded, err := b.rb.Read(b.scratch[:excess])
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				return 0
			}
			b.dropped += uint64(discarded)
		}
	} else {
		free := b.rb.Free()
		free -= free % b.alignment

		if len(p) > free {
			p = p[:free]
		}
	}

	b.dropped += uint64(offered - len(p))

	if len(p) == 0 {
		return 0
	}

	// room was made above, a short write can only mean a full buffer
	written, _ := b.rb.Write(p)
	b.dropped += uint64(len(p) - written)

	return written
}

// Read fills dst with whole frames, oldest first, and returns the number of bytes read
func (b *AudioRingBuffer) Read(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(dst) - len(dst)%b.alignment
	if available := b.rb.Length(); n > available {
		n = available
	}

	if n == 0 {
		return 0
	}

	read, err := b.rb.Read(dst[:n])
	if err != nil {
		return 0
	}

	return read
}

// Flush discards everything buffered
func (b *AudioRingBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rb.Reset()
}

// Len is the number of buffered bytes
func (b *AudioRingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.rb.Length()
}

func (b *AudioRingBuffer) Cap() int {
	return b.rb.Capacity()
}

// Dropped counts the bytes lost to overflow so far
func (b *AudioRingBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}
