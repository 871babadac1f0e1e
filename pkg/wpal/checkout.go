package wpal

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Buffer is a borrowed view of one endpoint-owned packet. Data aliases memory the
// endpoint owns: it is only valid until the matching ReleaseBuffer and must not be
// retained, read or written afterwards. Copy it if the samples need to outlive the callback.
type Buffer struct {
	Data   []byte
	Frames uint32
	Flags  uint32
}

// SizeBytes is the length of the packet in bytes
func (b Buffer) SizeBytes() uint32 {
	return uint32(len(b.Data))
}

// Silent reports whether the endpoint flagged the packet as silence, in which case Data should be treated as zeros
func (b Buffer) Silent() bool {
	return b.Flags&bufferFlagsSilent != 0
}

// Discontinuous reports a glitch between this packet and the previous one
func (b Buffer) Discontinuous() bool {
	return b.Flags&bufferFlagsDataDiscontinuity != 0
}

func (b Buffer) TimestampError() bool {
	return b.Flags&bufferFlagsTimestampError != 0
}

// bufferCheckout enforces the single-outstanding-buffer protocol on top of a CaptureClient
type bufferCheckout struct {
	logger *zap.SugaredLogger
	client CaptureClient
	format AudioFormat

	mu          sync.Mutex
	outstanding bool
	frames      uint32
	closed      bool

	checkouts uint64
	releases  uint64
}

func newBufferCheckout(logger *zap.SugaredLogger, client CaptureClient, format AudioFormat) *bufferCheckout {
	return &bufferCheckout{
		logger: logger.Named("checkout"),
		client: client,
		format: format,
	}
}

// nextPacketSize returns the frames ready in the next packet without consuming them
func (bc *bufferCheckout) nextPacketSize() (uint32, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return 0, bc.violation("packet size queried after teardown")
	}

	frames, err := bc.client.NextPacketSize()
	if err != nil {
		return 0, fmt.Errorf("%w: get next packet size: %w", ErrDeviceFault, err)
	}

	return frames, nil
}

// checkout borrows the next packet. Only valid while a packet is ready and nothing is outstanding.
func (bc *bufferCheckout) checkout() (Buffer, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return Buffer{}, bc.violation("checkout after teardown")
	}

	if bc.outstanding {
		return Buffer{}, bc.violation("checkout while a buffer is still outstanding")
	}

	ready, err := bc.client.NextPacketSize()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: get next packet size: %w", ErrDeviceFault, err)
	}

	if ready == 0 {
		return Buffer{}, bc.violation("checkout with no packet ready")
	}

	packet, err := bc.client.GetBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: get buffer: %w", ErrDeviceFault, err)
	}

	bc.outstanding = true
	bc.frames = packet.Frames
	bc.checkouts++

	buf := Buffer{
		Frames: packet.Frames,
		Flags:  packet.Flags,
	}

	size := bc.format.FramesToBytes(packet.Frames)
	if packet.Data != nil && size > 0 {
		buf.Data = unsafe.Slice((*byte)(packet.Data), size)
	}

	return buf, nil
}

// release hands the outstanding packet back. frames may be less than what was checked out.
func (bc *bufferCheckout) release(frames uint32) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return bc.violation("release after teardown")
	}

	if !bc.outstanding {
		return bc.violation("release without an outstanding buffer")
	}

	if frames > bc.frames {
		return bc.violation(fmt.Sprintf("release of %d frames exceeds the %d checked out", frames, bc.frames))
	}

	bc.outstanding = false
	bc.frames = 0
	bc.releases++

	if err := bc.client.ReleaseBuffer(frames); err != nil {
		return fmt.Errorf("%w: release buffer: %w", ErrDeviceFault, err)
	}

	return nil
}

// close returns any buffer left outstanding and refuses further use
func (bc *bufferCheckout) close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.closed {
		return
	}

	bc.closed = true

	if bc.outstanding {
		bc.logger.Warnw("Buffer still outstanding at teardown, releasing it", "frames", bc.frames)

		if err := bc.client.ReleaseBuffer(0); err != nil {
			bc.logger.Debugw("Failed to release leftover buffer", "error", err)
		}

		bc.outstanding = false
	}
}

func (bc *bufferCheckout) counts() (checkouts, releases uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.checkouts, bc.releases
}

func (bc *bufferCheckout) violation(what string) error {
	bc.logger.Errorw("Buffer protocol violated", "violation", what)
	return fmt.Errorf("%w: %s", ErrProtocolViolation, what)
}
