package wpal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

var errSimulatedFault = errors.New("simulated device fault")

// SimulatedStats counts what sessions did with a SimulatedBackend's resources
type SimulatedStats struct {
	Activations     int
	ClientsReleased int
	CaptureReleased int
	SignalsCreated  int
	SignalsClosed   int
	PacketsEmitted  int
	PacketsConsumed int
	Pending         int
}

// SimulatedBackend is an in-process audio endpoint. Packets are queued with Emit
// (or generated by Run) and raise the data ready signal the same way a device would.
type SimulatedBackend struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	client *simClient
	signal *chanSignal
	stats  SimulatedStats

	activationErr       error
	rejectFormat        bool
	duplicateCompletion bool
	fault               error
}

func NewSimulatedBackend(logger *zap.SugaredLogger) *SimulatedBackend {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &SimulatedBackend{
		logger: logger.Named("simulated"),
	}
}

// FailActivation makes the next activations complete with err
func (b *SimulatedBackend) FailActivation(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.activationErr = err
}

// RejectFormat makes stream initialization fail
func (b *SimulatedBackend) RejectFormat() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rejectFormat = true
}

// CompleteTwice makes activation invoke its completion callback a second time
func (b *SimulatedBackend) CompleteTwice() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.duplicateCompletion = true
}

// InjectFault makes every subsequent buffer operation fail, as if the device was
// unplugged, and raises the signal so the fault is noticed. A nil err uses a generic fault.
func (b *SimulatedBackend) InjectFault(err error) {
	if err == nil {
		err = errSimulatedFault
	}

	b.mu.Lock()
	b.fault = err
	client := b.client
	b.mu.Unlock()

	if client != nil {
		client.raise()
	}
}

func (b *SimulatedBackend) Stats() SimulatedStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.stats
	if b.client != nil {
		stats.Pending = b.client.pending()
	}

	return stats
}

func (b *SimulatedBackend) ActivateProcessLoopback(params LoopbackParams, done func(AudioClient, error)) error {
	b.mu.Lock()
	activationErr := b.activationErr
	twice := b.duplicateCompletion
	b.mu.Unlock()

	b.logger.Debugw("Activating simulated endpoint",
		"pid", params.ProcessID,
		"includeDescendants", params.IncludeDescendants)

	// completions arrive on a different thread, like the real activation callback
	go func() {
		if activationErr != nil {
			done(nil, activationErr)
			if twice {
				done(nil, activationErr)
			}
			return
		}

		client := &simClient{backend: b}

		b.mu.Lock()
		b.client = client
		b.stats.Activations++
		b.mu.Unlock()

		done(client, nil)

		if twice {
			done(&simClient{backend: b}, nil)
		}
	}()

	return nil
}

func (b *SimulatedBackend) NewSignal() (Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.SignalsCreated++
	b.signal = newChanSignal(b)

	return b.signal, nil
}

// BreakSignal makes waiting on the data ready signal fail with err from now on,
// as if its handle had gone bad. A nil err uses a generic fault.
func (b *SimulatedBackend) BreakSignal(err error) {
	if err == nil {
		err = errSimulatedFault
	}

	b.mu.Lock()
	signal := b.signal
	b.mu.Unlock()

	if signal != nil {
		signal.breakWith(err)
	}
}

// Emit queues one packet of PCM data and raises the data ready signal.
// data is truncated to whole frames of the negotiated format.
func (b *SimulatedBackend) Emit(data []byte, silent bool) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return errors.New("emit before activation")
	}

	if err := client.enqueue(data, silent); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.PacketsEmitted++
	b.mu.Unlock()

	client.raise()

	return nil
}

// EmitFrames queues a packet of frames frames filled with a byte counter
func (b *SimulatedBackend) EmitFrames(frames uint32) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return errors.New("emit before activation")
	}

	data := make([]byte, client.format().FramesToBytes(frames))
	for i := range data {
		data[i] = byte(i + 1)
	}

	return b.Emit(data, false)
}

// Run emits a sine tone of framesPerPacket frames every interval until ctx is done
func (b *SimulatedBackend) Run(ctx context.Context, interval time.Duration, framesPerPacket uint32, frequency float64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var phase float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		b.mu.Lock()
		client := b.client
		b.mu.Unlock()

		if client == nil || !client.running() {
			continue
		}

		format := client.format()
		data := make([]byte, format.FramesToBytes(framesPerPacket))
		step := 2 * math.Pi * frequency / float64(format.SampleRate())
		width := int(format.BitsPerSample() / 8)

		for frame := 0; frame < int(framesPerPacket); frame++ {
			value := math.Sin(phase) * 0.5
			phase += step

			for ch := 0; ch < int(format.Channels()); ch++ {
				offset := (frame*int(format.Channels()) + ch) * width
				putSample(data[offset:offset+width], value)
			}
		}

		if err := b.Emit(data, false); err != nil {
			return fmt.Errorf("emit tone packet: %w", err)
		}
	}
}

// putSample writes value in [-1, 1] as a little-endian integer sample of len(dst) bytes
func putSample(dst []byte, value float64) {
	bits := uint(len(dst) * 8)
	scaled := int64(value * float64(int64(1)<<(bits-1)-1))

	// 8-bit PCM is unsigned
	if bits == 8 {
		dst[0] = byte(scaled + 128)
		return
	}

	for i := range dst {
		dst[i] = byte(scaled >> (8 * uint(i)))
	}
}

func (b *SimulatedBackend) currentFault() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.fault
}

type simPacket struct {
	data   []byte
	frames uint32
	flags  uint32
}

type simClient struct {
	backend *SimulatedBackend

	mu         sync.Mutex
	negotiated AudioFormat
	signal     *chanSignal
	started    bool
	released   bool
	packets    []simPacket
}

func (c *simClient) Initialize(format AudioFormat) error {
	c.backend.mu.Lock()
	reject := c.backend.rejectFormat
	c.backend.mu.Unlock()

	if reject {
		return fmt.Errorf("simulated endpoint rejects %s", format)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.negotiated = format

	return nil
}

func (c *simClient) CaptureClient() (CaptureClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.negotiated.IsZero() {
		return nil, errors.New("capture client requested before initialize")
	}

	return &simCaptureClient{client: c}, nil
}

func (c *simClient) SetEventSignal(signal Signal) error {
	s, ok := signal.(*chanSignal)
	if !ok {
		return fmt.Errorf("unsupported signal type %T", signal)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.signal = s

	return nil
}

func (c *simClient) Start() error {
	if err := c.backend.currentFault(); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	pending := len(c.packets) > 0
	c.mu.Unlock()

	if pending {
		c.raise()
	}

	return nil
}

func (c *simClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = false

	return nil
}

func (c *simClient) Release() {
	c.mu.Lock()
	released := c.released
	c.released = true
	c.mu.Unlock()

	if released {
		c.backend.logger.Errorw("Simulated client released twice")
		return
	}

	c.backend.mu.Lock()
	c.backend.stats.ClientsReleased++
	c.backend.mu.Unlock()
}

func (c *simClient) format() AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.negotiated
}

func (c *simClient) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.started
}

func (c *simClient) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.packets)
}

func (c *simClient) enqueue(data []byte, silent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.negotiated.IsZero() {
		return errors.New("emit before initialize")
	}

	frames := uint32(len(data)) / uint32(c.negotiated.BlockAlign())
	if frames == 0 {
		return fmt.Errorf("packet of %d bytes holds no whole frame", len(data))
	}

	packet := simPacket{
		data:   append([]byte(nil), data[:c.negotiated.FramesToBytes(frames)]...),
		frames: frames,
	}

	if silent {
		packet.flags |= bufferFlagsSilent
	}

	c.packets = append(c.packets, packet)

	return nil
}

func (c *simClient) raise() {
	c.mu.Lock()
	signal := c.signal
	started := c.started
	c.mu.Unlock()

	if signal != nil && started {
		signal.raise()
	}
}

type simCaptureClient struct {
	client *simClient

	mu       sync.Mutex
	held     bool
	released bool
}

func (cc *simCaptureClient) NextPacketSize() (uint32, error) {
	if err := cc.client.backend.currentFault(); err != nil {
		return 0, err
	}

	cc.client.mu.Lock()
	defer cc.client.mu.Unlock()

	if len(cc.client.packets) == 0 {
		return 0, nil
	}

	return cc.client.packets[0].frames, nil
}

func (cc *simCaptureClient) GetBuffer() (Packet, error) {
	if err := cc.client.backend.currentFault(); err != nil {
		return Packet{}, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.held {
		return Packet{}, errors.New("previous buffer not released")
	}

	cc.client.mu.Lock()
	defer cc.client.mu.Unlock()

	if len(cc.client.packets) == 0 {
		return Packet{}, errors.New("no packet available")
	}

	head := cc.client.packets[0]
	cc.held = true

	return Packet{
		Data:   unsafe.Pointer(&head.data[0]),
		Frames: head.frames,
		Flags:  head.flags,
	}, nil
}

// ReleaseBuffer consumes the held packet. Releasing zero frames leaves it queued
// so the next GetBuffer returns it again.
func (cc *simCaptureClient) ReleaseBuffer(frames uint32) error {
	if err := cc.client.backend.currentFault(); err != nil {
		return err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if !cc.held {
		return errors.New("no buffer held")
	}

	cc.held = false

	if frames == 0 {
		return nil
	}

	cc.client.mu.Lock()
	cc.client.packets = cc.client.packets[1:]
	more := len(cc.client.packets) > 0
	cc.client.mu.Unlock()

	cc.client.backend.mu.Lock()
	cc.client.backend.stats.PacketsConsumed++
	cc.client.backend.mu.Unlock()

	// a device keeps signalling while data is queued
	if more {
		cc.client.raise()
	}

	return nil
}

func (cc *simCaptureClient) Release() {
	cc.mu.Lock()
	released := cc.released
	cc.released = true
	cc.mu.Unlock()

	if released {
		cc.client.backend.logger.Errorw("Simulated capture client released twice")
		return
	}

	cc.client.backend.mu.Lock()
	cc.client.backend.stats.CaptureReleased++
	cc.client.backend.mu.Unlock()
}

// chanSignal is an auto-reset event: raising it while already raised is a no-op
type chanSignal struct {
	backend *SimulatedBackend
	ch      chan struct{}

	broken    chan struct{}
	brokenErr error
	breakOnce sync.Once

	closeOnce sync.Once
}

func newChanSignal(backend *SimulatedBackend) *chanSignal {
	return &chanSignal{
		backend: backend,
		ch:      make(chan struct{}, 1),
		broken:  make(chan struct{}),
	}
}

func (s *chanSignal) breakWith(err error) {
	s.breakOnce.Do(func() {
		s.brokenErr = err
		close(s.broken)
	})
}

func (s *chanSignal) raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *chanSignal) Wait(cancel <-chan struct{}) (bool, error) {
	select {
	case <-s.broken:
		return false, s.brokenErr
	default:
	}

	select {
	case <-s.ch:
		return true, nil
	case <-cancel:
		return false, nil
	case <-s.broken:
		return false, s.brokenErr
	}
}

func (s *chanSignal) Close() error {
	s.closeOnce.Do(func() {
		s.backend.mu.Lock()
		s.backend.stats.SignalsClosed++
		s.backend.mu.Unlock()
	})

	return nil
}
