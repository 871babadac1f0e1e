// Package wpal captures the audio rendered by a single process (and optionally
// its descendants), isolated from the rest of the system mix, and hands the raw
// PCM packets to a caller-supplied callback as soon as the endpoint has them.
package wpal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the lifecycle position of a Session. Sessions only move forward.
type State int32

const (
	StateUninitialized State = iota
	StateActivating
	StateFormatNegotiated
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActivating:
		return "activating"
	case StateFormatNegotiated:
		return "format negotiated"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const captureQueueName = "Capture"

// SessionParams identifies the capture target and the requested PCM format
type SessionParams struct {
	ProcessID          uint32
	IncludeDescendants bool

	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// SampleReadyFunc is invoked on the session's dispatch queue whenever the endpoint
// signals that data is ready. Invocations never overlap. The callback is expected to
// query NextPacketSize and, if nonzero, check out, consume and release one buffer.
// It must not call Stop.
type SampleReadyFunc func(s *Session)

// SessionOption customizes a Session
type SessionOption func(*Session)

func WithLogger(logger *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithBackend replaces the platform audio backend
func WithBackend(backend Backend) SessionOption {
	return func(s *Session) {
		s.backend = backend
	}
}

// WithScheduler leases the session's dispatch queue from scheduler instead of the shared one
func WithScheduler(scheduler *Scheduler) SessionOption {
	return func(s *Session) {
		s.scheduler = scheduler
	}
}

// WithProcessFinder replaces the process table lookup done before activation.
// A nil finder skips the lookup.
func WithProcessFinder(finder ProcessFinder) SessionOption {
	return func(s *Session) {
		s.finder = finder
	}
}

// Session is one process-scoped capture. It exclusively owns its endpoint, buffer
// interface, data ready signal and dispatch queue lease, and releases each exactly once.
type Session struct {
	logger *zap.SugaredLogger

	params    LoopbackParams
	format    AudioFormat
	backend   Backend
	scheduler *Scheduler
	finder    ProcessFinder

	lifecycleMu sync.Mutex
	state       atomic.Int32

	// guards target, checkout and loop for readers that may run on the dispatch queue
	// while Stop holds lifecycleMu
	mu sync.Mutex

	failMu  sync.Mutex
	failure error

	target        TargetProcess
	client        AudioClient
	clientStarted bool
	captureClient CaptureClient
	checkout      *bufferCheckout
	signal        Signal
	queue         *QueueToken
	loop          *captureLoop
	callback      SampleReadyFunc
}

// NewSession creates an uninitialized session for the given target and format
func NewSession(params SessionParams, opts ...SessionOption) (*Session, error) {
	format, err := NewAudioFormat(params.Channels, params.SampleRate, params.BitsPerSample)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s := &Session{
		params: LoopbackParams{
			ProcessID:          params.ProcessID,
			IncludeDescendants: params.IncludeDescendants,
		},
		format: format,
		finder: NewProcessFinder(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}

	s.logger = s.logger.Named("session").With("pid", params.ProcessID)

	if s.backend == nil {
		s.backend = newPlatformBackend(s.logger)
	}

	if s.scheduler == nil {
		s.scheduler = sharedScheduler(s.logger)
	}

	s.logger.Debugw("Created capture session",
		"includeDescendants", params.IncludeDescendants,
		"format", format)

	return s, nil
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the reason the session failed, if it did
func (s *Session) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	return s.failure
}

// Format returns the negotiated PCM format
func (s *Session) Format() AudioFormat {
	return s.format
}

func (s *Session) ProcessID() uint32 {
	return s.params.ProcessID
}

// Target returns what the process lookup found during Start
func (s *Session) Target() TargetProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.target
}

// Stats returns a snapshot of the capture loop's counters
func (s *Session) Stats() LoopStats {
	loop := s.currentLoop()
	if loop == nil {
		return LoopStats{}
	}

	return loop.snapshot()
}

// Start activates the endpoint, negotiates the format, leases a dispatch queue,
// starts the stream and arms the first wait. It blocks until all of that is done;
// capture then continues on the dispatch queue until Stop. A session can only be started once.
func (s *Session) Start(ctx context.Context, callback SampleReadyFunc) error {
	if callback == nil {
		return s.violation("start without a sample ready callback")
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateActivating)) {
		return s.violation(fmt.Sprintf("start on a %s session", s.State()))
	}

	s.logger.Infow("Starting capture",
		"includeDescendants", s.params.IncludeDescendants,
		"format", s.format)

	if err := s.start(ctx, callback); err != nil {
		s.logger.Warnw("Failed to start capture", "error", err)
		s.fail(err)
		s.teardown()

		return err
	}

	s.logger.Info("Capture running")

	return nil
}

// StartPackets starts the session with a callback that drains every ready packet and
// passes each one to onPacket. The buffer is only valid for the duration of onPacket.
func (s *Session) StartPackets(ctx context.Context, onPacket func(Buffer)) error {
	return s.Start(ctx, func(s *Session) {
		for {
			frames, err := s.NextPacketSize()
			if err != nil || frames == 0 {
				return
			}

			buf, err := s.GetBuffer()
			if err != nil {
				return
			}

			onPacket(buf)

			if err := s.ReleaseBuffer(buf.Frames); err != nil {
				return
			}
		}
	})
}

func (s *Session) start(ctx context.Context, callback SampleReadyFunc) error {
	if s.finder != nil {
		target, err := s.finder.FindTarget(s.params.ProcessID, s.params.IncludeDescendants)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrActivationFailed, err)
		}

		s.mu.Lock()
		s.target = target
		s.mu.Unlock()

		s.logger.Debugw("Resolved capture target",
			"executable", target.Executable,
			"descendants", target.Descendants)
	}

	client, err := s.activate(ctx)
	if err != nil {
		return err
	}
	s.client = client

	if err := client.Initialize(s.format); err != nil {
		return fmt.Errorf("%w: initialize %s stream: %w", ErrFormatNegotiationFailed, s.format, err)
	}

	captureClient, err := client.CaptureClient()
	if err != nil {
		return fmt.Errorf("%w: get capture client: %w", ErrFormatNegotiationFailed, err)
	}
	s.captureClient = captureClient

	s.mu.Lock()
	s.checkout = newBufferCheckout(s.logger, captureClient, s.format)
	s.mu.Unlock()

	signal, err := s.backend.NewSignal()
	if err != nil {
		return fmt.Errorf("%w: create data ready signal: %w", ErrFormatNegotiationFailed, err)
	}
	s.signal = signal

	if err := client.SetEventSignal(signal); err != nil {
		return fmt.Errorf("%w: bind data ready signal: %w", ErrFormatNegotiationFailed, err)
	}

	s.state.Store(int32(StateFormatNegotiated))
	s.logger.Debugw("Negotiated capture format",
		"blockAlign", s.format.BlockAlign(),
		"avgBytesPerSec", s.format.AvgBytesPerSec())

	queue, err := s.scheduler.Lock(captureQueueName)
	if err != nil {
		return err
	}
	s.queue = queue

	// make sure the queue is processing before the stream starts, so the first
	// data ready signal always has a worker to land on
	ready := newCompletion[struct{}]()
	if err := queue.Put(func() { ready.Complete(struct{}{}, nil) }); err != nil {
		return fmt.Errorf("%w: post readiness check: %w", ErrQueueAcquisitionFailed, err)
	}

	if _, err := ready.Wait(ctx); err != nil {
		return fmt.Errorf("%w: wait for queue: %w", ErrQueueAcquisitionFailed, err)
	}

	s.callback = callback
	s.mu.Lock()
	s.loop = newCaptureLoop(s.logger, queue, signal, s.deliver, s.fault)
	s.mu.Unlock()

	if err := client.Start(); err != nil {
		return fmt.Errorf("%w: start stream: %w", ErrDeviceFault, err)
	}
	s.clientStarted = true

	// a packet already waiting fires as soon as the wait exists, and its callback
	// must find the session running
	s.state.Store(int32(StateRunning))

	if err := s.loop.arm(); err != nil {
		return fmt.Errorf("%w: arm first wait: %w", ErrDeviceFault, err)
	}

	return nil
}

// activate runs the activation handshake and waits for its completion callback
func (s *Session) activate(ctx context.Context) (AudioClient, error) {
	bridge := newCompletion[AudioClient]()

	var (
		lateMu    sync.Mutex
		abandoned bool
	)

	done := func(client AudioClient, err error) {
		lateMu.Lock()
		defer lateMu.Unlock()

		if abandoned {
			if client != nil {
				client.Release()
			}
			return
		}

		if !bridge.Complete(client, err) {
			s.logger.Warn("Ignoring repeated activation completion")
			if client != nil {
				client.Release()
			}
		}
	}

	if err := s.backend.ActivateProcessLoopback(s.params, done); err != nil {
		return nil, fmt.Errorf("%w: begin activation: %w", ErrActivationFailed, err)
	}

	client, err := bridge.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		lateMu.Lock()
		abandoned = true
		completed := bridge.Completed()
		lateMu.Unlock()

		// the completion may have landed right as we gave up
		if completed {
			if late, lateErr := bridge.Wait(context.Background()); lateErr == nil && late != nil {
				late.Release()
			}
		}

		return nil, fmt.Errorf("%w: wait for activation: %w", ErrActivationFailed, err)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrActivationFailed, err)
	}

	if client == nil {
		return nil, fmt.Errorf("%w: activation completed without an endpoint", ErrActivationFailed)
	}

	s.logger.Debug("Activated process loopback endpoint")

	return client, nil
}

// NextPacketSize returns the number of frames in the next packet, 0 if none is ready
func (s *Session) NextPacketSize() (uint32, error) {
	if err := s.requireRunning("next packet size"); err != nil {
		return 0, err
	}

	frames, err := s.checkout.nextPacketSize()
	if err != nil {
		s.observe(err)
		return 0, err
	}

	return frames, nil
}

// GetBuffer checks out the next packet. It fails with ErrProtocolViolation when no
// packet is ready or the previous one has not been released.
func (s *Session) GetBuffer() (Buffer, error) {
	if err := s.requireRunning("get buffer"); err != nil {
		return Buffer{}, err
	}

	buf, err := s.checkout.checkout()
	if err != nil {
		s.observe(err)
		return Buffer{}, err
	}

	return buf, nil
}

// ReleaseBuffer returns the checked out packet; frames may be smaller than what was checked out
func (s *Session) ReleaseBuffer(frames uint32) error {
	if err := s.requireRunning("release buffer"); err != nil {
		return err
	}

	if err := s.checkout.release(frames); err != nil {
		s.observe(err)
		return err
	}

	return nil
}

// Stop cancels the outstanding wait, waits for a running callback to return,
// stops the stream and releases everything the session holds. It is idempotent,
// may be called from any state and any goroutine except the sample-ready callback,
// and always leaves the session stopped. No callback runs after Stop returns.
func (s *Session) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() == StateStopped {
		return
	}

	s.logger.Infow("Stopping capture", "state", s.State())

	s.teardown()
	s.state.Store(int32(StateStopped))

	s.logger.Debug("Capture stopped")
}

// teardown releases whatever has been acquired so far, in reverse order. Callers hold lifecycleMu.
func (s *Session) teardown() {
	if s.loop != nil {
		s.loop.halt()
	}

	// waits for an in-flight callback; after this nothing runs on the queue
	if s.queue != nil {
		s.queue.Release()
		s.queue = nil
	}

	if s.client != nil && s.clientStarted {
		if err := s.client.Stop(); err != nil {
			s.logger.Warnw("Failed to stop audio client", "error", err)
		}
		s.clientStarted = false
	}

	if s.checkout != nil {
		s.checkout.close()
	}

	if s.captureClient != nil {
		s.captureClient.Release()
		s.captureClient = nil
	}

	if s.client != nil {
		s.client.Release()
		s.client = nil
	}

	if s.signal != nil {
		if err := s.signal.Close(); err != nil {
			s.logger.Warnw("Failed to close data ready signal", "error", err)
		}
		s.signal = nil
	}
}

func (s *Session) deliver() {
	s.callback(s)
}

// fault is called from the queue when the loop cannot continue
func (s *Session) fault(err error) {
	s.fail(fmt.Errorf("%w: %w", ErrDeviceFault, err))
}

// observe moves the session to failed on endpoint errors seen by buffer operations
func (s *Session) observe(err error) {
	if errors.Is(err, ErrDeviceFault) {
		s.fail(err)
	}
}

// fail records the first failure and stops the loop from re-arming. Resources
// stay held until Stop, which may not run on the dispatch queue.
func (s *Session) fail(err error) {
	s.failMu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.failMu.Unlock()

	for {
		current := s.state.Load()
		if current == int32(StateStopped) || current == int32(StateFailed) {
			return
		}

		if s.state.CompareAndSwap(current, int32(StateFailed)) {
			s.logger.Errorw("Capture session failed", "previousState", State(current), "error", err)
			break
		}
	}

	if loop := s.currentLoop(); loop != nil {
		loop.halt()
	}
}

func (s *Session) bufferCounts() (checkouts, releases uint64) {
	s.mu.Lock()
	checkout := s.checkout
	s.mu.Unlock()

	if checkout == nil {
		return 0, 0
	}

	return checkout.counts()
}

func (s *Session) currentLoop() *captureLoop {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loop
}

func (s *Session) requireRunning(op string) error {
	switch state := s.State(); state {
	case StateRunning:
		return nil
	case StateFailed:
		if err := s.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return s.violation(fmt.Sprintf("%s on a failed session", op))
	default:
		return s.violation(fmt.Sprintf("%s while %s", op, state))
	}
}

func (s *Session) violation(what string) error {
	s.logger.Errorw("Capture protocol violated", "violation", what)
	return fmt.Errorf("%w: %s", ErrProtocolViolation, what)
}
