package wpal

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type loopState int

const (
	loopIdle loopState = iota
	loopArmed
	loopFiring
	loopStopped
)

func (s loopState) String() string {
	switch s {
	case loopIdle:
		return "idle"
	case loopArmed:
		return "armed"
	case loopFiring:
		return "firing"
	case loopStopped:
		return "stopped"
	default:
		return fmt.Sprintf("loopState(%d)", int(s))
	}
}

// LoopStats counts what the capture loop did with its wait registrations
type LoopStats struct {
	Armed       uint64 // registrations created
	Fired       uint64 // registrations consumed by the signal
	Cancelled   uint64 // registrations withdrawn by a stop
	Abstained   uint64 // completions or re-arms skipped because the loop had stopped
	Invocations uint64 // sample-ready callbacks run
	MaxLive     uint64 // highest number of simultaneously live registrations observed
}

// Live is the number of registrations currently outstanding
func (s LoopStats) Live() uint64 {
	return s.Armed - s.Fired - s.Cancelled
}

// captureLoop keeps exactly one wait registration alive on the session's queue.
//
// State machine: idle -> armed -> firing -> armed | stopped.
//
// When the signal fires the completion re-arms first and only then calls out to
// the sample-ready callback. The queue is serial, so a signal raised while the
// callback runs is delivered as the next completion after the callback returns;
// callbacks never overlap, and the fired registration is consumed before the
// next one is created.
type captureLoop struct {
	logger *zap.SugaredLogger
	queue  *QueueToken
	signal Signal

	onReady func()
	onFault func(error)

	mu    sync.Mutex
	state loopState
	token *WaitToken
	stats LoopStats
}

func newCaptureLoop(logger *zap.SugaredLogger, queue *QueueToken, signal Signal, onReady func(), onFault func(error)) *captureLoop {
	return &captureLoop{
		logger:  logger.Named("loop"),
		queue:   queue,
		signal:  signal,
		onReady: onReady,
		onFault: onFault,
		state:   loopIdle,
	}
}

// arm registers the next wait. It abstains once the loop has stopped.
func (l *captureLoop) arm() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.armLocked()
}

func (l *captureLoop) armLocked() error {
	if l.state == loopStopped {
		l.stats.Abstained++
		return nil
	}

	if l.token != nil {
		l.logger.Errorw("Refusing to arm a second wait", "state", l.state)
		return fmt.Errorf("%w: a wait is already outstanding", ErrProtocolViolation)
	}

	token, err := l.queue.PutWaiting(l.signal, l.fire, l.waitFailed)
	if err != nil {
		return fmt.Errorf("arm data ready wait: %w", err)
	}

	l.token = token
	l.state = loopArmed
	l.stats.Armed++

	if live := l.stats.Live(); live > l.stats.MaxLive {
		l.stats.MaxLive = live
	}

	return nil
}

// fire runs on the queue each time the signal is raised
func (l *captureLoop) fire() {
	l.mu.Lock()

	if l.state == loopStopped {
		l.stats.Abstained++
		l.mu.Unlock()
		return
	}

	l.token = nil
	l.state = loopFiring
	l.stats.Fired++

	err := l.armLocked()
	if err == nil {
		l.stats.Invocations++
	}

	l.mu.Unlock()

	if err != nil {
		// the queue going away under us means a stop is in flight
		if errors.Is(err, errQueueReleased) {
			l.halt()
			return
		}

		l.logger.Warnw("Failed to re-arm data ready wait", "error", err)
		l.onFault(err)
		return
	}

	l.onReady()
}

// waitFailed runs on the queue when the signal could not be waited on. No wait
// is outstanding afterwards, so the loop stops and reports the fault.
func (l *captureLoop) waitFailed(err error) {
	l.mu.Lock()

	if l.state == loopStopped {
		l.stats.Abstained++
		l.mu.Unlock()
		return
	}

	l.token = nil
	l.state = loopStopped
	l.stats.Fired++

	l.mu.Unlock()

	l.logger.Warnw("Data ready wait failed", "error", err)
	l.onFault(fmt.Errorf("wait for data ready: %w", err))
}

// halt moves the loop to stopped and withdraws the outstanding registration.
// It does not wait for a completion that is already running. Reports whether
// this call did the stopping.
func (l *captureLoop) halt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == loopStopped {
		return false
	}

	l.state = loopStopped

	if l.token != nil {
		if l.token.Cancel() {
			l.stats.Cancelled++
		} else {
			// fired concurrently; its completion will see the stopped state and abstain
			l.stats.Fired++
		}
		l.token = nil
	}

	return true
}

func (l *captureLoop) snapshot() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stats
}

func (l *captureLoop) currentState() loopState {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}
