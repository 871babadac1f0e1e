package wpal

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// work items posted to a queue but not yet running
	queueBacklog = 16

	// default cap on simultaneously leased queues
	defaultMaxQueues = 64
)

// Scheduler hands out leases on serial dispatch queues. Each lease owns one worker
// goroutine; everything posted to it runs one item at a time, in order.
type Scheduler struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	nextID    uint32
	maxQueues int
	queues    map[uint32]*QueueToken
}

// NewScheduler creates a scheduler that leases at most maxQueues queues at once.
// A maxQueues below zero disables the cap.
func NewScheduler(logger *zap.SugaredLogger, maxQueues int) *Scheduler {
	return &Scheduler{
		logger:    logger.Named("dispatch"),
		maxQueues: maxQueues,
		queues:    make(map[uint32]*QueueToken),
	}
}

var (
	defaultSchedulerOnce sync.Once
	defaultScheduler     *Scheduler
)

func sharedScheduler(logger *zap.SugaredLogger) *Scheduler {
	defaultSchedulerOnce.Do(func() {
		defaultScheduler = NewScheduler(logger, defaultMaxQueues)
	})

	return defaultScheduler
}

// Lock leases a fresh serial queue and starts its worker
func (s *Scheduler) Lock(name string) (*QueueToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxQueues >= 0 && len(s.queues) >= s.maxQueues {
		s.logger.Warnw("No dispatch queue available", "name", name, "leased", len(s.queues))
		return nil, fmt.Errorf("%w: %d of %d queues leased", ErrQueueAcquisitionFailed, len(s.queues), s.maxQueues)
	}

	s.nextID++

	q := &QueueToken{
		id:        s.nextID,
		name:      name,
		scheduler: s,
		logger:    s.logger.With("queue", name, "queueID", s.nextID),
		tasks:     make(chan func(), queueBacklog),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
		waits:     make(map[*WaitToken]struct{}),
	}
	q.accepting.Store(true)

	s.queues[q.id] = q

	go q.worker()

	q.logger.Debug("Leased dispatch queue")

	return q, nil
}

// Leased returns the number of queues currently leased
func (s *Scheduler) Leased() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queues)
}

func (s *Scheduler) unlock(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, id)
}

// QueueToken is a lease on one serial dispatch queue
type QueueToken struct {
	id        uint32
	name      string
	scheduler *Scheduler
	logger    *zap.SugaredLogger

	tasks     chan func()
	stop      chan struct{}
	exited    chan struct{}
	accepting atomic.Bool

	releaseOnce sync.Once

	waitsMu sync.Mutex
	waits   map[*WaitToken]struct{}
	waitWG  sync.WaitGroup
}

func (q *QueueToken) ID() uint32 {
	return q.id
}

// Put posts a work item. Items run one at a time on the queue's worker.
func (q *QueueToken) Put(task func()) error {
	if !q.accepting.Load() {
		return errQueueReleased
	}

	select {
	case q.tasks <- task:
		return nil
	case <-q.stop:
		return errQueueReleased
	}
}

// PutWaiting registers task to be posted to the queue once, the next time signal is raised.
// If waiting on the signal fails instead, failed (when set) is posted with the error and
// the registration is spent. The returned token can cancel the registration until it fires.
func (q *QueueToken) PutWaiting(signal Signal, task func(), failed func(error)) (*WaitToken, error) {
	w := &WaitToken{cancel: make(chan struct{})}

	q.waitsMu.Lock()
	if !q.accepting.Load() {
		q.waitsMu.Unlock()
		return nil, errQueueReleased
	}
	q.waits[w] = struct{}{}
	q.waitWG.Add(1)
	q.waitsMu.Unlock()

	go func() {
		defer q.waitWG.Done()
		defer q.forgetWait(w)

		raised, err := signal.Wait(w.cancel)
		if err != nil {
			if !w.state.CompareAndSwap(waitPending, waitFailed) {
				return
			}

			q.logger.Warnw("Waiting on signal failed", "error", err)

			if failed == nil {
				return
			}

			if err := q.Put(func() { failed(err) }); err != nil {
				q.logger.Debugw("Dropped failed wait item", "reason", err)
			}
			return
		}

		if !raised {
			return
		}

		// lost the race against Cancel, nothing to deliver
		if !w.state.CompareAndSwap(waitPending, waitFired) {
			return
		}

		if err := q.Put(task); err != nil {
			q.logger.Debugw("Dropped fired wait item", "reason", err)
		}
	}()

	return w, nil
}

func (q *QueueToken) forgetWait(w *WaitToken) {
	q.waitsMu.Lock()
	defer q.waitsMu.Unlock()

	delete(q.waits, w)
}

// Release stops accepting work, cancels pending waits, lets queued items run to
// completion and returns the lease. Once Release returns nothing posted to this
// queue is running. Safe to call more than once.
func (q *QueueToken) Release() {
	q.releaseOnce.Do(func() {
		q.waitsMu.Lock()
		q.accepting.Store(false)
		for w := range q.waits {
			w.Cancel()
		}
		q.waitsMu.Unlock()

		q.waitWG.Wait()

		close(q.stop)
		<-q.exited

		q.scheduler.unlock(q.id)
		q.logger.Debug("Released dispatch queue")
	})
}

func (q *QueueToken) worker() {
	defer close(q.exited)

	for {
		select {
		case task := <-q.tasks:
			q.runTask(task)
		case <-q.stop:
			// drain what was queued before the release
			for {
				select {
				case task := <-q.tasks:
					q.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (q *QueueToken) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("Dispatch queue task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	task()
}

const (
	waitPending int32 = iota
	waitFired
	waitCancelled
	waitFailed
)

// WaitToken is one outstanding "run this once the signal is raised" registration
type WaitToken struct {
	state  atomic.Int32
	cancel chan struct{}
}

// Cancel withdraws the registration. It reports false if the token had already
// fired, failed or been cancelled, which is not an error.
func (w *WaitToken) Cancel() bool {
	if !w.state.CompareAndSwap(waitPending, waitCancelled) {
		return false
	}

	close(w.cancel)

	return true
}

// Fired reports whether the signal was raised for this registration
func (w *WaitToken) Fired() bool {
	return w.state.Load() == waitFired
}

// Failed reports whether waiting on the signal errored for this registration
func (w *WaitToken) Failed() bool {
	return w.state.Load() == waitFailed
}
