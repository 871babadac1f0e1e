package wpal

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handle identifies a session held by a Registry. Zero is never a valid handle.
type Handle uint64

// Registry owns sessions on behalf of callers that can only hold an opaque handle,
// such as code on the far side of a C boundary
type Registry struct {
	logger *zap.SugaredLogger
	opts   []SessionOption

	mu       sync.Mutex
	next     Handle
	sessions map[Handle]*Session
}

// NewRegistry creates a registry whose sessions are built with opts
func NewRegistry(logger *zap.SugaredLogger, opts ...SessionOption) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		opts:     append([]SessionOption{WithLogger(logger)}, opts...),
		sessions: make(map[Handle]*Session),
	}
}

// Create registers a new uninitialized session
func (r *Registry) Create(pid uint32, includeDescendants bool, channels uint16, sampleRate uint32, bitsPerSample uint16) (Handle, error) {
	session, err := NewSession(SessionParams{
		ProcessID:          pid,
		IncludeDescendants: includeDescendants,
		Channels:           channels,
		SampleRate:         sampleRate,
		BitsPerSample:      bitsPerSample,
	}, r.opts...)
	if err != nil {
		r.logger.Warnw("Failed to create session", "pid", pid, "error", err)
		return 0, err
	}

	r.mu.Lock()
	r.next++
	h := r.next
	r.sessions[h] = session
	r.mu.Unlock()

	r.logger.Debugw("Registered session", "handle", h, "pid", pid)

	return h, nil
}

// Start blocks until capture is running (or has failed); callback then receives h on
// every data ready notification
func (r *Registry) Start(ctx context.Context, h Handle, callback func(Handle)) error {
	session, err := r.lookup(h)
	if err != nil {
		return err
	}

	if callback == nil {
		return session.Start(ctx, nil)
	}

	return session.Start(ctx, func(*Session) {
		callback(h)
	})
}

func (r *Registry) NextPacketSize(h Handle) (uint32, error) {
	session, err := r.lookup(h)
	if err != nil {
		return 0, err
	}

	return session.NextPacketSize()
}

func (r *Registry) GetBuffer(h Handle) (Buffer, error) {
	session, err := r.lookup(h)
	if err != nil {
		return Buffer{}, err
	}

	return session.GetBuffer()
}

func (r *Registry) ReleaseBuffer(h Handle, frames uint32) error {
	session, err := r.lookup(h)
	if err != nil {
		return err
	}

	return session.ReleaseBuffer(frames)
}

// Stop stops the session; unknown handles are ignored
func (r *Registry) Stop(h Handle) {
	session, err := r.lookup(h)
	if err != nil {
		r.logger.Debugw("Ignoring stop of unknown session", "handle", h)
		return
	}

	session.Stop()
}

// Dispose forgets the session. A session that was not stopped first is stopped here.
func (r *Registry) Dispose(h Handle) {
	r.mu.Lock()
	session, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()

	if !ok {
		r.logger.Debugw("Ignoring dispose of unknown session", "handle", h)
		return
	}

	if state := session.State(); state != StateStopped {
		r.logger.Warnw("Disposing a session that was not stopped, stopping it first", "handle", h, "state", state)
		session.Stop()
	}

	r.logger.Debugw("Disposed session", "handle", h)
}

// Session returns the session behind h
func (r *Registry) Session(h Handle) (*Session, error) {
	return r.lookup(h)
}

// Len is the number of sessions not yet disposed
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

func (r *Registry) lookup(h Handle) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[h]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", h, errInvalidHandle)
	}

	return session, nil
}
