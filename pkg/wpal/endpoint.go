package wpal

import (
	"unsafe"
)

// LoopbackParams selects the process whose rendered audio is captured
type LoopbackParams struct {
	ProcessID          uint32
	IncludeDescendants bool
}

// Backend is the platform audio subsystem a session activates its endpoint through
type Backend interface {
	// ActivateProcessLoopback begins activating a process-scoped capture endpoint.
	// done is invoked exactly once, possibly on another OS thread, possibly before
	// ActivateProcessLoopback returns.
	ActivateProcessLoopback(params LoopbackParams, done func(AudioClient, error)) error

	// NewSignal creates an auto-reset "data ready" signal that can be bound to an endpoint
	NewSignal() (Signal, error)
}

// AudioClient is an activated capture endpoint
type AudioClient interface {
	// Initialize negotiates the shared-mode, event-driven stream format
	Initialize(format AudioFormat) error

	// CaptureClient returns the buffer interface of an initialized client
	CaptureClient() (CaptureClient, error)

	// SetEventSignal binds the signal raised whenever a packet becomes ready
	SetEventSignal(signal Signal) error

	Start() error
	Stop() error
	Release()
}

// CaptureClient exposes the endpoint-owned packet memory
type CaptureClient interface {
	NextPacketSize() (uint32, error)
	GetBuffer() (Packet, error)
	ReleaseBuffer(frames uint32) error
	Release()
}

// Packet is a raw view of endpoint memory as handed out by GetBuffer
type Packet struct {
	Data   unsafe.Pointer
	Frames uint32
	Flags  uint32
}

// Signal is an auto-reset notification raised by the endpoint
type Signal interface {
	// Wait blocks until the signal is raised or cancel is closed, and reports whether it was raised.
	// An error means the signal can no longer be waited on.
	Wait(cancel <-chan struct{}) (bool, error)

	Close() error
}

const (
	// packet flags reported by the endpoint
	bufferFlagsDataDiscontinuity = 0x1
	bufferFlagsSilent            = 0x2
	bufferFlagsTimestampError    = 0x4
)
