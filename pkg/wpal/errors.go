package wpal

import (
	"errors"
)

// error kinds surfaced by a capture session; wrapped errors keep their cause
var (
	ErrActivationFailed        = errors.New("activation failed")
	ErrFormatNegotiationFailed = errors.New("format negotiation failed")
	ErrQueueAcquisitionFailed  = errors.New("queue acquisition failed")
	ErrDeviceFault             = errors.New("device fault")
	ErrProtocolViolation       = errors.New("protocol violation")

	errNoSuchProcess = errors.New("no such process")
	errQueueReleased = errors.New("dispatch queue released")
	errInvalidHandle = errors.New("invalid session handle")
)

// status codes exposed across the C-compatible boundary
const (
	StatusOK int32 = iota
	StatusActivationFailed
	StatusFormatNegotiationFailed
	StatusQueueAcquisitionFailed
	StatusDeviceFault
	StatusProtocolViolation
	StatusUnknown
)

// StatusCode maps an error returned by this package onto its boundary status code
func StatusCode(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrActivationFailed):
		return StatusActivationFailed
	case errors.Is(err, ErrFormatNegotiationFailed):
		return StatusFormatNegotiationFailed
	case errors.Is(err, ErrQueueAcquisitionFailed):
		return StatusQueueAcquisitionFailed
	case errors.Is(err, ErrDeviceFault):
		return StatusDeviceFault
	case errors.Is(err, ErrProtocolViolation):
		return StatusProtocolViolation
	default:
		return StatusUnknown
	}
}
