package audio

import (
	"errors"
	"fmt"
)

// Sentinel errors for audio package operations.
// These errors enable reliable error classification using errors.Is().

// Subscription errors.
var (
	// ErrStreamNotFound indicates no live stream handle resolves for the id.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrSinkDenied indicates the platform declined to create a sink.
	ErrSinkDenied = errors.New("sink creation denied")
)

// Capture errors.
var (
	// ErrCaptureNotArmed indicates capture was disabled or never enabled.
	ErrCaptureNotArmed = errors.New("capture is not armed")

	// ErrSessionExists indicates a capture session already owns this stream.
	ErrSessionExists = errors.New("capture session already exists")

	// ErrNoSupportedFormat indicates no preferred format is encodable.
	ErrNoSupportedFormat = errors.New("no mutually supported encoded format")

	// ErrWorkerUnavailable indicates off-thread registration failed and the
	// in-thread strategy must be used.
	ErrWorkerUnavailable = errors.New("off-thread processor unavailable")
)

// Context errors.
var (
	// ErrNoAudioContext indicates no processing context could be built.
	ErrNoAudioContext = errors.New("audio context unavailable")

	// ErrContextClosed indicates the shared context was already closed.
	ErrContextClosed = errors.New("audio context closed")
)

// ContractError reports a programmer-contract violation at the call site.
// It is the only failure this package raises synchronously; everything else
// degrades to a zero value, a fallback strategy, or an emitted Error event.
type ContractError struct {
	Op     string
	Reason string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	return fmt.Sprintf("audio: %s: %s", e.Op, e.Reason)
}

// contractViolation panics with a *ContractError attributable to op.
func contractViolation(op, reason string) {
	panic(&ContractError{Op: op, Reason: reason})
}
