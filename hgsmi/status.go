// Package hgsmi implements the host/guest shared memory interface plumbing:
// channel registration and dispatch, the completion protocol for submitted
// buffers, and the lock-free per-display queue of host commands.
package hgsmi

import (
	"errors"
	"fmt"

	"github.com/xll-gen/hgsmi/vbva"
)

// Status is the wire result code written back into a buffer.
// Values match the peer's IPRT status codes.
type Status int32

const (
	StatusOK               Status = 0
	StatusInvalidParameter Status = -2
	StatusNoMemory         Status = -8
	StatusVersionMismatch  Status = -11
	StatusNotSupported     Status = -37
	StatusTryAgain         Status = -52
	StatusNotFound         Status = -78
	StatusInvalidState     Status = -79
	StatusInternalError    Status = -225
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusNoMemory:
		return "no memory"
	case StatusVersionMismatch:
		return "version mismatch"
	case StatusNotSupported:
		return "not supported"
	case StatusTryAgain:
		return "try again"
	case StatusNotFound:
		return "not found"
	case StatusInvalidState:
		return "invalid state"
	case StatusInternalError:
		return "internal error"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Success reports whether s is StatusOK or an informational (positive) code.
func (s Status) Success() bool {
	return s >= 0
}

// Retryable reports whether the caller may back off and try again.
func (s Status) Retryable() bool {
	return s == StatusTryAgain || s == StatusNoMemory
}

// Fatal reports whether s is a failure that retrying cannot fix.
func (s Status) Fatal() bool {
	return !s.Success() && !s.Retryable()
}

// Err returns nil for success and an *Error otherwise.
func (s Status) Err() error {
	if s.Success() {
		return nil
	}
	return &Error{Status: s}
}

// Error is a failure with a wire status.
type Error struct {
	Status Status
	Msg    string
}

// NewError returns an error carrying status s.
func NewError(s Status, msg string) *Error {
	return &Error{Status: s, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "hgsmi: " + e.Status.String()
	}
	return e.Msg
}

var (
	// ErrUnroutable is returned by Dispatch when no channel is registered for the buffer.
	ErrUnroutable = NewError(StatusNotFound, "hgsmi: no channel registered")

	ErrAlreadyRegistered = NewError(StatusInvalidState, "hgsmi: channel already registered")
	ErrNotRegistered     = NewError(StatusNotFound, "hgsmi: channel not registered")

	// ErrAlreadyCompleted is a protocol violation: a buffer may be completed once.
	ErrAlreadyCompleted = NewError(StatusInvalidState, "hgsmi: buffer already completed")

	// ErrAlreadyDeferred is returned when marking a buffer async twice.
	ErrAlreadyDeferred = NewError(StatusInvalidState, "hgsmi: buffer already marked for async completion")

	ErrShortHostCommand = NewError(StatusInvalidParameter, "hgsmi: short host command")

	ErrInvalidDisplay    = NewError(StatusInvalidParameter, "hgsmi: invalid display")
	ErrDisplayEnabled    = NewError(StatusInvalidState, "hgsmi: display already enabled")
	ErrNotDisplayChannel = NewError(StatusInvalidState, "hgsmi: channel is not a display channel")
)

// StatusOf maps err to the status reported on the wire.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	switch {
	case errors.Is(err, vbva.ErrOutOfRecordSlots),
		errors.Is(err, vbva.ErrShortWrite),
		errors.Is(err, vbva.ErrBufferOverflow):
		return StatusTryAgain
	case errors.Is(err, vbva.ErrNotEnabled):
		return StatusInvalidState
	case errors.Is(err, vbva.ErrCorruptRing):
		return StatusInvalidState
	case errors.Is(err, vbva.ErrShortPayload),
		errors.Is(err, vbva.ErrRegionTooSmall),
		errors.Is(err, vbva.ErrMisaligned):
		return StatusInvalidParameter
	}
	return StatusInternalError
}

// IsRetryable reports whether err is recoverable by backing off and retrying.
// Ring flow control errors are retryable; an overflowed ring needs a reset first.
func IsRetryable(err error) bool {
	return err != nil && StatusOf(err).Retryable()
}
