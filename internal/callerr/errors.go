// Package callerr carries the error taxonomy shared by the call components.
//
// Every asynchronous operation either succeeds or returns an *Error whose
// Message is safe to show to a user. Callers that need to branch on the
// failure use KindOf, IsTransient and NeedsPermission rather than matching
// platform-specific error values.
package callerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeyg42/callsession/internal/media"
)

// Kind classifies a failure by how the caller can recover from it.
type Kind int

const (
	// KindInternal is an unexpected failure with no better classification.
	KindInternal Kind = iota
	// KindPermission means the user denied access; it must be re-requested.
	KindPermission
	// KindDevice means a device vanished or none is present; retry or fall back.
	KindDevice
	// KindNetwork covers credential fetch, connect and mid-call transport failures.
	KindNetwork
	// KindProtocol is an operation attempted in the wrong state.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindDevice:
		return "device"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

// Error is a classified failure of a named operation.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Protocol wraps a wrong-state sentinel such as "already connected".
func Protocol(op string, sentinel error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: sentinel.Error(), Err: sentinel}
}

// Network wraps a transport failure. Transient failures are retried by the
// transport layer and are never shown as a disruptive error.
func Network(op, message string, transient bool, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: message, Transient: transient, Err: err}
}

// FromPlatform classifies an error returned by the media platform.
func FromPlatform(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return New(KindPermission, op, "permission denied", err)
	case errors.Is(err, media.ErrDeviceNotFound):
		return New(KindDevice, op, "device not found", err)
	case errors.Is(err, media.ErrDeviceInUse):
		e := New(KindDevice, op, "device is in use by another application", err)
		e.Transient = true
		return e
	case errors.Is(err, media.ErrOverconstrained):
		return New(KindDevice, op, "device cannot satisfy the requested settings", err)
	case errors.Is(err, media.ErrNotSupported):
		return New(KindDevice, op, "not supported on this platform", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return New(KindInternal, op, "operation cancelled", err)
	default:
		return New(KindInternal, op, "failed to acquire media", err)
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is expected to clear on retry.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}

// NeedsPermission reports whether the user must grant access again before
// a retry can succeed.
func NeedsPermission(err error) bool {
	return KindOf(err) == KindPermission
}

// Message renders err as the plain string shown by the UI. Network and
// internal failures carry the underlying cause; the other kinds are fully
// described by their message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		detailed := ce.Kind == KindNetwork || ce.Kind == KindInternal
		if detailed && ce.Err != nil && ce.Err.Error() != ce.Message {
			return fmt.Sprintf("%s: %v", ce.Message, ce.Err)
		}
		return ce.Message
	}
	return err.Error()
}
