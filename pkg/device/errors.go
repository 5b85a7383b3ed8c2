package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure surfaced by a session or a host stack backend.
type ErrorKind string

const (
	KindCancelled                ErrorKind = "cancelled"
	KindPermissionDenied         ErrorKind = "permission_denied"
	KindDeviceNotFound           ErrorKind = "device_not_found"
	KindNotConnected             ErrorKind = "not_connected"
	KindUnexpectedCallback       ErrorKind = "unexpected_callback"
	KindUnexpectedCharacteristic ErrorKind = "unexpected_characteristic"
	KindNoSuchCharacteristic     ErrorKind = "no_such_characteristic"
	KindNotSupported             ErrorKind = "not_supported"
	KindTimedOut                 ErrorKind = "timed_out"
	KindIdentityParse            ErrorKind = "identity_parse"
	KindInvalidAddress           ErrorKind = "invalid_address"
	KindHostRuntime              ErrorKind = "host_runtime"
	KindOther                    ErrorKind = "other"
)

// Error is the single error type of the session layer.
// Errors compare equal under errors.Is when their kinds match.
type Error struct {
	Kind    ErrorKind
	Detail  string
	Timeout time.Duration // set for KindTimedOut
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var msg string
	switch e.Kind {
	case KindCancelled:
		msg = "cancelled"
	case KindPermissionDenied:
		msg = "permission denied"
	case KindDeviceNotFound:
		msg = "device not found"
	case KindNotConnected:
		msg = "not connected"
	case KindUnexpectedCallback:
		msg = "unexpected callback"
	case KindUnexpectedCharacteristic:
		msg = "unexpected characteristic"
	case KindNoSuchCharacteristic:
		msg = "no such characteristic"
	case KindNotSupported:
		msg = "the operation is not supported"
	case KindTimedOut:
		msg = fmt.Sprintf("timed out after %s", e.Timeout)
	case KindIdentityParse:
		msg = "error parsing identity"
	case KindInvalidAddress:
		msg = "invalid bluetooth address"
	case KindHostRuntime:
		msg = "runtime error"
	default:
		msg = "other error"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrCancelled                = &Error{Kind: KindCancelled}
	ErrPermissionDenied         = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound           = &Error{Kind: KindDeviceNotFound}
	ErrNotConnected             = &Error{Kind: KindNotConnected}
	ErrUnexpectedCallback       = &Error{Kind: KindUnexpectedCallback}
	ErrUnexpectedCharacteristic = &Error{Kind: KindUnexpectedCharacteristic}
	ErrNoSuchCharacteristic     = &Error{Kind: KindNoSuchCharacteristic}
	ErrNotSupported             = &Error{Kind: KindNotSupported}
	ErrTimedOut                 = &Error{Kind: KindTimedOut}
	ErrIdentityParse            = &Error{Kind: KindIdentityParse}
	ErrInvalidAddress           = &Error{Kind: KindInvalidAddress}
	ErrHostRuntime              = &Error{Kind: KindHostRuntime}
	ErrOther                    = &Error{Kind: KindOther}
)

// NotSupported reports an operation the host stack cannot perform.
func NotSupported(reason string) error {
	return &Error{Kind: KindNotSupported, Detail: reason}
}

// TimedOut reports an operation that did not finish within d.
func TimedOut(d time.Duration) error {
	return &Error{Kind: KindTimedOut, Timeout: d}
}

// IdentityParseError reports a malformed peripheral identity or UUID.
func IdentityParseError(detail string, err error) error {
	return &Error{Kind: KindIdentityParse, Detail: detail, Err: err}
}

// InvalidAddress reports a malformed Bluetooth address.
func InvalidAddress(detail string) error {
	return &Error{Kind: KindInvalidAddress, Detail: detail}
}

// HostRuntimeError reports a failure of the runtime hosting the stack.
func HostRuntimeError(detail string, err error) error {
	return &Error{Kind: KindHostRuntime, Detail: detail, Err: err}
}

// Wrap attaches kind to an underlying host error.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Other wraps a host error that matches no other kind.
func Other(err error) error {
	return Wrap(KindOther, err)
}

// KindOf returns the kind of the first *Error in err's chain.
// Context cancellation maps to KindCancelled and deadline expiry to KindTimedOut.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimedOut
	}
	return KindOther
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}
