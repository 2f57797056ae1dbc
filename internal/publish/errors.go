package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a delivery failure. Adapters translate heterogeneous
// platform responses into exactly one kind; retry decisions key off the kind
// alone, never off platform-specific payloads.
type ErrorKind string

const (
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindValidation       ErrorKind = "validation"
	KindRateLimited      ErrorKind = "rate_limited"
	KindNetwork          ErrorKind = "network"
	KindPlatform         ErrorKind = "platform"
	KindPostNotFound     ErrorKind = "post_not_found"
	KindInvalidSchedule  ErrorKind = "invalid_schedule"
	KindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether failures of this kind are worth another attempt.
// Unknown errs on the side of retrying; the budget caps the damage.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindNetwork, KindPlatform, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is the one failure shape crossing the adapter boundary.
//
// Code is a short stable identifier ("telegram_flood", "http_401"), Message
// is human-readable. RetryAfter is an optional platform reset hint and only
// meaningful for rate-limited failures.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration

	err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds a classified failure.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Errorf is NewError with a formatted message.
func Errorf(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error while keeping it unwrappable.
func WrapError(kind ErrorKind, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, err: err}
}

// WithRetryAfter attaches a platform reset hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	if d > 0 {
		cp.RetryAfter = d
	}
	return &cp
}

// Classify normalizes any error into *Error.
//
//   - *Error passes through unchanged.
//   - Context deadlines and net timeouts become network failures.
//   - Everything else is unknown (retryable, logged loudly by callers).
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindNetwork, "timeout", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return WrapError(KindNetwork, "timeout", err)
		}
		return WrapError(KindNetwork, "net", err)
	}
	return WrapError(KindUnknown, "", err)
}

// KindOf returns the classified kind, KindUnknown for foreign errors and ""
// for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsKind reports whether err classifies to the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && Classify(err).Kind == kind
}

// Retryable reports whether err is worth another delivery attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind.Retryable()
}
