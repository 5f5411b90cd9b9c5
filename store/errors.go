package store

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies every failure an adapter can report.
type Kind int

const (
	// KindConfiguration means the connection string or options are unusable. Fatal.
	KindConfiguration Kind = iota + 1
	// KindConnection means the backend is unavailable or timed out. Retryable.
	KindConnection
	// KindSchema means the existing table or container does not match the expected layout.
	KindSchema
	// KindSerialization means a state or metadata value cannot be encoded or decoded.
	KindSerialization
	// KindClosed means the adapter was closed.
	KindClosed
	// KindInvalidInput means the caller passed an unusable argument.
	KindInvalidInput
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrSchema        = errors.New("schema error")
	ErrSerialization = errors.New("serialization error")
	ErrClosed        = errors.New("persistence closed")
	ErrInvalidInput  = errors.New("invalid input")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindConnection:
		return ErrConnection
	case KindSchema:
		return ErrSchema
	case KindSerialization:
		return ErrSerialization
	case KindClosed:
		return ErrClosed
	case KindInvalidInput:
		return ErrInvalidInput
	default:
		return nil
	}
}

// String returns the string representation of Kind
func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("unknown error kind(%d)", int(k))
}

// Error is the only error type returned across the Persistence boundary.
// The backend cause survives as text only, so callers cannot depend on
// driver-specific error types.
type Error struct {
	Kind    Kind
	Backend BackendKind
	Op      string
	msg     string
}

// NewError builds an *Error. A nil cause yields an error carrying only the kind.
func NewError(kind Kind, backend BackendKind, op string, cause error) *Error {
	e := &Error{Kind: kind, Backend: backend, Op: op}
	if cause != nil {
		e.msg = cause.Error()
	}
	return e
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, backend BackendKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Backend != "" {
		prefix = string(e.Backend) + ": " + prefix
	}
	if e.msg == "" {
		return prefix
	}
	return prefix + ": " + e.msg
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnection
}

// AsError returns err unchanged when it already is an *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient reports context expiry and network failures, which every
// adapter maps to KindConnection.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
