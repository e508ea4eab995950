package stream

import (
	"errors"
	"fmt"
)

// Kind classifies a session or connection failure.
type Kind int

const (
	// KindUnauthenticated indicates no credential could be resolved.
	KindUnauthenticated Kind = iota + 1
	// KindInvalidRequest indicates a request rejected locally and never transmitted.
	KindInvalidRequest
	// KindTransport indicates the connection failed to open or closed unexpectedly.
	KindTransport
	// KindProtocol indicates the server sent an explicit error frame or broke framing rules.
	KindProtocol
	// KindCancelled indicates a deliberate teardown.
	KindCancelled
	// KindTimeout indicates a stalled stream.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any *Error of the matching kind.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "no credential available, please sign in"}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrTransport       = &Error{Kind: KindTransport, Message: "connection lost"}
	ErrProtocol        = &Error{Kind: KindProtocol, Message: "protocol error"}
	ErrCancelled       = &Error{Kind: KindCancelled, Message: "cancelled"}
	ErrTimeout         = &Error{Kind: KindTimeout, Message: "stream timed out"}
)

// Error is the single failure type surfaced by the stream core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the UI should offer a plain retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

// KindOf returns the Kind of err, or 0 when err is not a stream error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
