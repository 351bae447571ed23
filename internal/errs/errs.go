// Package errs defines the error kinds shared by the bridge components.
// Each kind maps onto a JSON-RPC error code at the client boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge error.
type Kind string

const (
	Parse             Kind = "parse"
	InvalidRequest    Kind = "invalid_request"
	NotFound          Kind = "not_found"
	NotReady          Kind = "not_ready"
	Timeout           Kind = "timeout"
	SpawnFailed       Kind = "spawn_failed"
	IOError           Kind = "io_error"
	SessionTerminated Kind = "session_terminated"
	ClientGone        Kind = "client_gone"
	Internal          Kind = "internal"
)

// Error carries a kind plus a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
