package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a delivery failure.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network_error"
	KindServer         Kind = "server_error"
	KindStreamProtocol Kind = "stream_protocol_error"
	KindJobFailed      Kind = "job_failed"
	KindCanceled       Kind = "canceled"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrTimeout        = errors.New("first chunk timeout")
	ErrNetwork        = errors.New("network error")
	ErrServer         = errors.New("server error")
	ErrStreamProtocol = errors.New("stream protocol error")
	ErrJobFailed      = errors.New("job failed")
	ErrCanceled       = errors.New("delivery canceled")
)

var kindSentinels = map[Kind]error{
	KindTimeout:        ErrTimeout,
	KindNetwork:        ErrNetwork,
	KindServer:         ErrServer,
	KindStreamProtocol: ErrStreamProtocol,
	KindJobFailed:      ErrJobFailed,
	KindCanceled:       ErrCanceled,
}

// Error is the only failure shape that leaves the delivery layer.
//
// Fields:
//   - Kind: failure class.
//   - Mode: transport that produced it (empty when not transport specific).
//   - Status: HTTP status for server errors, 0 otherwise.
//   - Message: human-readable reason, e.g. the job's error text.
//   - Err: underlying cause, if any.
type Error struct {
	Kind    Kind
	Mode    Mode
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = kindSentinels[e.Kind].Error()
	}
	if e.Mode != "" {
		return fmt.Sprintf("%s %s: %s", e.Mode, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Reason returns the bare message without kind or mode decoration.
func (e *Error) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return kindSentinels[e.Kind].Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrJobFailed) works for any
// job failure regardless of its message.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewError builds an *Error.
func NewError(kind Kind, mode Mode, msg string, cause error) *Error {
	return &Error{Kind: kind, Mode: mode, Message: msg, Err: cause}
}

// AsError extracts an *Error from err. Anything that is not already
// classified is reported as a network error for mode.
func AsError(err error, mode Mode) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Mode == "" {
			cp := *de
			cp.Mode = mode
			return &cp
		}
		return de
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Mode: mode, Err: err}
	}
	return &Error{Kind: KindNetwork, Mode: mode, Err: err}
}
