// Package services defines the application logic of the relay.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrEmptyContent is returned when a submission has no content after
	// trimming whitespace.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when a submission exceeds the configured rune
	// limit.
	ErrTooLong = errors.New("content too long")

	// ErrUnknownSession is returned for a malformed session id, or when an
	// operation needs a conversation that was never opened.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidMode is returned when the requested delivery mode is not a
	// primary mode (sync or stream).
	ErrInvalidMode = errors.New("mode must be sync or stream")

	// ErrNoLedger is returned by ledger queries when no database is
	// configured.
	ErrNoLedger = errors.New("attempt ledger disabled")
)
