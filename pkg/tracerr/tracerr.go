// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package tracerr defines the closed error taxonomy shared by every
// platform service.
//
// Errors carry a Kind through any amount of wrapping and are mapped to a
// wire status exactly once, at the outermost RPC handler. Everything in
// between returns them as plain values.
package tracerr

import (
	"errors"

	"github.com/zeebo/errs"
)

// Kind classifies an error for status mapping and retry decisions.
type Kind string

const (
	Startup         Kind = "STARTUP"
	Validation      Kind = "VALIDATION"
	Unauthenticated Kind = "UNAUTHENTICATED"
	Access          Kind = "ACCESS"
	NotFound        Kind = "NOT_FOUND"
	Duplicate       Kind = "DUPLICATE"
	WrongType       Kind = "WRONG_TYPE"
	DataConflict    Kind = "DATA_CONFLICT"
	DataSize        Kind = "DATA_SIZE"

	CacheTicket     Kind = "CACHE_TICKET"
	CacheDuplicate  Kind = "CACHE_DUPLICATE"
	CacheNotFound   Kind = "CACHE_NOT_FOUND"
	CacheCorruption Kind = "CACHE_CORRUPTION"

	ExecutorFailure          Kind = "EXECUTOR_FAILURE"
	ExecutorTemporaryFailure Kind = "EXECUTOR_TEMPORARY_FAILURE"
	ExecutorAccess           Kind = "EXECUTOR_ACCESS"
	ExecutorValidation       Kind = "EXECUTOR_VALIDATION"

	TemporaryFailure Kind = "TEMPORARY_FAILURE"
	Internal         Kind = "INTERNAL"
	Unexpected       Kind = "UNEXPECTED"
)

// Retryable reports whether callers may retry the failed operation.
func (k Kind) Retryable() bool {
	return k == TemporaryFailure || k == ExecutorTemporaryFailure
}

// Error attaches a Kind to an underlying error.
type Error struct {
	kind Kind
	err  error
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, err: errs.New(format, args...)}
}

// Wrap attaches kind to err, keeping err as the cause. Wrapping nil
// returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: errs.Wrap(err)}
}

// Error implements error.
func (e *Error) Error() string { return string(e.kind) + ": " + e.err.Error() }

// Kind returns the kind the error was created with.
func (e *Error) Kind() Kind { return e.kind }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// KindOf returns the kind carried by err. Errors without a kind report
// Unexpected; a nil error reports the empty kind. When an error has been
// re-kinded by an outer Wrap the outermost kind wins.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unexpected
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
