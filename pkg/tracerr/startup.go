// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package tracerr

import (
	"context"
	"errors"
)

// Process exit codes. POSIX exit statuses are single bytes, so the
// conventional -1 and -2 read back as 255 and 254.
const (
	ExitOK          = 0
	ExitFatal       = 255
	ExitInterrupted = 254
)

// StartupError carries a process exit code for failures during service
// startup. Quiet suppresses the stack trace when the cause was already
// reported to the log in full.
type StartupError struct {
	Code  int
	Quiet bool
	Err   error
}

// WrapStartup marks err as a startup failure with a specific exit code.
func WrapStartup(err error, code int, quiet bool) error {
	if err == nil {
		return nil
	}
	return &StartupError{Code: code, Quiet: quiet, Err: Wrap(Startup, err)}
}

// Error implements error.
func (e *StartupError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error { return e.Err }

// ExitCode selects the process exit code for err. Startup errors carry
// their own code, interruption maps to ExitInterrupted and anything else
// to ExitFatal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var startup *StartupError
	if errors.As(err, &startup) {
		return startup.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return ExitFatal
}
