// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package errs2

import (
	"context"
	"errors"
	"net"

	"github.com/zeebo/errs"
)

// IsCanceled reports whether the error comes from a canceled context or
// deadline expiry anywhere in its chain.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IgnoreCanceled returns nil when the failure was a cancellation, which the
// service run loops treat as a clean exit.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}

// IsClosedConn reports errors from reading or writing a connection that has
// already been shut down under the caller.
func IsClosedConn(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errs.IsFunc(err, func(err error) bool {
		return err != nil && err.Error() == "use of closed network connection"
	})
}
