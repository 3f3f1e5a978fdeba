// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package errs2

import (
	"strings"

	"github.com/zeebo/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsRPC checks whether err carries an RPC error with the given status code,
// even when the status has been wrapped along the way.
func IsRPC(err error, code codes.Code) bool {
	search := "code = " + code.String()
	return errs.IsFunc(err, func(err error) bool {
		if s, ok := status.FromError(err); ok {
			return s.Code() == code
		}
		return err != nil && strings.Contains(err.Error(), search)
	})
}
