// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tracdap.io/tracdap/pkg/tracerr"
)

// Code returns the wire status code for an error kind. Kinds outside the
// published table, including the cache kinds that services translate
// before their boundary, report Internal.
func Code(kind tracerr.Kind) codes.Code {
	switch kind {
	case tracerr.Validation, tracerr.DataSize, tracerr.ExecutorValidation:
		return codes.InvalidArgument
	case tracerr.Unauthenticated:
		return codes.Unauthenticated
	case tracerr.Access, tracerr.ExecutorAccess:
		return codes.PermissionDenied
	case tracerr.NotFound:
		return codes.NotFound
	case tracerr.Duplicate:
		return codes.AlreadyExists
	case tracerr.WrongType, tracerr.DataConflict:
		return codes.FailedPrecondition
	case tracerr.TemporaryFailure, tracerr.ExecutorTemporaryFailure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus returns the HTTP status for an error kind.
func HTTPStatus(kind tracerr.Kind) int {
	return HTTPStatusFromCode(Code(kind))
}

// HTTPStatusFromCode returns the HTTP status a wire status code surfaces
// as, for translators that see the code without the originating kind.
func HTTPStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return httpStatusClientClosedRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// nginx convention for a client that went away; net/http has no name for it
const httpStatusClientClosedRequest = 499

// KindFromCode recovers an error kind from a wire status code. Codes
// shared by two kinds collapse: InvalidArgument reads back as Validation
// and FailedPrecondition as DataConflict.
func KindFromCode(code codes.Code) tracerr.Kind {
	switch code {
	case codes.InvalidArgument:
		return tracerr.Validation
	case codes.Unauthenticated:
		return tracerr.Unauthenticated
	case codes.PermissionDenied:
		return tracerr.Access
	case codes.NotFound:
		return tracerr.NotFound
	case codes.AlreadyExists:
		return tracerr.Duplicate
	case codes.FailedPrecondition:
		return tracerr.DataConflict
	case codes.Unavailable, codes.DeadlineExceeded:
		return tracerr.TemporaryFailure
	default:
		return tracerr.Unexpected
	}
}

// Status converts an error into the status error surfaced to callers. It
// is applied at exactly one boundary, the outermost handler; everything
// beneath returns plain kinded errors. Errors that already carry a status
// pass through unchanged.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, context.Canceled.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, context.DeadlineExceeded.Error())
	}
	return status.Error(Code(tracerr.KindOf(err)), statusMessage(err))
}

// statusMessage strips the kind prefix when the error carries one; the
// code already says it.
func statusMessage(err error) string {
	var kinded *tracerr.Error
	if errors.As(err, &kinded) {
		return kinded.Unwrap().Error()
	}
	return err.Error()
}
