// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package rpc_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/tracerr"
)

func TestCodeMapping(t *testing.T) {
	expect := map[tracerr.Kind]codes.Code{
		tracerr.Validation:               codes.InvalidArgument,
		tracerr.DataSize:                 codes.InvalidArgument,
		tracerr.ExecutorValidation:       codes.InvalidArgument,
		tracerr.Unauthenticated:          codes.Unauthenticated,
		tracerr.Access:                   codes.PermissionDenied,
		tracerr.ExecutorAccess:           codes.PermissionDenied,
		tracerr.NotFound:                 codes.NotFound,
		tracerr.Duplicate:                codes.AlreadyExists,
		tracerr.WrongType:                codes.FailedPrecondition,
		tracerr.DataConflict:             codes.FailedPrecondition,
		tracerr.TemporaryFailure:         codes.Unavailable,
		tracerr.ExecutorTemporaryFailure: codes.Unavailable,
		tracerr.Internal:                 codes.Internal,
		tracerr.Unexpected:               codes.Internal,
		tracerr.CacheTicket:              codes.Internal,
	}
	for kind, code := range expect {
		require.Equal(t, code, rpc.Code(kind), "kind %s", kind)
	}
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, rpc.HTTPStatus(tracerr.Validation))
	require.Equal(t, http.StatusUnauthorized, rpc.HTTPStatus(tracerr.Unauthenticated))
	require.Equal(t, http.StatusForbidden, rpc.HTTPStatus(tracerr.Access))
	require.Equal(t, http.StatusNotFound, rpc.HTTPStatus(tracerr.NotFound))
	require.Equal(t, http.StatusConflict, rpc.HTTPStatus(tracerr.Duplicate))
	require.Equal(t, http.StatusPreconditionFailed, rpc.HTTPStatus(tracerr.WrongType))
	require.Equal(t, http.StatusPreconditionFailed, rpc.HTTPStatus(tracerr.DataConflict))
	require.Equal(t, http.StatusServiceUnavailable, rpc.HTTPStatus(tracerr.TemporaryFailure))
	require.Equal(t, http.StatusInternalServerError, rpc.HTTPStatus(tracerr.Internal))

	require.Equal(t, http.StatusOK, rpc.HTTPStatusFromCode(codes.OK))
	require.Equal(t, http.StatusGatewayTimeout, rpc.HTTPStatusFromCode(codes.DeadlineExceeded))
	require.Equal(t, 499, rpc.HTTPStatusFromCode(codes.Canceled))
}

func TestStatusBoundary(t *testing.T) {
	require.NoError(t, rpc.Status(nil))

	err := rpc.Status(tracerr.New(tracerr.NotFound, "object %s not found", "x"))
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, "object x not found", status.Convert(err).Message())

	// already-converted errors pass through unchanged
	passthrough := status.Error(codes.ResourceExhausted, "full")
	require.Equal(t, passthrough, rpc.Status(passthrough))

	require.Equal(t, codes.Canceled, status.Code(rpc.Status(context.Canceled)))
	require.Equal(t, codes.DeadlineExceeded, status.Code(rpc.Status(context.DeadlineExceeded)))

	// unkinded errors fall back to internal
	require.Equal(t, codes.Internal, status.Code(rpc.Status(errTest)))
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }

func TestKindFromCode(t *testing.T) {
	require.Equal(t, tracerr.Validation, rpc.KindFromCode(codes.InvalidArgument))
	require.Equal(t, tracerr.Access, rpc.KindFromCode(codes.PermissionDenied))
	require.Equal(t, tracerr.NotFound, rpc.KindFromCode(codes.NotFound))
	require.Equal(t, tracerr.Duplicate, rpc.KindFromCode(codes.AlreadyExists))
	require.Equal(t, tracerr.DataConflict, rpc.KindFromCode(codes.FailedPrecondition))
	require.Equal(t, tracerr.TemporaryFailure, rpc.KindFromCode(codes.Unavailable))
	require.Equal(t, tracerr.TemporaryFailure, rpc.KindFromCode(codes.DeadlineExceeded))
	require.Equal(t, tracerr.Unexpected, rpc.KindFromCode(codes.Unknown))
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	_, ok := rpc.IdentityOf(ctx)
	require.False(t, ok)

	ctx = rpc.WithIdentity(ctx, rpc.Identity{UserID: "alice", UserName: "Alice"})
	id, ok := rpc.IdentityOf(ctx)
	require.True(t, ok)
	require.Equal(t, "alice", id.UserID)
	require.Equal(t, "Alice", id.UserName)
}

func TestIdentityInterceptor(t *testing.T) {
	interceptor := rpc.NewIdentityInterceptor()

	incoming := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		"trac-user-id", "bob",
		"trac-user-name", "Bob B",
	))

	var seen rpc.Identity
	_, err := interceptor.Unary(incoming, nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			id, ok := rpc.IdentityOf(ctx)
			require.True(t, ok)
			seen = id
			return nil, nil
		})
	require.NoError(t, err)
	require.Equal(t, rpc.Identity{UserID: "bob", UserName: "Bob B"}, seen)

	// no identity headers, no identity in context
	_, err = interceptor.Unary(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			_, ok := rpc.IdentityOf(ctx)
			require.False(t, ok)
			return nil, nil
		})
	require.NoError(t, err)
}

func TestLogInterceptorConvertsErrors(t *testing.T) {
	interceptor := rpc.NewLogInterceptor(zaptest.NewLogger(t))

	_, err := interceptor.Unary(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, tracerr.New(tracerr.Duplicate, "tenant %q already exists", "ACME")
		})
	require.Error(t, err)
	require.Equal(t, codes.AlreadyExists, status.Code(err))
}
