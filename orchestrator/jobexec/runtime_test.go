// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobexec_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tracdap.io/tracdap/internal/testcontext"
	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/orchestrator/jobexec"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/tracerr"
)

// stubRuntime plays the model runtime inside a batch.
type stubRuntime struct {
	api.UnimplementedRuntimeServer

	mu     sync.Mutex
	status api.JobStatus
	result json.RawMessage
}

func (s *stubRuntime) set(status api.JobStatus, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.result = status, result
}

func (s *stubRuntime) CheckJob(ctx context.Context, in *api.RuntimeJobRequest) (*api.JobStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &api.JobStatusResponse{JobKey: in.JobKey, Status: s.status}, nil
}

func (s *stubRuntime) GetJobResult(ctx context.Context, in *api.RuntimeJobRequest) (*api.RuntimeJobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Finished() {
		return nil, tracerr.New(tracerr.Validation, "job %s is still running", in.JobKey)
	}
	return &api.RuntimeJobResult{JobKey: in.JobKey, Status: s.status, Result: s.result}, nil
}

func serveRuntime(t *testing.T, runtime *stubRuntime) string {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(rpc.ServerOptions(
		rpc.NewLogInterceptor(zaptest.NewLogger(t)),
	)...)
	api.RegisterRuntimeServer(srv, runtime)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestPollRuntimeAPI(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runtime := &stubRuntime{status: api.JobRunning}
	fake := newFakeExecutor(allFeatures()...)
	fake.address = serveRuntime(t, runtime)

	state := submitted(t, ctx, fake)
	super := newSupervisor(t, fake)
	fake.status = executor.Status{Code: executor.StatusRunning}

	// the runtime's answer beats the raw process state
	require.NoError(t, super.Poll(ctx, state))
	require.Equal(t, api.JobRunning, state.Status)

	runtime.set(api.JobSucceeded, json.RawMessage(`{"outputs":{"profit":42}}`))
	require.NoError(t, super.Poll(ctx, state))
	require.Equal(t, api.JobSucceeded, state.Status)
	require.JSONEq(t, `{"outputs":{"profit":42}}`, string(state.Result))
}

func TestPollRuntimeReportsFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	runtime := &stubRuntime{status: api.JobFailed}
	fake := newFakeExecutor(allFeatures()...)
	fake.address = serveRuntime(t, runtime)

	state := submitted(t, ctx, fake)
	fake.status = executor.Status{Code: executor.StatusRunning}

	require.NoError(t, newSupervisor(t, fake).Poll(ctx, state))
	require.Equal(t, api.JobFailed, state.Status)
}

func TestPollRuntimeUnreachable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// claim a port and release it, so the dial is refused
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := lis.Addr().String()
	require.NoError(t, lis.Close())

	fake := newFakeExecutor(allFeatures()...)
	fake.address = address

	state := submitted(t, ctx, fake)
	super := newSupervisor(t, fake)
	fake.status = executor.Status{Code: executor.StatusRunning}

	// an unreachable runtime counts against the allowance, not the job
	require.NoError(t, super.Poll(ctx, state))
	require.Equal(t, 1, state.PollFailures)
	require.Equal(t, api.JobSubmitted, state.Status)
}

func TestMapRuntimeError(t *testing.T) {
	cases := []struct {
		code codes.Code
		kind tracerr.Kind
	}{
		{codes.Unavailable, tracerr.ExecutorTemporaryFailure},
		{codes.DeadlineExceeded, tracerr.ExecutorTemporaryFailure},
		{codes.Unauthenticated, tracerr.ExecutorAccess},
		{codes.PermissionDenied, tracerr.ExecutorAccess},
		{codes.InvalidArgument, tracerr.ExecutorValidation},
		{codes.FailedPrecondition, tracerr.ExecutorValidation},
		{codes.Internal, tracerr.ExecutorFailure},
		{codes.Unknown, tracerr.ExecutorFailure},
	}
	for _, tc := range cases {
		err := jobexec.MapRuntimeError(status.Error(tc.code, "boom"))
		require.True(t, tracerr.IsKind(err, tc.kind), "code %s", tc.code)
	}
	require.NoError(t, jobexec.MapRuntimeError(nil))
}
