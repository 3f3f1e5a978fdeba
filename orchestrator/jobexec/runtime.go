// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobexec

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/tracerr"
)

// checkRuntime asks the in-batch runtime for the authoritative job
// status, which beats anything inferred from the process state. The
// connection is dialed per poll: batches are short-lived and polls are
// spaced out, a pooled connection would mostly hold a dead address.
func (super *Supervisor) checkRuntime(ctx context.Context, state *JobState) error {
	address, err := super.exec.GetBatchAddress(ctx, *state.Batch)
	if err != nil {
		return super.pollFailure(state, err)
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return super.pollFailure(state, MapRuntimeError(err))
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, super.config.RPCTimeout)
	defer cancel()

	client := api.NewRuntimeClient(conn)
	resp, err := client.CheckJob(ctx, &api.RuntimeJobRequest{JobKey: state.JobKey})
	if err != nil {
		return super.runtimeFailure(state, err)
	}

	state.PollFailures = 0
	switch {
	case resp.Status == api.JobSucceeded:
		// harvest the result while the runtime is still alive to serve it
		result, err := client.GetJobResult(ctx, &api.RuntimeJobRequest{JobKey: state.JobKey})
		if err != nil {
			return super.runtimeFailure(state, err)
		}
		mon.Meter("jobs_succeeded").Mark(1)
		state.Result = result.Result
		state.Status = api.JobSucceeded
		state.StatusMessage = resp.StatusMessage

	case resp.Status.Finished():
		mon.Meter("jobs_failed").Mark(1)
		state.Status = resp.Status
		state.StatusMessage = resp.StatusMessage

	default:
		state.Status = api.JobRunning
		state.StatusMessage = resp.StatusMessage
	}
	return nil
}

// runtimeFailure applies the runtime error mapping to a failed call:
// temporary failures count against the poll allowance, everything else
// fails the job outright.
func (super *Supervisor) runtimeFailure(state *JobState, err error) error {
	mapped := MapRuntimeError(err)
	if tracerr.IsKind(mapped, tracerr.ExecutorTemporaryFailure) {
		return super.pollFailure(state, mapped)
	}

	super.log.Warn("runtime api failed a job",
		zap.String("job", state.JobKey), zap.Error(mapped))
	mon.Meter("jobs_failed").Mark(1)
	state.Status = api.JobFailed
	state.StatusMessage = mapped.Error()
	return nil
}

// MapRuntimeError classifies a runtime api failure by its wire status.
// Unavailable and deadline statuses may heal on the next poll; access
// and argument trouble never will.
func MapRuntimeError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return tracerr.Wrap(tracerr.ExecutorTemporaryFailure, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return tracerr.Wrap(tracerr.ExecutorAccess, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return tracerr.Wrap(tracerr.ExecutorValidation, err)
	default:
		return tracerr.Wrap(tracerr.ExecutorFailure, err)
	}
}

var runtimeErrorPattern = regexp.MustCompile(`exceptions\.(E\w+): (.+)`)

// runtimeErrorMessage digs the model runtime's final exception out of a
// stderr capture. Only the last line counts, everything above it is
// stack trace and log noise.
func runtimeErrorMessage(stderr []byte) (string, bool) {
	trimmed := strings.TrimRight(string(stderr), " \t\r\n")
	if trimmed == "" {
		return "", false
	}
	lastLine := trimmed
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		lastLine = strings.TrimSpace(trimmed[idx+1:])
	}

	match := runtimeErrorPattern.FindStringSubmatch(lastLine)
	if match == nil {
		return "", false
	}
	return match[2], true
}
