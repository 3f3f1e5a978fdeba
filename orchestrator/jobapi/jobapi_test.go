// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobapi_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tracdap.io/tracdap/internal/testcontext"
	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/orchestrator/jobapi"
	"tracdap.io/tracdap/orchestrator/jobcache"
	"tracdap.io/tracdap/orchestrator/jobexec"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// scriptedExecutor answers with canned batch state.
type scriptedExecutor struct {
	features  map[executor.Feature]bool
	status    executor.Status
	outputs   map[string][]byte
	submitErr error
	cancelled bool
	deleted   bool
}

func newScripted(features ...executor.Feature) *scriptedExecutor {
	ex := &scriptedExecutor{
		features: make(map[executor.Feature]bool),
		status:   executor.Status{Code: executor.StatusRunning},
		outputs:  make(map[string][]byte),
	}
	for _, feature := range features {
		ex.features[feature] = true
	}
	return ex
}

func (ex *scriptedExecutor) HasFeature(feature executor.Feature) bool {
	return ex.features[feature]
}

func (ex *scriptedExecutor) CreateBatch(ctx context.Context, batchKey string) (executor.State, error) {
	return executor.State{BatchKey: batchKey, BatchDir: "/batches/" + batchKey}, nil
}

func (ex *scriptedExecutor) AddVolume(ctx context.Context, state executor.State, volume string, volumeType executor.VolumeType) (executor.State, error) {
	return state.WithVolume(volume, volumeType), nil
}

func (ex *scriptedExecutor) AddFile(ctx context.Context, state executor.State, volume, name string, content []byte) (executor.State, error) {
	return state, nil
}

func (ex *scriptedExecutor) SubmitBatch(ctx context.Context, state executor.State, launch executor.LaunchConfig) (executor.State, error) {
	if ex.submitErr != nil {
		return executor.State{}, ex.submitErr
	}
	state.Launched = true
	return state, nil
}

func (ex *scriptedExecutor) GetBatchStatus(ctx context.Context, state executor.State) (executor.Status, error) {
	return ex.status, nil
}

func (ex *scriptedExecutor) HasOutputFile(ctx context.Context, state executor.State, volume, name string) (bool, error) {
	_, ok := ex.outputs[volume+"/"+name]
	return ok, nil
}

func (ex *scriptedExecutor) GetOutputFile(ctx context.Context, state executor.State, volume, name string) ([]byte, error) {
	content, ok := ex.outputs[volume+"/"+name]
	if !ok {
		return nil, tracerr.New(tracerr.ExecutorValidation, "no output %s/%s", volume, name)
	}
	return content, nil
}

func (ex *scriptedExecutor) GetBatchAddress(ctx context.Context, state executor.State) (string, error) {
	return "", executor.Unsupported(executor.FeatureExposePort)
}

func (ex *scriptedExecutor) CancelBatch(ctx context.Context, state executor.State) (executor.State, error) {
	ex.cancelled = true
	return state, nil
}

func (ex *scriptedExecutor) DeleteBatch(ctx context.Context, state executor.State) error {
	ex.deleted = true
	return nil
}

func newEndpoint(t *testing.T, ex executor.Executor) *jobapi.Endpoint {
	log := zaptest.NewLogger(t)
	cache := jobcache.NewLocal[jobexec.JobState](log.Named("cache"), jobcache.Config{
		SweepInterval: time.Minute,
	})
	super := jobexec.NewSupervisor(log.Named("jobexec"), ex, jobexec.Config{
		RuntimeCommand: "trac-runtime",
		PollAllowance:  3,
		RPCTimeout:     time.Second,
	})
	return jobapi.NewEndpoint(log.Named("jobapi"), cache, super, jobapi.Config{
		PollInterval:   time.Minute,
		TicketDuration: 30 * time.Second,
		ListLimit:      100,
	})
}

func submitJob(t *testing.T, ctx *testcontext.Context, ep *jobapi.Endpoint, tenant string) string {
	t.Helper()
	resp, err := ep.SubmitJob(ctx, &api.SubmitJobRequest{
		Tenant: tenant,
		Job:    &trac.JobDefinition{JobType: "RUN_MODEL"},
	})
	require.NoError(t, err)
	require.Equal(t, api.JobSubmitted, resp.Status)
	require.NotEmpty(t, resp.JobKey)
	return resp.JobKey
}

func TestSubmitAndCheck(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ex := newScripted(executor.FeatureOutputVolumes)
	ep := newEndpoint(t, ex)
	jobKey := submitJob(t, ctx, ep, "ACME")

	// checking an active job polls the executor for fresh state
	resp, err := ep.CheckJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.NoError(t, err)
	require.Equal(t, api.JobRunning, resp.Status)

	// the fresh state was committed, not just returned
	ex.status = executor.Status{Code: executor.StatusSucceeded}
	ex.outputs["result/job_result_"+jobKey+".json"] =
		[]byte(`{"jobKey":"` + jobKey + `","status":"SUCCEEDED","result":{}}`)
	resp, err = ep.CheckJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.NoError(t, err)
	require.Equal(t, api.JobSucceeded, resp.Status)
	require.True(t, ex.deleted, "finished job must release its sandbox")

	// terminal state sticks even though the executor moved on
	ex.status = executor.Status{Code: executor.StatusRunning}
	resp, err = ep.CheckJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.NoError(t, err)
	require.Equal(t, api.JobSucceeded, resp.Status)
}

func TestSubmitValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ep := newEndpoint(t, newScripted())

	_, err := ep.SubmitJob(ctx, &api.SubmitJobRequest{
		Job: &trac.JobDefinition{JobType: "RUN_MODEL"},
	})
	require.True(t, tracerr.IsKind(err, tracerr.Validation))

	_, err = ep.SubmitJob(ctx, &api.SubmitJobRequest{Tenant: "ACME"})
	require.True(t, tracerr.IsKind(err, tracerr.Validation))

	_, err = ep.SubmitJob(ctx, &api.SubmitJobRequest{
		Tenant: "ACME",
		Job:    &trac.JobDefinition{JobType: "RUN_MODEL"},
		Attrs:  map[string]trac.Value{"trac_job_owner": trac.String("me")},
	})
	require.True(t, tracerr.IsKind(err, tracerr.Validation))
}

func TestSubmitFailureRecorded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ex := newScripted()
	ex.submitErr = tracerr.New(tracerr.ExecutorFailure, "spawn failed")
	ep := newEndpoint(t, ex)

	resp, err := ep.SubmitJob(ctx, &api.SubmitJobRequest{
		Tenant: "ACME",
		Job:    &trac.JobDefinition{JobType: "RUN_MODEL"},
	})
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorFailure))
	require.Nil(t, resp)
	require.True(t, ex.deleted)

	// the failure is on record; find the job through a listing
	list, err := ep.ListJobs(ctx, &api.ListJobsRequest{Tenant: "ACME"})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	require.Equal(t, api.JobFailed, list.Jobs[0].Status)
	require.Contains(t, list.Jobs[0].StatusMessage, "spawn failed")
}

func TestCheckJobNotFound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ep := newEndpoint(t, newScripted())
	jobKey := submitJob(t, ctx, ep, "ACME")

	_, err := ep.CheckJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: "job-unknown"})
	require.True(t, tracerr.IsKind(err, tracerr.NotFound))

	// jobs are invisible outside their tenant
	_, err = ep.CheckJob(ctx, &api.JobRequest{Tenant: "OTHER", JobKey: jobKey})
	require.True(t, tracerr.IsKind(err, tracerr.NotFound))
}

func TestCancelJob(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ex := newScripted(executor.FeatureCancellation)
	ep := newEndpoint(t, ex)
	jobKey := submitJob(t, ctx, ep, "ACME")

	resp, err := ep.CancelJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.NoError(t, err)
	require.Equal(t, api.JobCancelled, resp.Status)
	require.True(t, ex.cancelled)

	_, err = ep.CancelJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.True(t, tracerr.IsKind(err, tracerr.Validation))
}

func TestCancelUnsupported(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ex := newScripted() // no cancellation
	ep := newEndpoint(t, ex)
	jobKey := submitJob(t, ctx, ep, "ACME")

	_, err := ep.CancelJob(ctx, &api.JobRequest{Tenant: "ACME", JobKey: jobKey})
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation))
	require.False(t, ex.cancelled)
}

func TestListJobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ep := newEndpoint(t, newScripted())

	first := submitJob(t, ctx, ep, "ACME")
	submitJob(t, ctx, ep, "OTHER")
	second := submitJob(t, ctx, ep, "ACME")
	third := submitJob(t, ctx, ep, "ACME")

	list, err := ep.ListJobs(ctx, &api.ListJobsRequest{Tenant: "ACME"})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 3)

	// newest first
	require.Equal(t, third, list.Jobs[0].JobKey)
	require.Equal(t, second, list.Jobs[1].JobKey)
	require.Equal(t, first, list.Jobs[2].JobKey)

	// a limit truncates from the newest end
	list, err = ep.ListJobs(ctx, &api.ListJobsRequest{Tenant: "ACME", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 2)
	require.Equal(t, third, list.Jobs[0].JobKey)

	_, err = ep.ListJobs(ctx, &api.ListJobsRequest{})
	require.True(t, tracerr.IsKind(err, tracerr.Validation))
}
