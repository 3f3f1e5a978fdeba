// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package jobapi serves the orchestrator API: job submission, monitoring
// and cancellation over the job cache and the executor supervisor.
//
// Every mutation of a job runs under a cache ticket, so concurrent
// orchestrators and the background polling loop never trample each
// other: whoever holds the lease advances the job, everyone else reads
// the last committed state.
package jobapi

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/sync2"
	"tracdap.io/tracdap/orchestrator/jobcache"
	"tracdap.io/tracdap/orchestrator/jobexec"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the class for job api failures.
	Error = errs.Class("jobapi")

	mon = monkit.Package()
)

// Config configures the job api.
type Config struct {
	PollInterval   time.Duration `help:"how often running jobs are polled for progress" default:"10s" devDefault:"1s"`
	TicketDuration time.Duration `help:"lease taken on a job entry for one step of work" default:"30s"`
	ListLimit      int           `help:"most jobs a listing returns" default:"100"`
}

// Cache is the job cache as the api uses it.
type Cache = jobcache.Cache[jobexec.JobState]

// Endpoint implements the orchestrator service.
//
// architecture: Endpoint
type Endpoint struct {
	log    *zap.Logger
	cache  Cache
	super  *jobexec.Supervisor
	config Config

	// Loop drives the background polling pass; the peer runs it.
	Loop *sync2.Cycle
}

// NewEndpoint creates the orchestrator endpoint.
func NewEndpoint(log *zap.Logger, cache Cache, super *jobexec.Supervisor, config Config) *Endpoint {
	return &Endpoint{
		log:    log,
		cache:  cache,
		super:  super,
		config: config,
		Loop:   sync2.NewCycle(config.PollInterval),
	}
}

var _ api.OrchestratorServer = (*Endpoint)(nil)

// Run polls running jobs until the context is canceled.
func (ep *Endpoint) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return ep.Loop.Run(ctx, func(ctx context.Context) error {
		if err := ep.advance(ctx); err != nil {
			ep.log.Error("job polling pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the polling loop.
func (ep *Endpoint) Close() error {
	ep.Loop.Stop()
	return nil
}

// SubmitJob validates and launches one job. The cache entry exists
// before the batch does and stays leased until the launch outcome is
// recorded, so no observer ever sees a running batch without a job.
func (ep *Endpoint) SubmitJob(ctx context.Context, req *api.SubmitJobRequest) (_ *api.JobStatusResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Tenant == "" {
		return nil, tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if req.Job == nil || req.Job.JobType == "" {
		return nil, tracerr.New(tracerr.Validation, "job definition is missing")
	}
	if err := trac.ValidateAttrs(req.Attrs, false); err != nil {
		return nil, err
	}

	jobKey := "job-" + uuid.NewString()
	state := jobexec.JobState{
		Tenant:      req.Tenant,
		JobKey:      jobKey,
		Status:      api.JobPreparing,
		SubmittedAt: time.Now().UTC(),
		Job:         req.Job,
		Attrs:       req.Attrs,
	}

	ticket, err := ep.cache.OpenNewTicket(ctx, jobKey, ep.config.TicketDuration)
	if err != nil {
		return nil, err
	}
	if ticket.State != jobcache.TicketLive {
		return nil, tracerr.New(tracerr.Unexpected,
			"fresh job key %q is already taken", jobKey)
	}
	defer func() {
		if closeErr := ep.cache.CloseTicket(ctx, ticket); closeErr != nil {
			ep.log.Warn("job ticket not closed", zap.String("job", jobKey), zap.Error(closeErr))
		}
	}()

	revision, err := ep.cache.CreateEntry(ctx, ticket, string(state.Status), state)
	if err != nil {
		return nil, err
	}
	ticket = ticket.Advance(revision)

	submitErr := ep.super.Submit(ctx, &state)
	if submitErr != nil {
		state.Status = api.JobFailed
		state.StatusMessage = submitErr.Error()
	}

	if _, err := ep.cache.UpdateEntry(ctx, ticket, string(state.Status), state); err != nil {
		ep.log.Error("job state not recorded after submit",
			zap.String("job", jobKey), zap.Error(err))
		if submitErr == nil {
			return nil, err
		}
	}
	if submitErr != nil {
		return nil, submitErr
	}

	ep.log.Info("job accepted",
		zap.String("job", jobKey), zap.String("tenant", req.Tenant))
	return state.StatusResponse(), nil
}

// CheckJob reports where a job is. Active jobs get a fresh poll when the
// entry can be leased; otherwise the last committed state is the answer.
func (ep *Endpoint) CheckJob(ctx context.Context, req *api.JobRequest) (_ *api.JobStatusResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := ep.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	state := entry.Value
	if !state.Status.Finished() && state.Batch != nil {
		if polled, ok := ep.pollEntry(ctx, entry); ok {
			state = polled
		}
	}
	return state.StatusResponse(), nil
}

// CancelJob stops a running job, when the executor supports it.
func (ep *Endpoint) CancelJob(ctx context.Context, req *api.JobRequest) (_ *api.JobStatusResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := ep.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if entry.Value.Status.Finished() {
		return nil, tracerr.New(tracerr.Validation,
			"job %s already finished as %s", req.JobKey, entry.Value.Status)
	}

	ticket, err := ep.cache.OpenTicket(ctx, entry.Key, entry.Revision, ep.config.TicketDuration)
	if err != nil {
		return nil, err
	}
	if ticket.State != jobcache.TicketLive {
		return nil, tracerr.New(tracerr.TemporaryFailure,
			"job %s is being updated, try again", req.JobKey)
	}
	defer func() { _ = ep.cache.CloseTicket(ctx, ticket) }()

	state := entry.Value
	if err := ep.super.Cancel(ctx, &state); err != nil {
		return nil, err
	}
	if _, err := ep.cache.UpdateEntry(ctx, ticket, string(state.Status), state); err != nil {
		return nil, err
	}

	ep.log.Info("job cancelled", zap.String("job", req.JobKey))
	return state.StatusResponse(), nil
}

// ListJobs lists the tenant's jobs, newest first.
func (ep *Endpoint) ListJobs(ctx context.Context, req *api.ListJobsRequest) (_ *api.ListJobsResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Tenant == "" {
		return nil, tracerr.New(tracerr.Validation, "tenant is missing")
	}
	limit := req.Limit
	if limit <= 0 || limit > ep.config.ListLimit {
		limit = ep.config.ListLimit
	}

	entries, err := ep.cache.QueryStatus(ctx, allStatuses(), true)
	if err != nil {
		return nil, err
	}

	states := make([]jobexec.JobState, 0, len(entries))
	for _, entry := range entries {
		if entry.Err != nil {
			ep.log.Warn("corrupt job entry skipped in listing",
				zap.String("job", entry.Key), zap.Error(entry.Err))
			continue
		}
		if entry.Value.Tenant != req.Tenant {
			continue
		}
		states = append(states, entry.Value)
	}

	// newest first; keys carry no order, submission times do
	sort.Slice(states, func(i, j int) bool {
		return states[i].SubmittedAt.After(states[j].SubmittedAt)
	})
	if len(states) > limit {
		states = states[:limit]
	}

	resp := &api.ListJobsResponse{Jobs: make([]api.JobStatusResponse, len(states))}
	for i := range states {
		resp.Jobs[i] = *states[i].StatusResponse()
	}
	return resp, nil
}

// lookup loads one job entry and hides jobs of other tenants.
func (ep *Endpoint) lookup(ctx context.Context, req *api.JobRequest) (jobcache.Entry[jobexec.JobState], error) {
	if req.Tenant == "" {
		return jobcache.Entry[jobexec.JobState]{}, tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if req.JobKey == "" {
		return jobcache.Entry[jobexec.JobState]{}, tracerr.New(tracerr.Validation, "job key is missing")
	}

	entry, ok, err := ep.cache.QueryKey(ctx, req.JobKey)
	if err != nil {
		return jobcache.Entry[jobexec.JobState]{}, err
	}
	if !ok {
		return jobcache.Entry[jobexec.JobState]{}, tracerr.New(tracerr.NotFound,
			"job %s not found", req.JobKey)
	}
	if entry.Err != nil {
		return jobcache.Entry[jobexec.JobState]{}, entry.Err
	}
	if entry.Value.Tenant != req.Tenant {
		return jobcache.Entry[jobexec.JobState]{}, tracerr.New(tracerr.NotFound,
			"job %s not found", req.JobKey)
	}
	return entry, nil
}

// advance runs one polling pass over every active job.
func (ep *Endpoint) advance(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := ep.cache.QueryStatus(ctx, activeStatuses(), false)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil
		}
		if entry.Err != nil {
			ep.log.Error("corrupt job entry cannot be advanced",
				zap.String("job", entry.Key), zap.Error(entry.Err))
			continue
		}
		ep.pollEntry(ctx, entry)
	}
	return nil
}

// pollEntry advances one cached job under a fresh ticket and commits the
// result. A contested lease is not an error: the winner is doing the
// same work, so the caller keeps the state it already read.
func (ep *Endpoint) pollEntry(ctx context.Context, entry jobcache.Entry[jobexec.JobState]) (jobexec.JobState, bool) {
	ticket, err := ep.cache.OpenTicket(ctx, entry.Key, entry.Revision, ep.config.TicketDuration)
	if err != nil || ticket.State != jobcache.TicketLive {
		if err != nil {
			ep.log.Warn("job lease not granted", zap.String("job", entry.Key), zap.Error(err))
		}
		return jobexec.JobState{}, false
	}
	defer func() { _ = ep.cache.CloseTicket(ctx, ticket) }()

	state := entry.Value
	if err := ep.super.Poll(ctx, &state); err != nil {
		ep.log.Error("job poll failed", zap.String("job", entry.Key), zap.Error(err))
		return jobexec.JobState{}, false
	}

	// finished jobs give their sandbox back
	if state.Status.Finished() && state.Batch != nil {
		if err := ep.super.Release(ctx, &state); err != nil {
			ep.log.Warn("batch not released", zap.String("job", entry.Key), zap.Error(err))
		}
	}

	if _, err := ep.cache.UpdateEntry(ctx, ticket, string(state.Status), state); err != nil {
		ep.log.Error("job state not recorded after poll",
			zap.String("job", entry.Key), zap.Error(err))
		return jobexec.JobState{}, false
	}
	return state, true
}

// activeStatuses are the statuses the polling loop advances.
func activeStatuses() []string {
	return []string{
		string(api.JobSubmitted),
		string(api.JobRunning),
		string(api.JobFinishing),
	}
}

// allStatuses covers every status a stored job can carry.
func allStatuses() []string {
	return []string{
		string(api.JobPreparing),
		string(api.JobValidated),
		string(api.JobPending),
		string(api.JobQueued),
		string(api.JobSubmitted),
		string(api.JobRunning),
		string(api.JobFinishing),
		string(api.JobSucceeded),
		string(api.JobFailed),
		string(api.JobCancelled),
	}
}

