// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobexec

import (
	"encoding/json"
	"time"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
)

// JobState is everything the orchestrator knows about one job. It lives
// as the value of the job's cache entry: the supervisor mutates it in
// place and the caller persists it under the cache ticket it holds.
type JobState struct {
	Tenant        string        `json:"tenant"`
	JobKey        string        `json:"jobKey"`
	Status        api.JobStatus `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	ErrorDetail   string        `json:"errorDetail,omitempty"`
	SubmittedAt   time.Time     `json:"submittedAt"`

	Job   *trac.JobDefinition   `json:"job,omitempty"`
	Attrs map[string]trac.Value `json:"attrs,omitempty"`

	// Batch is the executor's opaque snapshot, present once a batch was
	// created. Features records what the executor offered at submit time,
	// so later polls never depend on the driver still being configured
	// the same way.
	Batch    *executor.State `json:"batch,omitempty"`
	Features Features        `json:"features"`

	// PollFailures counts consecutive polls that could not reach the
	// batch; any successful poll resets it.
	PollFailures int `json:"pollFailures,omitempty"`

	// Result is the runtime's result document, captured when the job
	// succeeds and served back verbatim.
	Result json.RawMessage `json:"result,omitempty"`
}

// Features is the executor capability set frozen at submit time.
type Features struct {
	OutputVolumes  bool `json:"outputVolumes"`
	ExposePort     bool `json:"exposePort"`
	StorageMapping bool `json:"storageMapping"`
	Cancellation   bool `json:"cancellation"`
}

// StatusResponse renders the state as the wire status message.
func (state *JobState) StatusResponse() *api.JobStatusResponse {
	return &api.JobStatusResponse{
		JobKey:        state.JobKey,
		Status:        state.Status,
		StatusMessage: state.StatusMessage,
	}
}

// runtimeJobConfig is the job document the model runtime reads from the
// config volume at startup.
type runtimeJobConfig struct {
	JobKey string              `json:"jobKey"`
	Tenant string              `json:"tenant"`
	Job    *trac.JobDefinition `json:"job"`
}

// runtimeSysConfig carries the platform settings the runtime needs,
// reflecting the optional surfaces the batch was launched with.
type runtimeSysConfig struct {
	Tenant         string `json:"tenant"`
	StorageMapping bool   `json:"storageMapping"`
	RuntimeAPI     bool   `json:"runtimeApi"`
}
