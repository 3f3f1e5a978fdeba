// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package api defines the wire messages and service descriptors for the
// platform APIs. Messages travel as JSON through the codec in pkg/rpc;
// the descriptors are maintained by hand so the services need no proto
// toolchain.
package api

import (
	"encoding/json"

	"tracdap.io/tracdap/pkg/trac"
)

// Service names as they appear in request paths.
const (
	MetadataService        = "tracdap.api.TracMetadataApi"
	MetadataTrustedService = "tracdap.api.internal.TracMetadataTrustedApi"
	OrchestratorService    = "tracdap.api.TracOrchestratorApi"
	RuntimeService         = "tracdap.api.internal.TracRuntimeApi"
)

// WriteRequest asks for one metadata write. Create calls leave Prior
// unset; update calls address the prior version or tag they extend.
type WriteRequest struct {
	Tenant     string                 `json:"tenant,omitempty"`
	ObjectType trac.ObjectType        `json:"objectType"`
	Prior      *trac.TagSelector      `json:"priorVersion,omitempty"`
	Definition *trac.ObjectDefinition `json:"definition,omitempty"`
	Attrs      map[string]trac.Value  `json:"attrs,omitempty"`
}

// WriteBatchRequest groups writes of one kind into a single transaction:
// either every write applies or none do.
type WriteBatchRequest struct {
	Tenant   string         `json:"tenant"`
	Requests []WriteRequest `json:"requests"`
}

// HeaderResponse returns the header assigned to a written tag.
type HeaderResponse struct {
	Header trac.TagHeader `json:"header"`
}

// HeaderBatchResponse returns headers in request order.
type HeaderBatchResponse struct {
	Headers []trac.TagHeader `json:"headers"`
}

// ReadRequest selects one object tag, by explicit versions or latest
// wildcards.
type ReadRequest struct {
	Tenant   string           `json:"tenant"`
	Selector trac.TagSelector `json:"selector"`
}

// ReadBatchRequest selects several tags in one snapshot.
type ReadBatchRequest struct {
	Tenant    string             `json:"tenant"`
	Selectors []trac.TagSelector `json:"selectors"`
}

// ReadResponse carries one loaded tag.
type ReadResponse struct {
	Tag trac.Tag `json:"tag"`
}

// ReadBatchResponse carries loaded tags in selector order.
type ReadBatchResponse struct {
	Tags []trac.Tag `json:"tags"`
}

// PreallocateRequest reserves an object id of the given type.
type PreallocateRequest struct {
	Tenant     string          `json:"tenant,omitempty"`
	ObjectType trac.ObjectType `json:"objectType"`
}

// PreallocateBatchRequest reserves several ids in one transaction.
type PreallocateBatchRequest struct {
	Tenant   string               `json:"tenant"`
	Requests []PreallocateRequest `json:"requests"`
}

// TenantInfo describes one tenant for the tenant management calls.
type TenantInfo struct {
	Code        string `json:"tenantCode"`
	Description string `json:"description,omitempty"`
}

// ListTenantsRequest has no parameters.
type ListTenantsRequest struct{}

// ListTenantsResponse lists tenants ordered by code.
type ListTenantsResponse struct {
	Tenants []TenantInfo `json:"tenants"`
}

// TenantRequest creates or updates one tenant.
type TenantRequest struct {
	Tenant TenantInfo `json:"tenant"`
}

// TenantResponse acknowledges a tenant write.
type TenantResponse struct{}

// JobStatus is the lifecycle state of an orchestrated job.
type JobStatus string

const (
	JobPreparing JobStatus = "PREPARING"
	JobValidated JobStatus = "VALIDATED"
	JobPending   JobStatus = "PENDING"
	JobQueued    JobStatus = "QUEUED"
	JobSubmitted JobStatus = "SUBMITTED"
	JobRunning   JobStatus = "RUNNING"
	JobFinishing JobStatus = "FINISHING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// SubmitJobRequest submits one job for execution.
type SubmitJobRequest struct {
	Tenant string                `json:"tenant"`
	Job    *trac.JobDefinition   `json:"job"`
	Attrs  map[string]trac.Value `json:"attrs,omitempty"`
}

// JobRequest addresses a submitted job by its key.
type JobRequest struct {
	Tenant string `json:"tenant"`
	JobKey string `json:"jobKey"`
}

// ListJobsRequest lists jobs for a tenant, newest first.
type ListJobsRequest struct {
	Tenant string `json:"tenant"`
	Limit  int    `json:"limit,omitempty"`
}

// JobStatusResponse reports where a job is in its lifecycle.
type JobStatusResponse struct {
	JobKey        string    `json:"jobKey"`
	Status        JobStatus `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
}

// ListJobsResponse carries one status per job.
type ListJobsResponse struct {
	Jobs []JobStatusResponse `json:"jobs"`
}

// RuntimeJobRequest addresses a job inside a running batch.
type RuntimeJobRequest struct {
	JobKey string `json:"jobKey"`
}

// RuntimeJobResult is the runtime's report of a finished job, with the
// result document left undecoded for the supervisor.
type RuntimeJobResult struct {
	JobKey string          `json:"jobKey"`
	Status JobStatus       `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}
