// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api

import (
	"context"

	"google.golang.org/grpc"
)

// OrchestratorServer is the job submission and monitoring surface.
type OrchestratorServer interface {
	SubmitJob(context.Context, *SubmitJobRequest) (*JobStatusResponse, error)
	CheckJob(context.Context, *JobRequest) (*JobStatusResponse, error)
	CancelJob(context.Context, *JobRequest) (*JobStatusResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
}

// OrchestratorServiceDesc routes the orchestrator service.
var OrchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: OrchestratorService,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(OrchestratorService, "SubmitJob", func(srv OrchestratorServer, ctx context.Context, in *SubmitJobRequest) (interface{}, error) {
			return srv.SubmitJob(ctx, in)
		}),
		unary(OrchestratorService, "CheckJob", func(srv OrchestratorServer, ctx context.Context, in *JobRequest) (interface{}, error) {
			return srv.CheckJob(ctx, in)
		}),
		unary(OrchestratorService, "CancelJob", func(srv OrchestratorServer, ctx context.Context, in *JobRequest) (interface{}, error) {
			return srv.CancelJob(ctx, in)
		}),
		unary(OrchestratorService, "ListJobs", func(srv OrchestratorServer, ctx context.Context, in *ListJobsRequest) (interface{}, error) {
			return srv.ListJobs(ctx, in)
		}),
	},
}

// RegisterOrchestratorServer registers the orchestrator service.
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&OrchestratorServiceDesc, srv)
}

// OrchestratorClient calls the orchestrator service.
type OrchestratorClient struct {
	cc grpc.ClientConnInterface
}

// NewOrchestratorClient wraps a client connection to the orchestrator.
func NewOrchestratorClient(cc grpc.ClientConnInterface) *OrchestratorClient {
	return &OrchestratorClient{cc}
}

func (c *OrchestratorClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[SubmitJobRequest, JobStatusResponse](ctx, c.cc, "/"+OrchestratorService+"/SubmitJob", in, opts)
}

func (c *OrchestratorClient) CheckJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[JobRequest, JobStatusResponse](ctx, c.cc, "/"+OrchestratorService+"/CheckJob", in, opts)
}

func (c *OrchestratorClient) CancelJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[JobRequest, JobStatusResponse](ctx, c.cc, "/"+OrchestratorService+"/CancelJob", in, opts)
}

func (c *OrchestratorClient) ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	return invoke[ListJobsRequest, ListJobsResponse](ctx, c.cc, "/"+OrchestratorService+"/ListJobs", in, opts)
}
