// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api

import (
	"context"

	"google.golang.org/grpc"
)

// RuntimeServer is the control surface a model runtime exposes inside a
// running batch. The platform only consumes it, but the descriptor is
// registered by test fakes standing in for a runtime.
type RuntimeServer interface {
	CheckJob(context.Context, *RuntimeJobRequest) (*JobStatusResponse, error)
	GetJobResult(context.Context, *RuntimeJobRequest) (*RuntimeJobResult, error)
}

// RuntimeServiceDesc routes the runtime service.
var RuntimeServiceDesc = grpc.ServiceDesc{
	ServiceName: RuntimeService,
	HandlerType: (*RuntimeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(RuntimeService, "CheckJob", func(srv RuntimeServer, ctx context.Context, in *RuntimeJobRequest) (interface{}, error) {
			return srv.CheckJob(ctx, in)
		}),
		unary(RuntimeService, "GetJobResult", func(srv RuntimeServer, ctx context.Context, in *RuntimeJobRequest) (interface{}, error) {
			return srv.GetJobResult(ctx, in)
		}),
	},
}

// RegisterRuntimeServer registers a runtime service implementation.
func RegisterRuntimeServer(s grpc.ServiceRegistrar, srv RuntimeServer) {
	s.RegisterService(&RuntimeServiceDesc, srv)
}

// RuntimeClient calls a batch's runtime service.
type RuntimeClient struct {
	cc grpc.ClientConnInterface
}

// NewRuntimeClient wraps a client connection to a runtime.
func NewRuntimeClient(cc grpc.ClientConnInterface) *RuntimeClient {
	return &RuntimeClient{cc}
}

func (c *RuntimeClient) CheckJob(ctx context.Context, in *RuntimeJobRequest, opts ...grpc.CallOption) (*JobStatusResponse, error) {
	return invoke[RuntimeJobRequest, JobStatusResponse](ctx, c.cc, "/"+RuntimeService+"/CheckJob", in, opts)
}

func (c *RuntimeClient) GetJobResult(ctx context.Context, in *RuntimeJobRequest, opts ...grpc.CallOption) (*RuntimeJobResult, error) {
	return invoke[RuntimeJobRequest, RuntimeJobResult](ctx, c.cc, "/"+RuntimeService+"/GetJobResult", in, opts)
}
