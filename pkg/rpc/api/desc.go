// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api

import (
	"context"

	"google.golang.org/grpc"

	"tracdap.io/tracdap/pkg/rpc"
)

// unary builds the descriptor for one unary method, shaped the way the
// grpc runtime expects registered handlers.
func unary[Srv, Req any](service, method string, call func(Srv, context.Context, *Req) (interface{}, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Srv), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(Srv), ctx, req.(*Req))
			})
		},
	}
}

// invoke performs one unary call with the JSON codec selected.
func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := make([]grpc.CallOption, 0, len(opts)+1)
	callOpts = append(callOpts, rpc.CallOption())
	callOpts = append(callOpts, opts...)
	if err := cc.Invoke(ctx, fullMethod, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}
