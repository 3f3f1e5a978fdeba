// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Identity is the authenticated principal attached to a request. The
// gateway establishes it from the auth token; services trust the headers
// on their internal listeners.
type Identity struct {
	UserID   string
	UserName string
}

const (
	userIDHeader   = "trac-user-id"
	userNameHeader = "trac-user-name"
)

type identityContextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityOf returns the identity attached to ctx. Requests that arrived
// without credentials report false.
func IdentityOf(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// NewIdentityInterceptor moves identity headers from incoming request
// metadata into the request context.
func NewIdentityInterceptor() ServerInterceptor {
	return ServerInterceptor{
		Unary: func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			return handler(identityFromRequest(ctx), req)
		},
		Stream: func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			return handler(srv, &serverStream{stream, identityFromRequest(stream.Context())})
		},
	}
}

// NewIdentityClientInterceptor forwards the context identity as metadata
// on outgoing calls.
func NewIdentityClientInterceptor() ClientInterceptor {
	return ClientInterceptor{
		Unary: func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(withOutgoingIdentity(ctx), method, req, reply, cc, opts...)
		},
		Stream: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(withOutgoingIdentity(ctx), desc, cc, method, opts...)
		},
	}
}

func identityFromRequest(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	ids := md.Get(userIDHeader)
	if len(ids) == 0 || ids[0] == "" {
		return ctx
	}
	id := Identity{UserID: ids[0]}
	if names := md.Get(userNameHeader); len(names) > 0 {
		id.UserName = names[0]
	}
	return WithIdentity(ctx, id)
}

func withOutgoingIdentity(ctx context.Context) context.Context {
	id, ok := IdentityOf(ctx)
	if !ok {
		return ctx
	}
	ctx = metadata.AppendToOutgoingContext(ctx, userIDHeader, id.UserID)
	if id.UserName != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, userNameHeader, id.UserName)
	}
	return ctx
}
