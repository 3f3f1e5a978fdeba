// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package rpc

import (
	"context"
	"strconv"
	"strings"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerInterceptor is a pair of interceptors, for stream and unary
// methods. It's important to remember both, hence this type.
type ServerInterceptor struct {
	Unary  grpc.UnaryServerInterceptor
	Stream grpc.StreamServerInterceptor
}

// ServerOptions turns a list of interceptors into server options.
// Interceptors execute left to right, so ServerOptions(one, two) runs one
// outermost.
func ServerOptions(interceptors ...ServerInterceptor) []grpc.ServerOption {
	unary := make([]grpc.UnaryServerInterceptor, 0, len(interceptors))
	stream := make([]grpc.StreamServerInterceptor, 0, len(interceptors))
	for _, i := range interceptors {
		unary = append(unary, i.Unary)
		stream = append(stream, i.Stream)
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// ClientInterceptor is a pair of interceptors, for stream and unary
// methods.
type ClientInterceptor struct {
	Unary  grpc.UnaryClientInterceptor
	Stream grpc.StreamClientInterceptor
}

// ClientOptions turns a list of interceptors into dial options,
// executing left to right.
func ClientOptions(interceptors ...ClientInterceptor) []grpc.DialOption {
	unary := make([]grpc.UnaryClientInterceptor, 0, len(interceptors))
	stream := make([]grpc.StreamClientInterceptor, 0, len(interceptors))
	for _, i := range interceptors {
		unary = append(unary, i.Unary)
		stream = append(stream, i.Stream)
	}
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(unary...),
		grpc.WithChainStreamInterceptor(stream...),
	}
}

// NewLogInterceptor logs one line per call and converts kinded errors to
// wire status at the boundary, so handlers beneath it return plain errors.
// It belongs outermost in the chain.
func NewLogInterceptor(log *zap.Logger) ServerInterceptor {
	logCall := func(method string, start time.Time, err error) {
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", method),
			zap.Duration("duration", time.Since(start)),
			zap.Stringer("code", code),
		}
		switch {
		case code == codes.Internal || code == codes.Unknown:
			log.Error("rpc failed", append(fields, zap.Error(err))...)
		case err != nil:
			log.Debug("rpc rejected", append(fields, zap.Error(err))...)
		default:
			log.Debug("rpc", fields...)
		}
	}

	return ServerInterceptor{
		Unary: func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			start := time.Now()
			resp, err := handler(ctx, req)
			err = Status(err)
			logCall(info.FullMethod, start, err)
			return resp, err
		},
		Stream: func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			start := time.Now()
			err := Status(handler(srv, stream))
			logCall(info.FullMethod, start, err)
			return err
		},
	}
}

// NewTraceInterceptor traces server calls through monkit, continuing the
// caller's trace when trace ids arrive in the request metadata.
func NewTraceInterceptor() ServerInterceptor {
	return ServerInterceptor{
		Unary: func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
			traceid, spanid := traceFromRequest(ctx)
			trace := monkit.NewTrace(traceid)

			service, endpoint := parseFullMethod(info.FullMethod)
			fn := monkit.ScopeNamed(service).FuncNamed(endpoint)
			defer fn.RemoteTrace(&ctx, spanid, trace)(&err)

			return handler(ctx, req)
		},
		Stream: func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
			ctx := stream.Context()
			traceid, spanid := traceFromRequest(ctx)
			trace := monkit.NewTrace(traceid)

			service, endpoint := parseFullMethod(info.FullMethod)
			fn := monkit.ScopeNamed(service).FuncNamed(endpoint)
			defer fn.RemoteTrace(&ctx, spanid, trace)(&err)

			return handler(srv, &serverStream{stream, ctx})
		},
	}
}

// NewTraceClientInterceptor propagates the monkit trace on outgoing calls.
func NewTraceClientInterceptor() ClientInterceptor {
	trace := monkit.NewTrace(monkit.NewId())

	return ClientInterceptor{
		Unary: func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) (err error) {
			spanid := monkit.NewId()
			ctx = withTraceRequest(ctx, trace, spanid)

			service, endpoint := parseFullMethod(method)
			fn := monkit.ScopeNamed(service).FuncNamed(endpoint)
			defer fn.RemoteTrace(&ctx, spanid, trace)(&err)

			return invoker(ctx, method, req, reply, cc, opts...)
		},
		Stream: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (stream grpc.ClientStream, err error) {
			spanid := monkit.NewId()
			ctx = withTraceRequest(ctx, trace, spanid)

			service, endpoint := parseFullMethod(method)
			fn := monkit.ScopeNamed(service).FuncNamed(endpoint)
			defer fn.RemoteTrace(&ctx, spanid, trace)(&err)

			return streamer(ctx, desc, cc, method, opts...)
		},
	}
}

const (
	traceIDHeader = "trac-trace-id"
	spanIDHeader  = "trac-span-id"
)

func withTraceRequest(ctx context.Context, trace *monkit.Trace, spanid int64) context.Context {
	ctx = metadata.AppendToOutgoingContext(ctx, traceIDHeader, strconv.FormatInt(trace.Id(), 10))
	return metadata.AppendToOutgoingContext(ctx, spanIDHeader, strconv.FormatInt(spanid, 10))
}

func traceFromRequest(ctx context.Context) (traceid, spanid int64) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return monkit.NewId(), monkit.NewId()
	}

	traceIDs := md[traceIDHeader]
	spanIDs := md[spanIDHeader]
	if len(traceIDs) == 0 || len(spanIDs) == 0 {
		return monkit.NewId(), monkit.NewId()
	}

	var err error
	traceid, err = strconv.ParseInt(traceIDs[0], 10, 64)
	if err != nil {
		return monkit.NewId(), monkit.NewId()
	}
	spanid, err = strconv.ParseInt(spanIDs[0], 10, 64)
	if err != nil {
		return monkit.NewId(), monkit.NewId()
	}

	return traceid, spanid
}

// parseFullMethod splits "/package.Service/Method" for scope naming.
func parseFullMethod(full string) (service, endpoint string) {
	full = strings.TrimPrefix(full, "/")
	if slash := strings.Index(full, "/"); slash >= 0 {
		return full[:slash], full[slash+1:]
	}
	return full, full
}

// serverStream overrides the stream context with one carrying extra
// request state.
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the context for this stream.
func (stream *serverStream) Context() context.Context { return stream.ctx }
