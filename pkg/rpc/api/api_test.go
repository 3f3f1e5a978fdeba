// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api_test

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tracdap.io/tracdap/internal/testcontext"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

type stubMetadata struct {
	api.UnimplementedMetadataTrustedServer

	lastCaller rpc.Identity
}

func (s *stubMetadata) ReadObject(ctx context.Context, in *api.ReadRequest) (*api.ReadResponse, error) {
	if in.Tenant != "ACME" {
		return nil, tracerr.New(tracerr.NotFound, "tenant %q not found", in.Tenant)
	}
	header := trac.TagHeader{
		ObjectType:     in.Selector.ObjectType,
		ObjectID:       in.Selector.ObjectID,
		ObjectVersion:  1,
		TagVersion:     1,
		IsLatestObject: true,
		IsLatestTag:    true,
	}
	return &api.ReadResponse{Tag: trac.Tag{
		Header: &header,
		Attrs: map[string]trac.Value{
			"display_name": trac.String("stub object"),
			"revision":     trac.Int(7),
		},
	}}, nil
}

func (s *stubMetadata) CreateTenant(ctx context.Context, in *api.TenantRequest) (*api.TenantResponse, error) {
	if id, ok := rpc.IdentityOf(ctx); ok {
		s.lastCaller = id
	}
	if in.Tenant.Code == "" {
		return nil, tracerr.New(tracerr.Validation, "tenant code is required")
	}
	return &api.TenantResponse{}, nil
}

func startServer(t *testing.T, ctx *testcontext.Context, register func(*grpc.Server), dialOpts ...grpc.DialOption) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(rpc.ServerOptions(
		rpc.NewLogInterceptor(zaptest.NewLogger(t)),
		rpc.NewTraceInterceptor(),
		rpc.NewIdentityInterceptor(),
	)...)
	register(srv)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts := append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)

	conn, err := grpc.NewClient("passthrough:///bufconn", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close()) })
	return conn
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	stub := &stubMetadata{}
	conn := startServer(t, ctx, func(srv *grpc.Server) {
		api.RegisterMetadataServer(srv, stub)
	})
	client := api.NewMetadataClient(conn)

	id := uuid.New()
	resp, err := client.ReadObject(ctx, &api.ReadRequest{
		Tenant:   "ACME",
		Selector: trac.LatestSelector(trac.ObjectFlow, id),
	})
	require.NoError(t, err)
	require.Equal(t, id, resp.Tag.Header.ObjectID)
	require.Equal(t, trac.ObjectFlow, resp.Tag.Header.ObjectType)
	require.Equal(t, trac.String("stub object"), resp.Tag.Attrs["display_name"])
	require.Equal(t, trac.Int(7), resp.Tag.Attrs["revision"])

	// kinded errors surface as wire status through the full stack
	_, err = client.ReadObject(ctx, &api.ReadRequest{
		Tenant:   "NOPE",
		Selector: trac.LatestSelector(trac.ObjectFlow, id),
	})
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, `tenant "NOPE" not found`, status.Convert(err).Message())

	// methods without an implementation answer Unimplemented
	_, err = client.ListTenants(ctx, &api.ListTenantsRequest{})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestTrustedServiceAndIdentity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	stub := &stubMetadata{}
	conn := startServer(t, ctx, func(srv *grpc.Server) {
		api.RegisterMetadataTrustedServer(srv, stub)
	}, rpc.ClientOptions(
		rpc.NewTraceClientInterceptor(),
		rpc.NewIdentityClientInterceptor(),
	)...)
	client := api.NewMetadataTrustedClient(conn)

	callCtx := rpc.WithIdentity(ctx, rpc.Identity{UserID: "svc-orch", UserName: "Job Orchestrator"})
	_, err := client.CreateTenant(callCtx, &api.TenantRequest{
		Tenant: api.TenantInfo{Code: "ACME"},
	})
	require.NoError(t, err)
	require.Equal(t, rpc.Identity{UserID: "svc-orch", UserName: "Job Orchestrator"}, stub.lastCaller)

	_, err = client.CreateTenant(callCtx, &api.TenantRequest{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	// the public client cannot reach trusted methods on this server
	public := api.NewMetadataClient(conn)
	_, err = public.ReadObject(ctx, &api.ReadRequest{Tenant: "ACME"})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
