// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package metadata assembles the metadata service peer: the versioned
// object store and the gRPC endpoints that serve it.
package metadata

import (
	"context"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tracdap.io/tracdap/metadata/metaapi"
	"tracdap.io/tracdap/metadata/metastore"
	"tracdap.io/tracdap/pkg/lifecycle"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"

	"google.golang.org/grpc"
)

var (
	// Error is the class for metadata peer failures.
	Error = errs.Class("metadata")

	mon = monkit.Package()
)

// Config is the configuration of the metadata service.
type Config struct {
	Server ServerConfig
	Store  metastore.Config
}

// ServerConfig holds the listener settings. The public and trusted
// services share one listener; the gateway only ever routes the public
// service name, the trusted name is for platform components on the
// internal network.
type ServerConfig struct {
	Address string `help:"address for the metadata grpc listener" default:":8081" devDefault:"127.0.0.1:8081"`
}

// Peer is the metadata service.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *metastore.DB

	Servers *lifecycle.Group

	Server struct {
		Listener net.Listener
		GRPC     *grpc.Server
	}

	Metadata struct {
		Trusted *metaapi.Endpoint
		Public  *metaapi.PublicEndpoint
	}
}

// New creates a new metadata peer. The store must already be migrated;
// run the migrate command or enable migration in the run command first.
func New(log *zap.Logger, db *metastore.DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log:     log,
		DB:      db,
		Servers: lifecycle.NewGroup(log.Named("servers")),
	}

	{ // setup metadata endpoints
		peer.Metadata.Trusted = metaapi.NewEndpoint(log.Named("metaapi"), db)
		peer.Metadata.Public = metaapi.NewPublicEndpoint(db)
	}

	{ // setup grpc server
		listener, err := net.Listen("tcp", config.Server.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Server.Listener = listener

		peer.Server.GRPC = grpc.NewServer(rpc.ServerOptions(
			rpc.NewLogInterceptor(log.Named("rpc")),
			rpc.NewTraceInterceptor(),
			rpc.NewIdentityInterceptor(),
		)...)

		api.RegisterMetadataServer(peer.Server.GRPC, peer.Metadata.Public)
		api.RegisterMetadataTrustedServer(peer.Server.GRPC, peer.Metadata.Trusted)

		peer.Servers.Add(lifecycle.Item{
			Name: "grpc",
			Run: func(ctx context.Context) error {
				go func() {
					<-ctx.Done()
					peer.Server.GRPC.GracefulStop()
				}()
				return Error.Wrap(peer.Server.GRPC.Serve(listener))
			},
			Close: func() error {
				peer.Server.GRPC.Stop()
				return nil
			},
		})

		log.Info("metadata server configured", zap.String("address", listener.Addr().String()))
	}

	return peer, nil
}

// Run runs the metadata peer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return peer.Servers.Close()
}

// Addr reports the bound address of the grpc listener, useful when the
// configured address picked an ephemeral port.
func (peer *Peer) Addr() string { return peer.Server.Listener.Addr().String() }
