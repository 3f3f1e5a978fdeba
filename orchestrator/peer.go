// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package orchestrator assembles the orchestrator peer: the job cache,
// one batch executor driver and the gRPC endpoint that serves job
// submission, monitoring and cancellation over them.
package orchestrator

import (
	"context"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/orchestrator/executor/localbatch"
	"tracdap.io/tracdap/orchestrator/executor/sshbatch"
	"tracdap.io/tracdap/orchestrator/jobapi"
	"tracdap.io/tracdap/orchestrator/jobcache"
	"tracdap.io/tracdap/orchestrator/jobexec"
	"tracdap.io/tracdap/pkg/lifecycle"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/tracerr"

	"google.golang.org/grpc"
)

var (
	// Error is the class for orchestrator peer failures.
	Error = errs.Class("orchestrator")

	mon = monkit.Package()
)

// Config is the configuration of the orchestrator service.
type Config struct {
	Server   ServerConfig
	Cache    jobcache.Config
	Executor ExecutorConfig
	Jobs     jobexec.Config
	API      jobapi.Config
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Address string `help:"address for the orchestrator grpc listener" default:":8082" devDefault:"127.0.0.1:8082"`
}

// ExecutorConfig picks and configures the batch driver.
type ExecutorConfig struct {
	Driver string `help:"batch driver that runs jobs: local or ssh" default:"local"`
	Local  localbatch.Config
	SSH    sshbatch.Config
}

// Peer is the orchestrator service.
//
// architecture: Peer
type Peer struct {
	Log   *zap.Logger
	Cache jobapi.Cache

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Executor struct {
		Driver executor.Executor
	}

	Jobs struct {
		Supervisor *jobexec.Supervisor
		Endpoint   *jobapi.Endpoint
	}

	Server struct {
		Listener net.Listener
		GRPC     *grpc.Server
	}
}

// New creates a new orchestrator peer over an open job cache.
func New(log *zap.Logger, cache jobapi.Cache, config Config) (*Peer, error) {
	peer := &Peer{
		Log:      log,
		Cache:    cache,
		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup job cache sweep; the cache itself is owned by the caller
		peer.Services.Add(lifecycle.Item{
			Name: "cache",
			Run:  cache.Run,
		})
	}

	{ // setup batch executor
		switch config.Executor.Driver {
		case "local":
			peer.Executor.Driver = localbatch.New(log.Named("localbatch"), config.Executor.Local)

		case "ssh":
			driver := sshbatch.New(log.Named("sshbatch"), config.Executor.SSH)
			peer.Executor.Driver = driver
			peer.Services.Add(lifecycle.Item{
				Name:  "sshbatch",
				Close: driver.Close,
			})

		default:
			return nil, tracerr.New(tracerr.Startup,
				"unknown batch driver %q", config.Executor.Driver)
		}
	}

	{ // setup job supervision
		peer.Jobs.Supervisor = jobexec.NewSupervisor(
			log.Named("jobexec"), peer.Executor.Driver, config.Jobs)
		peer.Jobs.Endpoint = jobapi.NewEndpoint(
			log.Named("jobapi"), cache, peer.Jobs.Supervisor, config.API)

		peer.Services.Add(lifecycle.Item{
			Name:  "jobapi",
			Run:   peer.Jobs.Endpoint.Run,
			Close: peer.Jobs.Endpoint.Close,
		})
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

		api.RegisterOrchestratorServer(peer.Server.GRPC, peer.Jobs.Endpoint)

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

		log.Info("orchestrator server configured",
			zap.String("address", listener.Addr().String()),
			zap.String("driver", config.Executor.Driver))
	}

	return peer, nil
}

// Run runs the orchestrator peer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// Addr reports the bound address of the grpc listener, useful when the
// configured address picked an ephemeral port.
func (peer *Peer) Addr() string { return peer.Server.Listener.Addr().String() }
