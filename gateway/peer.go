// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package gateway assembles the API gateway peer: one TCP listener split
// by protocol sniffing into HTTP/1.1 and HTTP/2 fronts, a shared request
// handler that authenticates and routes each call, and a pool of HTTP/2
// connections to the upstream services.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/gateway/gwauth"
	"tracdap.io/tracdap/gateway/listenmux"
	"tracdap.io/tracdap/gateway/routing"
	"tracdap.io/tracdap/internal/errs2"
	"tracdap.io/tracdap/pkg/lifecycle"
)

var (
	// Error is the class for gateway peer failures.
	Error = errs.Class("gateway")

	mon = monkit.Package()
)

// shutdownGrace bounds how long a draining front may hold Run hostage;
// the gateway proxies long lived streams, so an unbounded drain could
// never finish.
const shutdownGrace = 10 * time.Second

// Config is the configuration of the gateway service.
type Config struct {
	Server  ServerConfig
	Auth    gwauth.Config
	Backend backend.Config
	Routes  RoutesConfig
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Address      string        `help:"address for the gateway http listener" default:":8080" devDefault:"127.0.0.1:8080"`
	SniffTimeout time.Duration `help:"how long a new connection may take to reveal its protocol" default:"2s"`
	IdleTimeout  time.Duration `help:"idle timeout for client connections" default:"5m"`
}

// Peer is the gateway service.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Auth struct {
		Gate *gwauth.Gate
	}

	Backend struct {
		Pool *backend.Pool
	}

	Routes []routing.Route

	Server struct {
		Listener net.Listener
		Mux      *listenmux.Mux
		Handler  *Handler
		HTTP1    *http.Server
		HTTP2    *http2.Server
	}
}

// New creates a new gateway peer.
func New(log *zap.Logger, config Config) (*Peer, error) {
	peer := &Peer{
		Log:      log,
		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup token gate
		gate, err := gwauth.New(log.Named("gwauth"), config.Auth)
		if err != nil {
			return nil, err
		}
		peer.Auth.Gate = gate
	}

	{ // setup backend connections
		peer.Backend.Pool = backend.NewPool(log.Named("backend"), config.Backend)
		peer.Services.Add(lifecycle.Item{
			Name:  "backend",
			Close: peer.Backend.Pool.Close,
		})
	}

	{ // setup routes and the shared handler
		routes, err := BuildRoutes(config.Routes)
		if err != nil {
			return nil, err
		}
		peer.Routes = routes
		peer.Server.Handler = NewHandler(log.Named("handler"), peer.Auth.Gate, routes, peer.Backend.Pool)
	}

	{ // setup the shared listener and the protocol fronts
		listener, err := net.Listen("tcp", config.Server.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Server.Listener = listener
		peer.Server.Mux = listenmux.New(log.Named("listenmux"), listener, config.Server.SniffTimeout)

		peer.Servers.Add(lifecycle.Item{
			Name: "listenmux",
			Run:  peer.Server.Mux.Run,
			Close: func() error {
				return peer.Server.Listener.Close()
			},
		})

		peer.Server.HTTP1 = &http.Server{
			Handler:     peer.Server.Handler,
			IdleTimeout: config.Server.IdleTimeout,
		}
		peer.Servers.Add(lifecycle.Item{
			Name:  "http1",
			Run:   peer.runHTTP1,
			Close: peer.Server.HTTP1.Close,
		})

		peer.Server.HTTP2 = &http2.Server{
			IdleTimeout: config.Server.IdleTimeout,
		}
		peer.Servers.Add(lifecycle.Item{
			Name: "http2",
			Run:  peer.runHTTP2,
		})

		log.Info("gateway server configured",
			zap.String("address", listener.Addr().String()),
			zap.Int("routes", len(peer.Routes)),
			zap.Bool("auth", !config.Auth.Disable))
	}

	return peer, nil
}

// runHTTP1 serves plain HTTP/1.1 connections from the mux: websocket
// upgrades, grpc-web, REST and pass through routes.
func (peer *Peer) runHTTP1(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelShutdown()
		if err := peer.Server.HTTP1.Shutdown(shutdownCtx); err != nil {
			return Error.Wrap(peer.Server.HTTP1.Close())
		}
		return nil
	})
	group.Go(func() error {
		defer cancel()
		err := peer.Server.HTTP1.Serve(peer.Server.Mux.HTTP1())
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// runHTTP2 serves prior knowledge HTTP/2 connections from the mux, which
// is how native grpc clients arrive.
func (peer *Peer) runHTTP2(ctx context.Context) error {
	base := &http.Server{Handler: peer.Server.Handler}
	for {
		conn, err := peer.Server.Mux.HTTP2().Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return Error.Wrap(err)
		}
		go peer.Server.HTTP2.ServeConn(conn, &http2.ServeConnOpts{
			Context:    ctx,
			BaseConfig: base,
			Handler:    peer.Server.Handler,
		})
	}
}

// Run runs the gateway peer until the context is canceled.
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

// Addr reports the bound address of the shared listener, useful when the
// configured address picked an ephemeral port.
func (peer *Peer) Addr() string { return peer.Server.Listener.Addr().String() }
