// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/gateway/gwauth"
	"tracdap.io/tracdap/gateway/routing"
	"tracdap.io/tracdap/gateway/translate"
	"tracdap.io/tracdap/internal/errs2"
)

// Handler resolves each request to a route, checks its token and hands
// it to the protocol translator for that route family. The same
// handler serves both the http/1 and http/2 fronts.
type Handler struct {
	log    *zap.Logger
	gate   *gwauth.Gate
	routes []routing.Route
	pool   *backend.Pool
}

// NewHandler builds the shared request handler.
func NewHandler(log *zap.Logger, gate *gwauth.Gate, routes []routing.Route, pool *backend.Pool) *Handler {
	return &Handler{
		log:    log,
		gate:   gate,
		routes: routes,
		pool:   pool,
	}
}

func (handler *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Path == "/healthz" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	index := routing.Resolve(handler.routes, r)
	if index < 0 {
		http.NotFound(w, r)
		return
	}
	route := &handler.routes[index]

	// identity headers come from the gate, never from the client
	r.Header.Del("trac-user-id")
	r.Header.Del("trac-user-name")

	if !route.AuthExempt {
		identity, err := handler.gate.Authenticate(r)
		if err != nil {
			handler.log.Debug("rejected unauthenticated request",
				zap.String("route", route.Name), zap.Error(err))
			unauthenticated(w, r, route)
			return
		}
		r.Header.Set("trac-user-id", identity.UserID)
		r.Header.Set("trac-user-name", identity.UserName)
	}

	conn, err := handler.pool.Get(ctx, route.Target)
	if err != nil {
		handler.log.Warn("upstream service is unreachable",
			zap.String("route", route.Name),
			zap.String("target", route.Target),
			zap.Error(err))
		unavailable(w, r, route)
		return
	}

	if err := handler.dispatch(ctx, w, r, route, conn); err != nil && !errs2.IsCanceled(err) {
		handler.log.Debug("proxied call failed",
			zap.String("route", route.Name), zap.Error(err))
	}
}

func (handler *Handler) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, route *routing.Route, conn *backend.Conn) error {
	switch route.Protocol {
	case routing.ProtocolGRPC:
		contentType := r.Header.Get("Content-Type")
		switch {
		case strings.HasPrefix(contentType, "application/grpc-web"):
			return translate.GrpcWeb(ctx, w, r, conn)
		case strings.HasPrefix(contentType, "application/grpc"):
			if r.ProtoMajor != 2 {
				http.Error(w, "native grpc requires http/2", http.StatusHTTPVersionNotSupported)
				return nil
			}
			return translate.Grpc(ctx, w, r, conn)
		default:
			http.Error(w, "expected a grpc content type", http.StatusUnsupportedMediaType)
			return nil
		}

	case routing.ProtocolWebSocket:
		return translate.WebSocket(ctx, w, r, conn)

	case routing.ProtocolREST:
		return translate.Rest(ctx, w, r, conn, route.Binding)

	default:
		return translate.HTTP(ctx, w, r, conn)
	}
}

// unauthenticated answers an auth failure in the shape the client
// protocol expects: a trailers only response for the grpc family, a
// json error for rest, a plain http error otherwise.
func unauthenticated(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	const message = "request is not authenticated"
	switch route.Protocol {
	case routing.ProtocolGRPC:
		grpcStatusResponse(w, r, codes.Unauthenticated, message)
	case routing.ProtocolREST:
		translate.RestError(w, http.StatusUnauthorized, message)
	default:
		http.Error(w, message, http.StatusUnauthorized)
	}
}

// unavailable answers when no backend connection could be made.
func unavailable(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	const message = "upstream service unavailable"
	switch route.Protocol {
	case routing.ProtocolGRPC:
		grpcStatusResponse(w, r, codes.Unavailable, message)
	case routing.ProtocolREST:
		translate.RestError(w, http.StatusBadGateway, message)
	default:
		http.Error(w, message, http.StatusBadGateway)
	}
}

// grpcStatusResponse writes a trailers only grpc response, keeping the
// content type family of the request.
func grpcStatusResponse(w http.ResponseWriter, r *http.Request, code codes.Code, message string) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/grpc") {
		contentType = "application/grpc"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Grpc-Status", strconv.Itoa(int(code)))
	w.Header().Set("Grpc-Message", message)
	w.WriteHeader(http.StatusOK)
}
