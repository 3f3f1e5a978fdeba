// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package routing matches incoming requests to upstream targets.
//
// Routes are an ordered list built once at startup; the first route whose
// matcher accepts the request wins and its index keys all downstream
// state for the exchange. Four families exist: gRPC routes match a
// service path prefix, REST routes match a method plus a path template
// from their binding, WebSocket routes match an upgrade request against
// a service prefix, and plain HTTP routes match a configured prefix.
package routing

import (
	"net/http"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class for routing failures.
var Error = errs.Class("routing")

// Protocol is the translation family a route selects.
type Protocol string

const (
	ProtocolGRPC      Protocol = "GRPC"
	ProtocolREST      Protocol = "REST"
	ProtocolWebSocket Protocol = "WEBSOCKET"
	ProtocolHTTP      Protocol = "HTTP"
)

// Route maps matching requests to one upstream target.
type Route struct {
	Name       string
	Protocol   Protocol
	Target     string // upstream host:port
	AuthExempt bool

	Prefix  string   // prefix matcher for the non-REST families
	Binding *Binding // matcher and field mapping for REST
}

// GrpcRoute routes calls for one gRPC service name.
func GrpcRoute(name, service, target string) Route {
	return Route{
		Name:     name,
		Protocol: ProtocolGRPC,
		Target:   target,
		Prefix:   "/" + service + "/",
	}
}

// WebSocketRoute routes upgrade requests aimed at one gRPC service name.
func WebSocketRoute(name, service, target string) Route {
	return Route{
		Name:     name,
		Protocol: ProtocolWebSocket,
		Target:   target,
		Prefix:   "/" + service + "/",
	}
}

// HTTPRoute routes a path prefix straight through without translation.
func HTTPRoute(name, prefix, target string) Route {
	return Route{
		Name:     name,
		Protocol: ProtocolHTTP,
		Target:   target,
		Prefix:   prefix,
	}
}

// RestRoute routes one REST binding. The binding's template is compiled
// here; a malformed template is a startup error.
func RestRoute(name, target string, binding Binding) (Route, error) {
	compiled, err := binding.compile()
	if err != nil {
		return Route{}, err
	}
	return Route{
		Name:     name,
		Protocol: ProtocolREST,
		Target:   target,
		Binding:  compiled,
	}, nil
}

// Match reports whether the route accepts the request.
func (route *Route) Match(r *http.Request) bool {
	switch route.Protocol {
	case ProtocolGRPC:
		return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, route.Prefix)
	case ProtocolWebSocket:
		return isWebSocketUpgrade(r) && strings.HasPrefix(r.URL.Path, route.Prefix)
	case ProtocolREST:
		_, ok := route.Binding.Match(r.Method, r.URL.Path)
		return ok
	case ProtocolHTTP:
		return strings.HasPrefix(r.URL.Path, route.Prefix)
	}
	return false
}

// Resolve returns the index of the first matching route, or -1.
func Resolve(routes []Route, r *http.Request) int {
	for i := range routes {
		if routes[i].Match(r) {
			return i
		}
	}
	return -1
}

// isWebSocketUpgrade checks the upgrade headers the way RFC 6455 reads
// them: Connection is a comma-separated token list, values are
// case-insensitive.
func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, field := range r.Header.Values("Connection") {
		for _, token := range strings.Split(field, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
