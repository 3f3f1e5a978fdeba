// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package gateway

import (
	"strings"

	"tracdap.io/tracdap/gateway/routing"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/tracerr"
)

// RoutesConfig names the upstream targets for the built in API routes
// and any extra pass through content routes.
type RoutesConfig struct {
	Metadata     string `help:"host:port of the metadata service" default:"127.0.0.1:8081"`
	Orchestrator string `help:"host:port of the orchestrator service" default:"127.0.0.1:8082"`
	Custom       string `help:"extra pass through routes as name:prefix:target, comma separated" default:""`
}

const (
	metaRestPrefix = "/tracdap-meta/api/v1"
	orchRestPrefix = "/tracdap-orch/api/v1"
)

// BuildRoutes assembles the gateway route table. Order matters: routes
// are tried first to last, so websocket routes come before their grpc
// twins (an upgrade request would otherwise never reach them) and REST
// templates with literal segments come before templates that capture in
// the same position. The trusted metadata API is deliberately absent;
// it is only reachable inside the platform.
func BuildRoutes(config RoutesConfig) ([]routing.Route, error) {
	routes := []routing.Route{
		routing.WebSocketRoute("metadata-websocket", api.MetadataService, config.Metadata),
		routing.WebSocketRoute("orchestrator-websocket", api.OrchestratorService, config.Orchestrator),
		routing.GrpcRoute("metadata-grpc", api.MetadataService, config.Metadata),
		routing.GrpcRoute("orchestrator-grpc", api.OrchestratorService, config.Orchestrator),
	}

	rest := []struct {
		name    string
		target  string
		binding routing.Binding
	}{
		{"metadata-read-latest", config.Metadata, routing.Binding{
			Method:   "GET",
			Template: metaRestPrefix + "/{tenant}/{selector.objectType}/{selector.objectId}/versions/latest/tags/latest",
			RPC:      "/" + api.MetadataService + "/ReadObject",
			Fields: map[string]routing.FieldKind{
				"selector.objectType": routing.FieldEnum,
			},
			Preset: map[string]interface{}{
				"selector.latestObject": true,
				"selector.latestTag":    true,
			},
		}},
		{"metadata-read-version", config.Metadata, routing.Binding{
			Method:   "GET",
			Template: metaRestPrefix + "/{tenant}/{selector.objectType}/{selector.objectId}/versions/{selector.objectVersion}/tags/latest",
			RPC:      "/" + api.MetadataService + "/ReadObject",
			Fields: map[string]routing.FieldKind{
				"selector.objectType":    routing.FieldEnum,
				"selector.objectVersion": routing.FieldInt,
			},
			Preset: map[string]interface{}{
				"selector.latestTag": true,
			},
		}},
		{"metadata-read-tag", config.Metadata, routing.Binding{
			Method:   "GET",
			Template: metaRestPrefix + "/{tenant}/{selector.objectType}/{selector.objectId}/versions/{selector.objectVersion}/tags/{selector.tagVersion}",
			RPC:      "/" + api.MetadataService + "/ReadObject",
			Fields: map[string]routing.FieldKind{
				"selector.objectType":    routing.FieldEnum,
				"selector.objectVersion": routing.FieldInt,
				"selector.tagVersion":    routing.FieldInt,
			},
		}},
		{"metadata-read-batch", config.Metadata, routing.Binding{
			Method:   "POST",
			Template: metaRestPrefix + "/{tenant}/read-batch",
			RPC:      "/" + api.MetadataService + "/ReadObjectBatch",
			Body:     "*",
		}},
		{"metadata-create-object", config.Metadata, routing.Binding{
			Method:   "POST",
			Template: metaRestPrefix + "/{tenant}/create-object",
			RPC:      "/" + api.MetadataService + "/CreateObject",
			Body:     "*",
		}},
		{"metadata-update-object", config.Metadata, routing.Binding{
			Method:   "POST",
			Template: metaRestPrefix + "/{tenant}/update-object",
			RPC:      "/" + api.MetadataService + "/UpdateObject",
			Body:     "*",
		}},
		{"metadata-update-tag", config.Metadata, routing.Binding{
			Method:   "POST",
			Template: metaRestPrefix + "/{tenant}/update-tag",
			RPC:      "/" + api.MetadataService + "/UpdateTag",
			Body:     "*",
		}},
		{"metadata-list-tenants", config.Metadata, routing.Binding{
			Method:   "GET",
			Template: metaRestPrefix + "/tenants",
			RPC:      "/" + api.MetadataService + "/ListTenants",
		}},
		{"orchestrator-submit-job", config.Orchestrator, routing.Binding{
			Method:   "POST",
			Template: orchRestPrefix + "/{tenant}/submit-job",
			RPC:      "/" + api.OrchestratorService + "/SubmitJob",
			Body:     "*",
		}},
		{"orchestrator-check-job", config.Orchestrator, routing.Binding{
			Method:   "GET",
			Template: orchRestPrefix + "/{tenant}/jobs/{jobKey}",
			RPC:      "/" + api.OrchestratorService + "/CheckJob",
		}},
		{"orchestrator-cancel-job", config.Orchestrator, routing.Binding{
			Method:   "POST",
			Template: orchRestPrefix + "/{tenant}/jobs/{jobKey}/cancel",
			RPC:      "/" + api.OrchestratorService + "/CancelJob",
		}},
		{"orchestrator-list-jobs", config.Orchestrator, routing.Binding{
			Method:   "GET",
			Template: orchRestPrefix + "/{tenant}/jobs",
			RPC:      "/" + api.OrchestratorService + "/ListJobs",
			Fields: map[string]routing.FieldKind{
				"limit": routing.FieldInt,
			},
		}},
	}

	for _, entry := range rest {
		route, err := routing.RestRoute(entry.name, entry.target, entry.binding)
		if err != nil {
			return nil, tracerr.Wrap(tracerr.Startup, err)
		}
		routes = append(routes, route)
	}

	custom, err := parseCustomRoutes(config.Custom)
	if err != nil {
		return nil, err
	}
	return append(routes, custom...), nil
}

// parseCustomRoutes reads the pass through route list. Each entry is
// name:prefix:target; the target keeps any further colons so host:port
// works unquoted.
func parseCustomRoutes(list string) ([]routing.Route, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var routes []routing.Route
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, tracerr.New(tracerr.Startup,
				"invalid custom route %q, expected name:prefix:target", entry)
		}
		if !strings.HasPrefix(parts[1], "/") {
			return nil, tracerr.New(tracerr.Startup,
				"invalid custom route %q, prefix must start with /", entry)
		}
		routes = append(routes, routing.HTTPRoute(parts[0], parts[1], parts[2]))
	}
	return routes, nil
}
