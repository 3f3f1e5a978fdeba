// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package routing_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tracdap.io/tracdap/gateway/routing"
)

func request(method, path string, headers ...string) *http.Request {
	r := httptest.NewRequest(method, "http://gateway"+path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Add(headers[i], headers[i+1])
	}
	return r
}

func testRoutes(t *testing.T) []routing.Route {
	readObject, err := routing.RestRoute("meta-read", "meta:8081", routing.Binding{
		Method:   http.MethodGet,
		Template: "/api/v1/{tenant}/{selector.objectType}/{selector.objectId}",
		RPC:      "/tracdap.api.TracMetadataApi/ReadObject",
		Fields: map[string]routing.FieldKind{
			"selector.objectType": routing.FieldEnum,
		},
	})
	require.NoError(t, err)

	return []routing.Route{
		routing.WebSocketRoute("meta-ws", "tracdap.api.TracMetadataApi", "meta:8081"),
		routing.GrpcRoute("meta-grpc", "tracdap.api.TracMetadataApi", "meta:8081"),
		routing.GrpcRoute("orch-grpc", "tracdap.api.TracOrchestratorApi", "orch:8082"),
		readObject,
		routing.HTTPRoute("docs", "/docs/", "docs:8090"),
	}
}

func TestResolveGrpc(t *testing.T) {
	routes := testRoutes(t)

	idx := routing.Resolve(routes, request(http.MethodPost, "/tracdap.api.TracMetadataApi/ReadObject"))
	require.Equal(t, 1, idx)

	idx = routing.Resolve(routes, request(http.MethodPost, "/tracdap.api.TracOrchestratorApi/SubmitJob"))
	require.Equal(t, 2, idx)

	// grpc calls are POST only
	idx = routing.Resolve(routes, request(http.MethodGet, "/tracdap.api.TracMetadataApi/ReadObject"))
	require.Equal(t, -1, idx)

	// unknown services fall through
	idx = routing.Resolve(routes, request(http.MethodPost, "/tracdap.api.internal.TracMetadataTrustedApi/CreateTenant"))
	require.Equal(t, -1, idx)
}

func TestResolveWebSocketBeforeGrpc(t *testing.T) {
	routes := testRoutes(t)

	idx := routing.Resolve(routes, request(http.MethodGet, "/tracdap.api.TracMetadataApi/ReadObject",
		"Connection", "keep-alive, Upgrade",
		"Upgrade", "websocket"))
	require.Equal(t, 0, idx)

	// no upgrade headers, no websocket route
	idx = routing.Resolve(routes, request(http.MethodGet, "/tracdap.api.TracMetadataApi/ReadObject"))
	require.Equal(t, -1, idx)

	// a different upgrade is not ours
	idx = routing.Resolve(routes, request(http.MethodGet, "/tracdap.api.TracMetadataApi/ReadObject",
		"Connection", "Upgrade",
		"Upgrade", "h2c"))
	require.Equal(t, -1, idx)
}

func TestResolveRest(t *testing.T) {
	routes := testRoutes(t)

	idx := routing.Resolve(routes, request(http.MethodGet, "/api/v1/ACME/data/0a1b2c"))
	require.Equal(t, 3, idx)

	captures, ok := routes[3].Binding.Match(http.MethodGet, "/api/v1/ACME/data/0a1b2c")
	require.True(t, ok)
	require.Equal(t, map[string]string{
		"tenant":              "ACME",
		"selector.objectType": "data",
		"selector.objectId":   "0a1b2c",
	}, captures)
	require.Equal(t, routing.FieldEnum, routes[3].Binding.Kind("selector.objectType"))
	require.Equal(t, routing.FieldString, routes[3].Binding.Kind("tenant"))
}

func TestResolveHTTPPassthrough(t *testing.T) {
	routes := testRoutes(t)

	idx := routing.Resolve(routes, request(http.MethodGet, "/docs/index.html"))
	require.Equal(t, 4, idx)

	idx = routing.Resolve(routes, request(http.MethodGet, "/other/index.html"))
	require.Equal(t, -1, idx)
}

func TestBindingMatch(t *testing.T) {
	route, err := routing.RestRoute("jobs", "orch:8082", routing.Binding{
		Method:   http.MethodGet,
		Template: "/api/v1/{tenant}/jobs/{jobKey}",
		RPC:      "/tracdap.api.TracOrchestratorApi/CheckJob",
	})
	require.NoError(t, err)
	binding := route.Binding

	captures, ok := binding.Match(http.MethodGet, "/api/v1/ACME/jobs/job-1")
	require.True(t, ok)
	require.Equal(t, map[string]string{"tenant": "ACME", "jobKey": "job-1"}, captures)

	_, ok = binding.Match(http.MethodPost, "/api/v1/ACME/jobs/job-1")
	require.False(t, ok, "method must match")

	_, ok = binding.Match(http.MethodGet, "/api/v1/ACME/tasks/job-1")
	require.False(t, ok, "literal segments must match")

	_, ok = binding.Match(http.MethodGet, "/api/v1/ACME/jobs")
	require.False(t, ok, "segment count must match")

	_, ok = binding.Match(http.MethodGet, "/api/v1/ACME/jobs/job-1/extra")
	require.False(t, ok, "segment count must match")
}

func TestBindingTemplateErrors(t *testing.T) {
	bad := []routing.Binding{
		{Method: http.MethodGet, Template: "/a//b", RPC: "/s/M"},
		{Method: http.MethodGet, Template: "/a/{}/b", RPC: "/s/M"},
		{Method: http.MethodGet, Template: "/a/x{y}/b", RPC: "/s/M"},
		{Method: http.MethodGet, Template: "no-slash", RPC: "/s/M"},
		{Method: "", Template: "/a", RPC: "/s/M"},
		{Method: http.MethodGet, Template: "/a", RPC: ""},
	}
	for _, binding := range bad {
		_, err := routing.RestRoute("bad", "x:1", binding)
		require.Error(t, err, "template %q", binding.Template)
	}
}
