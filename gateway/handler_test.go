// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package gateway_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"tracdap.io/tracdap/gateway"
	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/gateway/gwauth"
	"tracdap.io/tracdap/internal/testcontext"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// fakeMetadata is the upstream the gateway proxies to in these tests. It
// remembers the last request and caller so tests can check what crossed
// the proxy.
type fakeMetadata struct {
	api.UnimplementedMetadataServer

	mu        sync.Mutex
	lastRead  *api.ReadRequest
	lastIdent rpc.Identity
}

func (f *fakeMetadata) observe(ctx context.Context) {
	if id, ok := rpc.IdentityOf(ctx); ok {
		f.mu.Lock()
		f.lastIdent = id
		f.mu.Unlock()
	}
}

func (f *fakeMetadata) caller() rpc.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIdent
}

func (f *fakeMetadata) readRequest() *api.ReadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRead
}

func (f *fakeMetadata) ReadObject(ctx context.Context, in *api.ReadRequest) (*api.ReadResponse, error) {
	f.observe(ctx)
	f.mu.Lock()
	f.lastRead = in
	f.mu.Unlock()

	if in.Tenant != "ACME" {
		return nil, tracerr.New(tracerr.NotFound, "tenant %q not found", in.Tenant)
	}

	version := in.Selector.ObjectVersion
	if in.Selector.LatestObject {
		version = 3
	}
	return &api.ReadResponse{Tag: trac.Tag{
		Header: &trac.TagHeader{
			ObjectType:     in.Selector.ObjectType,
			ObjectID:       in.Selector.ObjectID,
			ObjectVersion:  version,
			TagVersion:     1,
			IsLatestObject: in.Selector.LatestObject,
			IsLatestTag:    true,
		},
	}}, nil
}

func (f *fakeMetadata) ListTenants(ctx context.Context, in *api.ListTenantsRequest) (*api.ListTenantsResponse, error) {
	f.observe(ctx)
	return &api.ListTenantsResponse{Tenants: []api.TenantInfo{
		{Code: "ACME", Description: "Acme Corp"},
	}}, nil
}

// startMetadata serves the fake over a real grpc server, the same wiring
// the metadata peer uses.
func startMetadata(t *testing.T, fake api.MetadataServer) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(rpc.ServerOptions(
		rpc.NewLogInterceptor(zaptest.NewLogger(t)),
		rpc.NewIdentityInterceptor(),
	)...)
	api.RegisterMetadataServer(srv, fake)

	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)
	return listener.Addr().String()
}

// startH2C serves a plain handler over cleartext http/2, standing in for
// any upstream the gateway talks to.
func startH2C(t *testing.T, ctx *testcontext.Context, handler http.Handler) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http2.Server{}
	base := &http.Server{Handler: handler}

	ctx.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	ctx.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return nil
			}
			go server.ServeConn(conn, &http2.ServeConnOpts{
				Context:    ctx,
				BaseConfig: base,
				Handler:    handler,
			})
		}
	})
	return listener.Addr().String()
}

func targets(addr string) gateway.RoutesConfig {
	return gateway.RoutesConfig{Metadata: addr, Orchestrator: addr}
}

func newHandler(t *testing.T, routesCfg gateway.RoutesConfig, auth gwauth.Config) *gateway.Handler {
	log := zaptest.NewLogger(t)

	gate, err := gwauth.New(log.Named("gwauth"), auth)
	require.NoError(t, err)

	routes, err := gateway.BuildRoutes(routesCfg)
	require.NoError(t, err)

	pool := backend.NewPool(log.Named("backend"), backend.Config{})
	t.Cleanup(func() { _ = pool.Close() })

	return gateway.NewHandler(log.Named("handler"), gate, routes, pool)
}

func newFront(t *testing.T, handler http.Handler) *httptest.Server {
	front := httptest.NewServer(handler)
	t.Cleanup(front.Close)
	return front
}

// grpcFrame wraps a message in the grpc length prefix.
func grpcFrame(payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)
	return frame
}

type webFrame struct {
	flag byte
	data []byte
}

// parseWebFrames splits a grpc-web response body into its frames.
func parseWebFrames(t *testing.T, body []byte) []webFrame {
	var frames []webFrame
	for len(body) > 0 {
		require.GreaterOrEqual(t, len(body), 5)
		size := binary.BigEndian.Uint32(body[1:5])
		require.GreaterOrEqual(t, uint32(len(body)-5), size)
		frames = append(frames, webFrame{flag: body[0], data: body[5 : 5+size]})
		body = body[5+size:]
	}
	return frames
}

func TestRestReadLatest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	resp, err := http.Get(front.URL + "/tracdap-meta/api/v1/ACME/data/" + id.String() + "/versions/latest/tags/latest")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var read api.ReadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&read))
	require.Equal(t, id, read.Tag.Header.ObjectID)
	require.Equal(t, trac.ObjectData, read.Tag.Header.ObjectType)
	require.Equal(t, 3, read.Tag.Header.ObjectVersion)

	// the latest route presets both wildcards and upper-cases the enum
	sent := fake.readRequest()
	require.Equal(t, "ACME", sent.Tenant)
	require.True(t, sent.Selector.LatestObject)
	require.True(t, sent.Selector.LatestTag)

	// with the gate disabled calls run as the guest identity
	require.Equal(t, "guest", fake.caller().UserID)
}

func TestRestReadVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	resp, err := http.Get(front.URL + "/tracdap-meta/api/v1/ACME/model/" + id.String() + "/versions/2/tags/latest")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sent := fake.readRequest()
	require.Equal(t, trac.ObjectModel, sent.Selector.ObjectType)
	require.Equal(t, 2, sent.Selector.ObjectVersion)
	require.False(t, sent.Selector.LatestObject)
	require.True(t, sent.Selector.LatestTag)
}

func TestRestErrorMapping(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	resp, err := http.Get(front.URL + "/tracdap-meta/api/v1/NOPE/data/" + id.String() + "/versions/latest/tags/latest")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, `tenant "NOPE" not found`, body["error"])
}

func TestRestRejectsBadVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	resp, err := http.Get(front.URL + "/tracdap-meta/api/v1/ACME/data/" + id.String() + "/versions/latest/tags/5")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestListTenants(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	resp, err := http.Get(front.URL + "/tracdap-meta/api/v1/tenants")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tenants api.ListTenantsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tenants))
	require.Len(t, tenants.Tenants, 1)
	require.Equal(t, "ACME", tenants.Tenants[0].Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	resp, err := http.Get(front.URL + "/not-a-route")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientIdentityHeadersStripped(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/tracdap-meta/api/v1/tenants", nil)
	require.NoError(t, err)
	req.Header.Set("trac-user-id", "mallory")
	req.Header.Set("trac-user-name", "Mallory")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "guest", fake.caller().UserID)
}

func TestGrpcWebRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	payload, err := json.Marshal(api.ReadRequest{
		Tenant:   "ACME",
		Selector: trac.LatestSelector(trac.ObjectData, id),
	})
	require.NoError(t, err)

	resp, err := http.Post(
		front.URL+"/"+api.MetadataService+"/ReadObject",
		"application/grpc-web+json",
		bytes.NewReader(grpcFrame(payload)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/grpc-web+json", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	frames := parseWebFrames(t, raw)
	require.Len(t, frames, 2)

	require.Equal(t, byte(0), frames[0].flag)
	var read api.ReadResponse
	require.NoError(t, json.Unmarshal(frames[0].data, &read))
	require.Equal(t, id, read.Tag.Header.ObjectID)

	require.Equal(t, byte(0x80), frames[1].flag)
	require.Contains(t, string(frames[1].data), "grpc-status: 0")
}

func TestGrpcWebTrailersOnlyError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	id := uuid.New()
	payload, err := json.Marshal(api.ReadRequest{
		Tenant:   "NOPE",
		Selector: trac.LatestSelector(trac.ObjectData, id),
	})
	require.NoError(t, err)

	resp, err := http.Post(
		front.URL+"/"+api.MetadataService+"/ReadObject",
		"application/grpc-web+json",
		bytes.NewReader(grpcFrame(payload)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	// an immediate error comes back trailers-only: the status rides the
	// http headers and the body is empty
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Grpc-Status"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestGrpcWebRejectsTextEncoding(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	resp, err := http.Post(
		front.URL+"/"+api.MetadataService+"/ListTenants",
		"application/grpc-web-text",
		bytes.NewReader(nil))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/" + api.MetadataService + "/ReadObject"
	wsConn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = wsConn.Close() }()

	id := uuid.New()
	payload, err := json.Marshal(api.ReadRequest{
		Tenant:   "ACME",
		Selector: trac.LatestSelector(trac.ObjectData, id),
	})
	require.NoError(t, err)

	// the request message, then an empty frame to end the stream
	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, grpcFrame(payload)))
	require.NoError(t, wsConn.WriteMessage(websocket.BinaryMessage, nil))

	kind, message, err := wsConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	require.Equal(t, byte(0), message[0])

	var read api.ReadResponse
	require.NoError(t, json.Unmarshal(message[5:], &read))
	require.Equal(t, id, read.Tag.Header.ObjectID)

	kind, trailer, err := wsConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	require.Equal(t, byte(0x80), trailer[0])
	require.Contains(t, string(trailer[5:]), "grpc-status: 0")

	// after the trailers the server starts a clean close handshake
	_, _, err = wsConn.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestWebSocketRejectsTextFrames(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true}))

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/" + api.MetadataService + "/ReadObject"
	wsConn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = wsConn.Close() }()

	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte("not binary")))

	_, _, err = wsConn.ReadMessage()
	closeErr := &websocket.CloseError{}
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
}

func TestNativeGrpcPassthrough(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	handler := newHandler(t, targets(startMetadata(t, fake)), gwauth.Config{Disable: true})
	front := startH2C(t, ctx, handler)

	conn, err := grpc.NewClient(front, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := api.NewMetadataClient(conn)

	id := uuid.New()
	read, err := client.ReadObject(ctx, &api.ReadRequest{
		Tenant:   "ACME",
		Selector: trac.LatestSelector(trac.ObjectData, id),
	})
	require.NoError(t, err)
	require.Equal(t, id, read.Tag.Header.ObjectID)
	require.Equal(t, trac.ObjectData, read.Tag.Header.ObjectType)

	// grpc status codes survive both hops
	_, err = client.ReadObject(ctx, &api.ReadRequest{
		Tenant:   "NOPE",
		Selector: trac.LatestSelector(trac.ObjectData, id),
	})
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, `tenant "NOPE" not found`, status.Convert(err).Message())
}

func TestCustomRoutePassthrough(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	docs := startH2C(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<h1>docs</h1>")
	}))

	routesCfg := targets(docs)
	routesCfg.Custom = "docs:/docs/:" + docs
	front := newFront(t, newHandler(t, routesCfg, gwauth.Config{Disable: true}))

	resp, err := http.Get(front.URL + "/docs/index.html")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<h1>docs</h1>", string(body))
}

func tokenKey(t *testing.T, ctx *testcontext.Context) (jose.Signer, string) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(public)
	require.NoError(t, err)

	keyFile := ctx.File("token-key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, os.WriteFile(keyFile, pemBytes, 0600))

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: private}, nil)
	require.NoError(t, err)
	return signer, keyFile
}

func signToken(t *testing.T, signer jose.Signer, subject, name string) string {
	now := time.Now()
	token, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		}).
		Claims(map[string]interface{}{"name": name}).
		Serialize()
	require.NoError(t, err)
	return token
}

func TestAuthAcrossProtocols(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeMetadata{}
	signer, keyFile := tokenKey(t, ctx)
	front := newFront(t, newHandler(t, targets(startMetadata(t, fake)),
		gwauth.Config{PublicKeyFile: keyFile}))

	// health stays open without a token
	resp, err := http.Get(front.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// rest without a token is an http 401
	resp, err = http.Get(front.URL + "/tracdap-meta/api/v1/tenants")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// the grpc family reports the failure in band, as a grpc status
	resp, err = http.Post(
		front.URL+"/"+api.MetadataService+"/ListTenants",
		"application/grpc-web+json",
		bytes.NewReader(grpcFrame(nil)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "16", resp.Header.Get("Grpc-Status"))

	// a signed bearer token opens the gate and the identity crosses over
	req, err := http.NewRequest(http.MethodGet, front.URL+"/tracdap-meta/api/v1/tenants", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+signToken(t, signer, "alice", "Alice Allison"))

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, rpc.Identity{UserID: "alice", UserName: "Alice Allison"}, fake.caller())

	// the same token in the cookie works for browser clients
	req, err = http.NewRequest(http.MethodGet, front.URL+"/tracdap-meta/api/v1/tenants", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{
		Name:  gwauth.TokenCookie,
		Value: signToken(t, signer, "bob", "Bob Builder"),
	})

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "bob", fake.caller().UserID)
}
