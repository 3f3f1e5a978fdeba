// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package translate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
)

func TestEncodeTrailerFrame(t *testing.T) {
	frame := encodeTrailerFrame([]hpack.HeaderField{
		backend.Field("grpc-status", "0"),
		backend.Field("grpc-message", "OK"),
	})

	expected := []byte{0x80, 0x00, 0x00, 0x00, 0x22}
	expected = append(expected, []byte("grpc-status: 0\r\ngrpc-message: OK\r\n")...)
	require.Equal(t, expected, frame)
}

func TestEncodeTrailerFrameSkipsPseudoHeaders(t *testing.T) {
	frame := encodeTrailerFrame([]hpack.HeaderField{
		backend.Field(":status", "200"),
		backend.Field("grpc-status", "5"),
	})

	require.Equal(t, byte(trailerFlag), frame[0])
	require.Equal(t, []byte("grpc-status: 5\r\n"), frame[5:])
}

func TestEncodeTrailerFrameEmpty(t *testing.T) {
	frame := encodeTrailerFrame(nil)
	require.Equal(t, []byte{0x80, 0, 0, 0, 0}, frame)
}

func TestCopyHeaderFields(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer token")
	header.Set("Content-Type", "application/grpc")
	header.Add("Accept", "application/grpc")
	header.Add("Accept", "application/json")
	header.Set("Connection", "keep-alive, X-Per-Hop")
	header.Set("X-Per-Hop", "do not forward")
	header.Set("TE", "trailers")
	header.Set("Upgrade", "h2c")
	header.Set("X-Skipped", "explicitly dropped")

	fields := copyHeaderFields(nil, header, map[string]bool{"x-skipped": true})

	byName := map[string][]string{}
	for _, field := range fields {
		byName[field.Name] = append(byName[field.Name], field.Value)
	}

	require.Equal(t, []string{"Bearer token"}, byName["authorization"])
	require.Equal(t, []string{"application/grpc"}, byName["content-type"])
	require.ElementsMatch(t, []string{"application/grpc", "application/json"}, byName["accept"])

	require.NotContains(t, byName, "connection")
	require.NotContains(t, byName, "x-per-hop")
	require.NotContains(t, byName, "te")
	require.NotContains(t, byName, "upgrade")
	require.NotContains(t, byName, "x-skipped")
}

func TestApplyResponseFields(t *testing.T) {
	w := httptest.NewRecorder()
	status := applyResponseFields(w, []hpack.HeaderField{
		backend.Field(":status", "404"),
		backend.Field("content-type", "application/grpc"),
		backend.Field("grpc-encoding", "identity"),
	})

	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "application/grpc", w.Header().Get("Content-Type"))
	require.Equal(t, "identity", w.Header().Get("Grpc-Encoding"))
	require.Empty(t, w.Header().Get(":status"))
}

func TestApplyResponseFieldsDefaultsToOK(t *testing.T) {
	w := httptest.NewRecorder()
	status := applyResponseFields(w, []hpack.HeaderField{
		backend.Field("content-type", "application/grpc"),
	})
	require.Equal(t, http.StatusOK, status)
}

func TestDecodeGrpcMessage(t *testing.T) {
	require.Equal(t, "not found: object x", decodeGrpcMessage("not%20found:%20object%20x"))
	require.Equal(t, "plain message", decodeGrpcMessage("plain message"))

	// malformed escapes come back untouched rather than erroring
	require.Equal(t, "bad%zzescape", decodeGrpcMessage("bad%zzescape"))
}
