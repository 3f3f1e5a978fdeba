// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package listenmux_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"

	"tracdap.io/tracdap/gateway/listenmux"
	"tracdap.io/tracdap/internal/testcontext"
)

func startMux(t *testing.T, ctx *testcontext.Context, sniffTimeout time.Duration) (*listenmux.Mux, string) {
	base, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := listenmux.New(zaptest.NewLogger(t), base, sniffTimeout)
	ctx.Go(func() error { return mux.Run(ctx) })
	return mux, base.Addr().String()
}

// accept runs Accept in the background so an unbuffered handoff cannot
// deadlock the test.
func accept(ctx *testcontext.Context, lis net.Listener) <-chan net.Conn {
	conns := make(chan net.Conn, 1)
	ctx.Go(func() error {
		conn, err := lis.Accept()
		if err == nil {
			conns <- conn
		}
		return nil
	})
	return conns
}

func TestRoutesHTTP2Preface(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mux, addr := startMux(t, ctx, time.Second)
	conns := accept(ctx, mux.HTTP2())

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Write([]byte(http2.ClientPreface))
	require.NoError(t, err)
	_, err = client.Write([]byte("after-preface"))
	require.NoError(t, err)

	conn := <-conns
	defer func() { _ = conn.Close() }()

	// the preface is replayed, nothing is swallowed
	buf := make([]byte, len(http2.ClientPreface)+len("after-preface"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, http2.ClientPreface+"after-preface", string(buf))
}

func TestRoutesHTTP1(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mux, addr := startMux(t, ctx, time.Second)
	conns := accept(ctx, mux.HTTP1())

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	request := "GET /healthz HTTP/1.1\r\nHost: gateway\r\n\r\n"
	_, err = client.Write([]byte(request))
	require.NoError(t, err)

	conn := <-conns
	defer func() { _ = conn.Close() }()

	buf := make([]byte, len(request))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, request, string(buf))
}

func TestShortRequestFallsBackToHTTP1(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// shorter than the preface and then silence: the sniff deadline
	// decides, and the connection must still surface intact
	mux, addr := startMux(t, ctx, 50*time.Millisecond)
	conns := accept(ctx, mux.HTTP1())

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Write([]byte("GET "))
	require.NoError(t, err)

	conn := <-conns
	defer func() { _ = conn.Close() }()

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "GET ", string(buf))

	// bytes written after the sniff still flow
	_, err = client.Write([]byte("/ HTTP/1.1\r\n"))
	require.NoError(t, err)
	buf = make([]byte, len("/ HTTP/1.1\r\n"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "/ HTTP/1.1\r\n", string(buf))
}
