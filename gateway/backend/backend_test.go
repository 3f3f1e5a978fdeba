// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package backend_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/internal/testcontext"
	"tracdap.io/tracdap/internal/testrand"
)

// startUpstream runs a plain http/2 server for backend connections to
// talk to and returns its address.
func startUpstream(t *testing.T, ctx *testcontext.Context, handler http.Handler) string {
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

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/grpc+proto")
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, 32*1024)
		for {
			n, err := r.Body.Read(buf)
			if n > 0 {
				if _, err := w.Write(buf[:n]); err != nil {
					return
				}
				if flusher, ok := w.(http.Flusher); ok {
					flusher.Flush()
				}
			}
			if err != nil {
				break
			}
		}

		w.Header().Set(http.TrailerPrefix+"grpc-status", "0")
		w.Header().Set(http.TrailerPrefix+"grpc-message", "OK")
	})
}

func requestFields(authority, path string) []hpack.HeaderField {
	return []hpack.HeaderField{
		backend.Field(":method", "POST"),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", authority),
		backend.Field(":path", path),
		backend.Field("content-type", "application/grpc+proto"),
		backend.Field("te", "trailers"),
	}
}

// drain reads data events until the next non-data event, returning the
// collected body and the event that ended it.
func drain(t *testing.T, ctx context.Context, stream *backend.Stream) ([]byte, backend.Event) {
	var body []byte
	for {
		event, err := stream.Read(ctx)
		require.NoError(t, err)
		if event.Kind == backend.EventData {
			body = append(body, event.Data...)
			if event.End {
				return body, event
			}
			continue
		}
		return body, event
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, echoHandler())

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	stream, err := conn.OpenStream(ctx, requestFields(addr, "/echo"), false)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Write(ctx, []byte("hello gateway"), true))

	event, err := stream.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, backend.EventHeaders, event.Kind)
	require.Equal(t, "200", backend.FieldValue(event.Fields, ":status"))
	require.Equal(t, "application/grpc+proto", backend.FieldValue(event.Fields, "content-type"))
	require.False(t, event.End)

	body, last := drain(t, ctx, stream)
	require.Equal(t, "hello gateway", string(body))
	require.Equal(t, backend.EventTrailers, last.Kind)
	require.True(t, last.End)
	require.Equal(t, "0", backend.FieldValue(last.Fields, "grpc-status"))
	require.Equal(t, "OK", backend.FieldValue(last.Fields, "grpc-message"))

	_, err = stream.Read(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestLargeTransfer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, echoHandler())

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{
		InitialWindow: 256 * 1024,
		MaxFrameSize:  32 * 1024,
	})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	// big enough to force window refills in both directions
	payload := testrand.Bytes(1 << 20)

	stream, err := conn.OpenStream(ctx, requestFields(addr, "/echo"), false)
	require.NoError(t, err)
	defer stream.Close()

	ctx.Go(func() error {
		return stream.Write(ctx, payload, true)
	})

	event, err := stream.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, backend.EventHeaders, event.Kind)

	body, last := drain(t, ctx, stream)
	require.Equal(t, payload, body)
	require.Equal(t, backend.EventTrailers, last.Kind)
	require.Equal(t, "0", backend.FieldValue(last.Fields, "grpc-status"))
}

func TestConcurrentStreams(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, echoHandler())

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	for i := 0; i < 8; i++ {
		payload := append([]byte("stream "+strconv.Itoa(i)+": "), testrand.Bytes(64*1024)...)
		ctx.Go(func() error {
			stream, err := conn.OpenStream(ctx, requestFields(addr, "/echo"), false)
			if err != nil {
				return err
			}
			defer stream.Close()

			if err := stream.Write(ctx, payload, true); err != nil {
				return err
			}

			event, err := stream.Read(ctx)
			if err != nil {
				return err
			}
			if event.Kind != backend.EventHeaders {
				return backend.Error.New("expected headers, got %v", event.Kind)
			}

			var body []byte
			for {
				event, err := stream.Read(ctx)
				if err != nil {
					return err
				}
				if event.Kind == backend.EventData {
					body = append(body, event.Data...)
					continue
				}
				break
			}
			if string(body) != string(payload) {
				return backend.Error.New("stream echoed the wrong payload")
			}
			return nil
		})
	}

	ctx.Wait()
}

func TestTrailersOnlyResponse(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/grpc+proto")
		w.Header().Set("Grpc-Status", "12")
		w.Header().Set("Grpc-Message", "method not implemented")
	}))

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	stream, err := conn.OpenStream(ctx, requestFields(addr, "/missing"), true)
	require.NoError(t, err)
	defer stream.Close()

	event, err := stream.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, backend.EventHeaders, event.Kind)
	require.True(t, event.End)
	require.Equal(t, "12", backend.FieldValue(event.Fields, "grpc-status"))

	_, err = stream.Read(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestUpstreamReset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	stream, err := conn.OpenStream(ctx, requestFields(addr, "/abort"), true)
	require.NoError(t, err)
	defer stream.Close()

	event, err := stream.Read(ctx)
	require.Error(t, err)
	require.Equal(t, backend.EventReset, event.Kind)
}

func TestWriteHonorsContext(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// the handler never reads the body, so upstream flow control
	// windows fill up and stay full
	addr := startUpstream(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	conn, err := backend.Dial(ctx, zaptest.NewLogger(t), addr, backend.Config{})
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	stream, err := conn.OpenStream(ctx, requestFields(addr, "/stall"), false)
	require.NoError(t, err)

	writeCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	err = stream.Write(writeCtx, testrand.Bytes(4<<20), true)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// releasing the stream lets the upstream handler finish
	stream.Close()
}

func TestPoolReusesConnections(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	addr := startUpstream(t, ctx, echoHandler())

	pool := backend.NewPool(zaptest.NewLogger(t), backend.Config{})
	defer ctx.Check(pool.Close)

	first, err := pool.Get(ctx, addr)
	require.NoError(t, err)

	second, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	require.Same(t, first, second)

	// a dead connection gets replaced on the next request
	require.NoError(t, first.Close())
	require.False(t, first.Healthy())

	third, err := pool.Get(ctx, addr)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.True(t, third.Healthy())
}
