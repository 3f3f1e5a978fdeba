// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package translate

import (
	"context"
	"errors"
	"io"
	"net/http"

	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
)

// Grpc proxies a native grpc call arriving on the http/2 front onto a
// backend stream. Frames pass through largely untouched; trailers are
// re-issued through the response writer so the front sends them as
// real http/2 trailers.
func Grpc(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *backend.Conn) (err error) {
	defer mon.Task()(&ctx)(&err)

	fields := []hpack.HeaderField{
		backend.Field(":method", http.MethodPost),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", r.Host),
		backend.Field(":path", r.URL.Path),
		backend.Field("te", "trailers"),
	}
	fields = copyHeaderFields(fields, r.Header, nil)

	stream, err := conn.OpenStream(ctx, fields, false)
	if err != nil {
		http.Error(w, "upstream service unavailable", http.StatusBadGateway)
		return err
	}
	defer stream.Close()

	// The request and response sides of a grpc call run independently,
	// so the body relays on its own goroutine. It unblocks when the
	// stream closes or the front tears down the request body.
	go func() {
		_ = relayRequestBody(ctx, stream, r.Body)
	}()

	wroteHeaders := false
	for {
		event, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !wroteHeaders {
				http.Error(w, "upstream service unavailable", http.StatusBadGateway)
			}
			return err
		}

		switch event.Kind {
		case backend.EventHeaders:
			status := applyResponseFields(w, event.Fields)
			w.WriteHeader(status)
			wroteHeaders = true
			flush(w)
			if event.End {
				return nil
			}

		case backend.EventData:
			if _, err := w.Write(event.Data); err != nil {
				return Error.Wrap(err)
			}
			flush(w)
			if event.End {
				return nil
			}

		case backend.EventTrailers:
			for _, field := range event.Fields {
				w.Header().Set(http.TrailerPrefix+field.Name, field.Value)
			}
			return nil
		}
	}
}
