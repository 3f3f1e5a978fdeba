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

// HTTP promotes a plain http transaction onto an http/2 stream to the
// upstream service. One transaction occupies one stream; a request
// without a body half closes on the headers alone.
func HTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *backend.Conn) (err error) {
	defer mon.Task()(&ctx)(&err)

	end := r.ContentLength == 0

	fields := []hpack.HeaderField{
		backend.Field(":method", r.Method),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", r.Host),
		backend.Field(":path", r.URL.RequestURI()),
	}
	fields = copyHeaderFields(fields, r.Header, nil)

	stream, err := conn.OpenStream(ctx, fields, end)
	if err != nil {
		http.Error(w, "upstream service unavailable", http.StatusBadGateway)
		return err
	}
	defer stream.Close()

	if !end {
		// a relay failure is not conclusive, the upstream may have
		// answered without reading the whole body
		_ = relayRequestBody(ctx, stream, r.Body)
	}

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
			// plain http clients have no use for trailers
			return nil
		}
	}
}
