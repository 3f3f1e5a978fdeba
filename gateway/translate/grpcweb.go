// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package translate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
)

// grpcContentType rewrites a grpc-web content type for the upstream
// call, keeping any +proto or +json suffix.
func grpcContentType(web string) string {
	return "application/grpc" + strings.TrimPrefix(web, "application/grpc-web")
}

// webContentType rewrites an upstream grpc content type back into its
// grpc-web form.
func webContentType(upstream string) string {
	return "application/grpc-web" + strings.TrimPrefix(upstream, "application/grpc")
}

// GrpcWeb proxies a grpc-web call onto a backend grpc stream. The
// message framing is shared between the two protocols, so the body
// relays verbatim; the translation rewrites the content type and
// collapses upstream trailers into a trailer frame at the end of the
// response body.
func GrpcWeb(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *backend.Conn) (err error) {
	defer mon.Task()(&ctx)(&err)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/grpc-web-text") {
		http.Error(w, "base64 encoded grpc-web-text is not supported", http.StatusUnsupportedMediaType)
		return nil
	}

	fields := []hpack.HeaderField{
		backend.Field(":method", http.MethodPost),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", r.Host),
		backend.Field(":path", r.URL.Path),
		backend.Field("content-type", grpcContentType(contentType)),
		backend.Field("te", "trailers"),
	}
	fields = copyHeaderFields(fields, r.Header, map[string]bool{
		"content-type":   true,
		"content-length": true,
	})

	stream, err := conn.OpenStream(ctx, fields, false)
	if err != nil {
		http.Error(w, "upstream service unavailable", http.StatusBadGateway)
		return err
	}
	defer stream.Close()

	// grpc-web has no client streaming, the request is complete before
	// the response starts. A relay failure is not conclusive on its own:
	// the upstream may have rejected the call before reading the whole
	// body, and the real status is waiting in the response events.
	_ = relayRequestBody(ctx, stream, r.Body)

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
			if upstream := w.Header().Get("Content-Type"); strings.HasPrefix(upstream, "application/grpc") {
				w.Header().Set("Content-Type", webContentType(upstream))
			}
			w.WriteHeader(status)
			wroteHeaders = true
			flush(w)
			if event.End {
				// trailers only response, the status fields arrived as
				// headers and the client finds them there
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
			if _, err := w.Write(encodeTrailerFrame(event.Fields)); err != nil {
				return Error.Wrap(err)
			}
			flush(w)
			return nil
		}
	}
}
