// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package translate bridges the client protocols the gateway accepts
// onto backend grpc streams. Each translator owns one proxied call:
// it builds the upstream header block, relays the request body, and
// renders the response events back in the client's protocol.
package translate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
)

var (
	// Error is the default error class for the translate package.
	Error = errs.Class("translate")

	mon = monkit.Package()
)

// trailerFlag marks a length prefixed frame as carrying trailers
// rather than message data, per the grpc-web wire format.
const trailerFlag = 0x80

// hopHeaders are connection level headers that never travel upstream.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// connectionDrop returns the extra header names listed in the
// Connection header, which are hop by hop as well.
func connectionDrop(header http.Header) map[string]bool {
	drop := make(map[string]bool)
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				drop[strings.ToLower(token)] = true
			}
		}
	}
	return drop
}

// copyHeaderFields appends the forwardable request headers to fields,
// skipping hop by hop headers and any names in skip.
func copyHeaderFields(fields []hpack.HeaderField, header http.Header, skip map[string]bool) []hpack.HeaderField {
	drop := connectionDrop(header)
	for name, values := range header {
		lower := strings.ToLower(name)
		if hopHeaders[lower] || drop[lower] || skip[lower] {
			continue
		}
		for _, value := range values {
			fields = append(fields, backend.Field(lower, value))
		}
	}
	return fields
}

// applyResponseFields copies response fields onto a ResponseWriter
// header and returns the http status code.
func applyResponseFields(w http.ResponseWriter, fields []hpack.HeaderField) int {
	status := http.StatusOK
	for _, field := range fields {
		if field.Name == ":status" {
			if code, err := strconv.Atoi(field.Value); err == nil {
				status = code
			}
			continue
		}
		if strings.HasPrefix(field.Name, ":") {
			continue
		}
		w.Header().Add(field.Name, field.Value)
	}
	return status
}

// encodeTrailerFrame collapses grpc trailers into a length prefixed
// trailer frame: one flag byte with the MSB set, a 4 byte big endian
// length, then http/1 style "name: value" lines.
func encodeTrailerFrame(fields []hpack.HeaderField) []byte {
	var body bytes.Buffer
	for _, field := range fields {
		if strings.HasPrefix(field.Name, ":") {
			continue
		}
		body.WriteString(field.Name)
		body.WriteString(": ")
		body.WriteString(field.Value)
		body.WriteString("\r\n")
	}

	frame := make([]byte, 5, 5+body.Len())
	frame[0] = trailerFlag
	binary.BigEndian.PutUint32(frame[1:5], uint32(body.Len()))
	return append(frame, body.Bytes()...)
}

// relayRequestBody copies the request body onto the upstream stream,
// half closing the stream at the end of the body.
func relayRequestBody(ctx context.Context, stream *backend.Stream, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		end := errors.Is(readErr, io.EOF)
		if n > 0 || end {
			if err := stream.Write(ctx, buf[:n], end); err != nil {
				return err
			}
		}
		if readErr != nil {
			if end {
				return nil
			}
			return Error.Wrap(readErr)
		}
	}
}

// decodeGrpcMessage undoes the percent encoding grpc applies to
// status messages. Malformed encodings come back unchanged.
func decodeGrpcMessage(message string) string {
	if decoded, err := url.PathUnescape(message); err == nil {
		return decoded
	}
	return message
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
