// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package translate

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/gateway/routing"
	"tracdap.io/tracdap/pkg/rpc"
)

// Rest translates a json rest call into the unary grpc method named by
// the route binding. Path captures, query parameters and the request
// body assemble into one json request message; the response message
// passes back as the response body, with grpc errors mapped onto http
// status codes.
func Rest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *backend.Conn, binding *routing.Binding) (err error) {
	defer mon.Task()(&ctx)(&err)

	captures, ok := binding.Match(r.Method, r.URL.Path)
	if !ok {
		RestError(w, http.StatusNotFound, "request does not match the route")
		return nil
	}

	tree, ok := buildRequestTree(w, r, binding, captures)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(tree)
	if err != nil {
		RestError(w, http.StatusInternalServerError, "request could not be encoded")
		return Error.Wrap(err)
	}

	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)

	fields := []hpack.HeaderField{
		backend.Field(":method", http.MethodPost),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", r.Host),
		backend.Field(":path", binding.RPC),
		backend.Field("content-type", "application/grpc+json"),
		backend.Field("te", "trailers"),
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "trac") {
			continue
		}
		for _, value := range values {
			fields = append(fields, backend.Field(lower, value))
		}
	}

	stream, err := conn.OpenStream(ctx, fields, false)
	if err != nil {
		RestError(w, http.StatusBadGateway, "upstream service unavailable")
		return err
	}
	defer stream.Close()

	// a write failure is not conclusive, the upstream may have rejected
	// the call before reading the request; the response loop reports
	_ = stream.Write(ctx, frame, true)

	var body []byte
	for {
		event, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				RestError(w, http.StatusBadGateway, "upstream response was incomplete")
				return nil
			}
			RestError(w, http.StatusBadGateway, "upstream service unavailable")
			return err
		}

		switch event.Kind {
		case backend.EventHeaders:
			if event.End {
				renderResponse(w, event.Fields, nil)
				return nil
			}
		case backend.EventData:
			body = append(body, event.Data...)
		case backend.EventTrailers:
			renderResponse(w, event.Fields, body)
			return nil
		}
	}
}

// buildRequestTree assembles the request message from the body, query
// parameters, path captures and route presets, in that order so the
// more specific sources win. It writes the http error itself and
// reports ok false when the request is malformed.
func buildRequestTree(w http.ResponseWriter, r *http.Request, binding *routing.Binding, captures map[string]string) (map[string]interface{}, bool) {
	tree := make(map[string]interface{})

	switch binding.Body {
	case "":
	case "*":
		if err := json.NewDecoder(r.Body).Decode(&tree); err != nil && !errors.Is(err, io.EOF) {
			RestError(w, http.StatusBadRequest, "invalid json in request body")
			return nil, false
		}
	default:
		var value interface{}
		if err := json.NewDecoder(r.Body).Decode(&value); err != nil && !errors.Is(err, io.EOF) {
			RestError(w, http.StatusBadRequest, "invalid json in request body")
			return nil, false
		}
		if value != nil {
			if err := assign(tree, binding.Body, value); err != nil {
				RestError(w, http.StatusBadRequest, "request body conflicts with the route")
				return nil, false
			}
		}
	}

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value, err := coerce(binding.Kind(key), values[0])
		if err != nil {
			RestError(w, http.StatusBadRequest, fmt.Sprintf("invalid value for query parameter %s", key))
			return nil, false
		}
		if err := assign(tree, key, value); err != nil {
			RestError(w, http.StatusBadRequest, fmt.Sprintf("query parameter %s conflicts with the request", key))
			return nil, false
		}
	}

	for field, raw := range captures {
		value, err := coerce(binding.Kind(field), raw)
		if err != nil {
			RestError(w, http.StatusBadRequest, fmt.Sprintf("invalid value for path field %s", field))
			return nil, false
		}
		if err := assign(tree, field, value); err != nil {
			RestError(w, http.StatusBadRequest, fmt.Sprintf("path field %s conflicts with the request", field))
			return nil, false
		}
	}

	for field, value := range binding.Preset {
		if err := assign(tree, field, value); err != nil {
			RestError(w, http.StatusBadRequest, fmt.Sprintf("field %s conflicts with the request", field))
			return nil, false
		}
	}

	return tree, true
}

// assign places value at a dotted field path, creating intermediate
// objects along the way.
func assign(tree map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := make(map[string]interface{})
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return Error.New("field %s is not an object", part)
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// coerce converts a raw path or query value to the declared field
// type. Enums match case insensitively; the platform declares enum
// constants in upper case.
func coerce(kind routing.FieldKind, raw string) (interface{}, error) {
	switch kind {
	case routing.FieldInt:
		value, err := strconv.ParseInt(raw, 10, 64)
		return value, Error.Wrap(err)
	case routing.FieldBool:
		value, err := strconv.ParseBool(raw)
		return value, Error.Wrap(err)
	case routing.FieldEnum:
		return strings.ToUpper(raw), nil
	default:
		return raw, nil
	}
}

// renderResponse maps the final grpc status onto an http response. A
// zero status returns the decoded response message, anything else
// renders a json error with the mapped http status code.
func renderResponse(w http.ResponseWriter, fields []hpack.HeaderField, body []byte) {
	status := backend.FieldValue(fields, "grpc-status")
	code, err := strconv.Atoi(status)
	if err != nil {
		RestError(w, http.StatusBadGateway, "upstream response had no grpc status")
		return
	}

	if code != int(codes.OK) {
		message := decodeGrpcMessage(backend.FieldValue(fields, "grpc-message"))
		if message == "" {
			message = codes.Code(code).String()
		}
		RestError(w, rpc.HTTPStatusFromCode(codes.Code(code)), message)
		return
	}

	message, ok := firstMessage(body)
	if !ok {
		RestError(w, http.StatusBadGateway, "upstream response was malformed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(message)
}

// firstMessage unwraps the first message from a grpc response body:
// a flag byte, a 4 byte big endian length, then the json payload.
func firstMessage(body []byte) ([]byte, bool) {
	if len(body) == 0 {
		return []byte("{}"), true
	}
	if len(body) < 5 || body[0] != 0 {
		return nil, false
	}
	size := binary.BigEndian.Uint32(body[1:5])
	if uint32(len(body)-5) < size {
		return nil, false
	}
	return body[5 : 5+size], true
}

// RestError writes a json error response.
func RestError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
