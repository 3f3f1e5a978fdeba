// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package rpc carries service calls over gRPC with a JSON codec, so wire
// messages are the plain structs from pkg/trac and the service packages
// rather than generated protos. It also holds the one boundary that maps
// the error taxonomy onto wire status codes.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName selects the JSON codec on a call. On the wire the content
// subtype becomes application/grpc+json.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

// CallOption selects the JSON codec on outgoing calls. Every generated
// client in rpc/api bakes this into its invocations.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
