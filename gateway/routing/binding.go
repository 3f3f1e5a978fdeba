// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package routing

import (
	"strings"
)

// FieldKind says how a captured path or query value is coerced before it
// is assigned into the request message. Values arrive as strings; the
// upstream expects typed JSON.
type FieldKind int

const (
	// FieldString passes the value through unchanged.
	FieldString FieldKind = iota
	// FieldInt parses the value as a decimal integer.
	FieldInt
	// FieldBool parses the value as a boolean.
	FieldBool
	// FieldEnum upper-cases the value, so enum names match regardless of
	// the case the caller used.
	FieldEnum
)

// Binding maps one REST endpoint onto one upstream unary RPC. Template
// segments in braces capture path values into message fields addressed
// by dotted names; query parameters assign the same way. Body says where
// the request body lands: empty for no body, "*" to use the body as the
// message itself, or a dotted field name.
type Binding struct {
	Method   string
	Template string
	RPC      string // full method path, "/service/Method"
	Body     string

	// Fields gives the coercion for captured and query fields; fields
	// not listed stay strings.
	Fields map[string]FieldKind

	// Preset fields are assigned on every match, before captures. They
	// express template literals like a trailing "latest".
	Preset map[string]interface{}

	segments []segment
}

// segment is one path element: a literal, or a capture into field.
type segment struct {
	literal string
	field   string
}

// compile parses the template into matchable segments.
func (b Binding) compile() (*Binding, error) {
	if b.Method == "" || b.RPC == "" {
		return nil, Error.New("binding for %q needs a method and an rpc", b.Template)
	}
	if !strings.HasPrefix(b.Template, "/") {
		return nil, Error.New("binding template %q must start with /", b.Template)
	}

	parts := strings.Split(strings.TrimPrefix(b.Template, "/"), "/")
	b.segments = make([]segment, 0, len(parts))
	for _, part := range parts {
		switch {
		case part == "":
			return nil, Error.New("binding template %q has an empty segment", b.Template)
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			field := part[1 : len(part)-1]
			if field == "" {
				return nil, Error.New("binding template %q has an empty capture", b.Template)
			}
			b.segments = append(b.segments, segment{field: field})
		case strings.ContainsAny(part, "{}"):
			return nil, Error.New("binding template %q mixes literal and capture in %q", b.Template, part)
		default:
			b.segments = append(b.segments, segment{literal: part})
		}
	}
	return &b, nil
}

// Match tests a request line against the template and returns the path
// captures by field name.
func (b *Binding) Match(method, path string) (map[string]string, bool) {
	if method != b.Method || !strings.HasPrefix(path, "/") {
		return nil, false
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != len(b.segments) {
		return nil, false
	}

	var captures map[string]string
	for i, seg := range b.segments {
		if seg.field == "" {
			if parts[i] != seg.literal {
				return nil, false
			}
			continue
		}
		if parts[i] == "" {
			return nil, false
		}
		if captures == nil {
			captures = make(map[string]string, len(b.segments))
		}
		captures[seg.field] = parts[i]
	}
	return captures, true
}

// Kind reports the coercion for a dotted field name.
func (b *Binding) Kind(field string) FieldKind {
	return b.Fields[field]
}
