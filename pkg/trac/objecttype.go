// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package trac defines the core metadata model: object types, tag headers,
// selectors and typed attribute values. These types are shared by the
// services and by the wire messages, which are encoded as JSON.
package trac

import (
	"tracdap.io/tracdap/pkg/tracerr"
)

// ObjectType is the closed set of object kinds held in the metadata store.
// An object's type is fixed at creation and never changes.
type ObjectType string

const (
	ObjectData     ObjectType = "DATA"
	ObjectModel    ObjectType = "MODEL"
	ObjectFlow     ObjectType = "FLOW"
	ObjectJob      ObjectType = "JOB"
	ObjectFile     ObjectType = "FILE"
	ObjectStorage  ObjectType = "STORAGE"
	ObjectSchema   ObjectType = "SCHEMA"
	ObjectConfig   ObjectType = "CONFIG"
	ObjectResource ObjectType = "RESOURCE"
	ObjectCustom   ObjectType = "CUSTOM"
)

// ObjectTypes lists every valid object type in declaration order.
var ObjectTypes = []ObjectType{
	ObjectData, ObjectModel, ObjectFlow, ObjectJob, ObjectFile,
	ObjectStorage, ObjectSchema, ObjectConfig, ObjectResource, ObjectCustom,
}

// Valid reports whether the object type is a member of the closed set.
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectData, ObjectModel, ObjectFlow, ObjectJob, ObjectFile,
		ObjectStorage, ObjectSchema, ObjectConfig, ObjectResource, ObjectCustom:
		return true
	}
	return false
}

// Verify returns a validation error for object types outside the closed set.
func (t ObjectType) Verify() error {
	if t == "" {
		return tracerr.New(tracerr.Validation, "object type is missing")
	}
	if !t.Valid() {
		return tracerr.New(tracerr.Validation, "unknown object type %q", string(t))
	}
	return nil
}

// PublicWriteTypes lists the object types a public API caller may create or
// update. Every other type is reserved to trusted internal callers.
var PublicWriteTypes = []ObjectType{ObjectFlow, ObjectCustom}

// PublicWritable reports whether public API callers may write this type.
func (t ObjectType) PublicWritable() bool {
	for _, pt := range PublicWriteTypes {
		if t == pt {
			return true
		}
	}
	return false
}
