// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package trac

import (
	"regexp"
	"strings"

	"tracdap.io/tracdap/pkg/tracerr"
)

// Tag couples one object version with a set of named, typed attributes.
// A tag with a nil definition is a delete marker for the object version.
type Tag struct {
	Header     *TagHeader        `json:"header"`
	Definition *ObjectDefinition `json:"definition,omitempty"`
	Attrs      map[string]Value  `json:"attrs,omitempty"`
}

// ReservedAttrPrefix marks attribute names owned by the platform. Public
// API callers can never write them; trusted callers may write the
// controlled subset.
const ReservedAttrPrefix = "trac_"

// Controlled attributes the trusted API stamps on the caller's behalf.
const (
	AttrName           = "trac_name"
	AttrExtension      = "trac_extension"
	AttrSize           = "trac_size"
	AttrMimeType       = "trac_mime_type"
	AttrStorageObject  = "trac_storage_object"
	AttrSchemaID       = "trac_schema_id"
	AttrCreateUserID   = "trac_create_user_id"
	AttrCreateUserName = "trac_create_user_name"
	AttrUpdateUserID   = "trac_update_user_id"
	AttrUpdateUserName = "trac_update_user_name"
)

var attrNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidAttrName reports whether name is a well-formed attribute name.
func ValidAttrName(name string) bool {
	return attrNamePattern.MatchString(name)
}

// ReservedAttrName reports whether name is in the platform-owned namespace.
func ReservedAttrName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), ReservedAttrPrefix)
}

var controlledAttrs = map[string]bool{
	AttrName:           true,
	AttrExtension:      true,
	AttrSize:           true,
	AttrMimeType:       true,
	AttrStorageObject:  true,
	AttrSchemaID:       true,
	AttrCreateUserID:   true,
	AttrCreateUserName: true,
	AttrUpdateUserID:   true,
	AttrUpdateUserName: true,
}

// ControlledAttrName reports whether a reserved name is one the trusted API
// may write.
func ControlledAttrName(name string) bool {
	return controlledAttrs[strings.ToLower(name)]
}

// ValidateAttrs checks every attribute name and value. With trusted unset
// any reserved name is rejected; with trusted set, reserved names must be
// in the controlled list.
func ValidateAttrs(attrs map[string]Value, trusted bool) error {
	for name, value := range attrs {
		if !ValidAttrName(name) {
			return tracerr.New(tracerr.Validation, "invalid attribute name %q", name)
		}
		if ReservedAttrName(name) {
			if !trusted {
				return tracerr.New(tracerr.Validation,
					"attribute name %q uses the reserved %s prefix", name, ReservedAttrPrefix)
			}
			if !ControlledAttrName(name) {
				return tracerr.New(tracerr.Validation,
					"reserved attribute %q is not writable", name)
			}
		}
		if err := value.Validate(); err != nil {
			return tracerr.Wrap(tracerr.Validation,
				attrValueError{name: name, err: err})
		}
	}
	return nil
}

type attrValueError struct {
	name string
	err  error
}

func (e attrValueError) Error() string { return "attribute " + e.name + ": " + e.err.Error() }
func (e attrValueError) Unwrap() error { return e.err }
