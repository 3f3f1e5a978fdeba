// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package trac

import (
	"encoding/json"
	"regexp"
	"time"

	"tracdap.io/tracdap/pkg/tracerr"
)

// BasicType enumerates the primitive and composite attribute value types.
type BasicType string

const (
	TypeBoolean  BasicType = "BOOLEAN"
	TypeInteger  BasicType = "INTEGER"
	TypeFloat    BasicType = "FLOAT"
	TypeDecimal  BasicType = "DECIMAL"
	TypeString   BasicType = "STRING"
	TypeDate     BasicType = "DATE"
	TypeDatetime BasicType = "DATETIME"
	TypeArray    BasicType = "ARRAY"
	TypeMap      BasicType = "MAP"
)

// Primitive reports whether the type is a scalar.
func (t BasicType) Primitive() bool {
	switch t {
	case TypeBoolean, TypeInteger, TypeFloat, TypeDecimal,
		TypeString, TypeDate, TypeDatetime:
		return true
	}
	return false
}

// TypeDescriptor describes a value type. Arrays carry the element type in
// Item, maps carry the entry value type in Entry; both nest to any depth.
type TypeDescriptor struct {
	Basic BasicType       `json:"basic"`
	Item  *TypeDescriptor `json:"item,omitempty"`
	Entry *TypeDescriptor `json:"entry,omitempty"`
}

// Equal reports whether two descriptors describe the same type.
func (td TypeDescriptor) Equal(other TypeDescriptor) bool {
	if td.Basic != other.Basic {
		return false
	}
	if (td.Item == nil) != (other.Item == nil) {
		return false
	}
	if td.Item != nil && !td.Item.Equal(*other.Item) {
		return false
	}
	if (td.Entry == nil) != (other.Entry == nil) {
		return false
	}
	if td.Entry != nil && !td.Entry.Equal(*other.Entry) {
		return false
	}
	return true
}

// Value is a typed attribute value. Exactly one of the value fields is set
// and it must agree with the type descriptor; Validate enforces the match.
type Value struct {
	Type          TypeDescriptor   `json:"type"`
	BooleanValue  *bool            `json:"booleanValue,omitempty"`
	IntegerValue  *int64           `json:"integerValue,omitempty"`
	FloatValue    *float64         `json:"floatValue,omitempty"`
	DecimalValue  *string          `json:"decimalValue,omitempty"`
	StringValue   *string          `json:"stringValue,omitempty"`
	DateValue     *string          `json:"dateValue,omitempty"`
	DatetimeValue *time.Time       `json:"datetimeValue,omitempty"`
	ArrayValue    []Value          `json:"arrayValue,omitempty"`
	MapValue      map[string]Value `json:"mapValue,omitempty"`
}

// Bool makes a BOOLEAN value.
func Bool(v bool) Value {
	return Value{Type: TypeDescriptor{Basic: TypeBoolean}, BooleanValue: &v}
}

// Int makes an INTEGER value.
func Int(v int64) Value {
	return Value{Type: TypeDescriptor{Basic: TypeInteger}, IntegerValue: &v}
}

// Float makes a FLOAT value.
func Float(v float64) Value {
	return Value{Type: TypeDescriptor{Basic: TypeFloat}, FloatValue: &v}
}

// Decimal makes a DECIMAL value from its string form.
func Decimal(v string) Value {
	return Value{Type: TypeDescriptor{Basic: TypeDecimal}, DecimalValue: &v}
}

// String makes a STRING value.
func String(v string) Value {
	return Value{Type: TypeDescriptor{Basic: TypeString}, StringValue: &v}
}

// Date makes a DATE value from an ISO-8601 date.
func Date(v string) Value {
	return Value{Type: TypeDescriptor{Basic: TypeDate}, DateValue: &v}
}

// Datetime makes a DATETIME value.
func Datetime(v time.Time) Value {
	return Value{Type: TypeDescriptor{Basic: TypeDatetime}, DatetimeValue: &v}
}

// Array makes an ARRAY value. Every item must share the first item's type;
// Validate reports the mismatch otherwise.
func Array(items ...Value) Value {
	td := TypeDescriptor{Basic: TypeArray}
	if len(items) > 0 {
		item := items[0].Type
		td.Item = &item
	}
	if items == nil {
		items = []Value{}
	}
	return Value{Type: td, ArrayValue: items}
}

// Map makes a MAP value. Every entry must share one value type.
func Map(entries map[string]Value) Value {
	td := TypeDescriptor{Basic: TypeMap}
	for _, v := range entries {
		entry := v.Type
		td.Entry = &entry
		break
	}
	return Value{Type: td, MapValue: entries}
}

// UnmarshalJSON restores the empty composites that omitempty drops on the
// wire: an ARRAY value with no items still carries a non-nil ArrayValue and
// a MAP value with no entries a non-nil MapValue, so decoded values satisfy
// Validate and compare equal to the values that produced them.
func (v *Value) UnmarshalJSON(data []byte) error {
	type plain Value
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*v = Value(decoded)
	if v.Type.Basic == TypeArray && v.ArrayValue == nil {
		v.ArrayValue = []Value{}
	}
	if v.Type.Basic == TypeMap && v.MapValue == nil {
		v.MapValue = map[string]Value{}
	}
	return nil
}

var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Validate checks that the runtime shape of the value matches its type
// descriptor, recursively for arrays and maps.
func (v Value) Validate() error {
	switch v.Type.Basic {
	case TypeBoolean:
		if v.BooleanValue == nil {
			return valueShapeError(TypeBoolean)
		}
	case TypeInteger:
		if v.IntegerValue == nil {
			return valueShapeError(TypeInteger)
		}
	case TypeFloat:
		if v.FloatValue == nil {
			return valueShapeError(TypeFloat)
		}
	case TypeDecimal:
		if v.DecimalValue == nil {
			return valueShapeError(TypeDecimal)
		}
		if !decimalPattern.MatchString(*v.DecimalValue) {
			return tracerr.New(tracerr.Validation, "invalid decimal %q", *v.DecimalValue)
		}
	case TypeString:
		if v.StringValue == nil {
			return valueShapeError(TypeString)
		}
	case TypeDate:
		if v.DateValue == nil {
			return valueShapeError(TypeDate)
		}
		if _, err := time.Parse("2006-01-02", *v.DateValue); err != nil {
			return tracerr.New(tracerr.Validation, "invalid date %q", *v.DateValue)
		}
	case TypeDatetime:
		if v.DatetimeValue == nil {
			return valueShapeError(TypeDatetime)
		}
	case TypeArray:
		if v.ArrayValue == nil {
			return valueShapeError(TypeArray)
		}
		if v.Type.Item == nil && len(v.ArrayValue) > 0 {
			return tracerr.New(tracerr.Validation, "array value has no item type")
		}
		for i, item := range v.ArrayValue {
			if !item.Type.Equal(*v.Type.Item) {
				return tracerr.New(tracerr.Validation,
					"array item %d does not match the declared item type", i)
			}
			if err := item.Validate(); err != nil {
				return err
			}
		}
	case TypeMap:
		if v.MapValue == nil {
			return valueShapeError(TypeMap)
		}
		if v.Type.Entry == nil && len(v.MapValue) > 0 {
			return tracerr.New(tracerr.Validation, "map value has no entry type")
		}
		for key, entry := range v.MapValue {
			if key == "" {
				return tracerr.New(tracerr.Validation, "map value has an empty key")
			}
			if !entry.Type.Equal(*v.Type.Entry) {
				return tracerr.New(tracerr.Validation,
					"map entry %q does not match the declared entry type", key)
			}
			if err := entry.Validate(); err != nil {
				return err
			}
		}
	default:
		return tracerr.New(tracerr.Validation, "unknown value type %q", string(v.Type.Basic))
	}
	return nil
}

func valueShapeError(expected BasicType) error {
	return tracerr.New(tracerr.Validation,
		"value does not carry its declared %s content", string(expected))
}
