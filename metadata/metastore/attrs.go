// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"database/sql"
	"encoding/json"

	"tracdap.io/tracdap/pkg/trac"
)

// Attribute storage: primitive values take one row with the matching typed
// column and attr_index = -1; arrays of primitives take one row per item
// with attr_index 0..n-1. Maps, nested composites and empty arrays are kept
// whole in value_json, so any depth the model allows survives a round trip.

const (
	attrTypeJSON     = "JSON"
	singleValueIndex = -1
)

type attrRow struct {
	name     string
	atype    string
	index    int
	boolean  sql.NullBool
	integer  sql.NullInt64
	float    sql.NullFloat64
	decimal  sql.NullString
	str      sql.NullString
	date     sql.NullString
	datetime sql.NullTime
	jsonText sql.NullString
}

func encodeAttr(name string, value trac.Value) ([]attrRow, error) {
	basic := value.Type.Basic

	if basic.Primitive() {
		row := attrRow{name: name, atype: string(basic), index: singleValueIndex}
		if err := encodePrimitive(&row, value); err != nil {
			return nil, err
		}
		return []attrRow{row}, nil
	}

	if basic == trac.TypeArray && value.Type.Item != nil &&
		value.Type.Item.Basic.Primitive() && len(value.ArrayValue) > 0 {
		rows := make([]attrRow, 0, len(value.ArrayValue))
		for i, item := range value.ArrayValue {
			row := attrRow{name: name, atype: string(value.Type.Item.Basic), index: i}
			if err := encodePrimitive(&row, item); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	// maps, nested composites and empty arrays keep their full shape as JSON
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return []attrRow{{
		name:     name,
		atype:    attrTypeJSON,
		index:    singleValueIndex,
		jsonText: sql.NullString{String: string(encoded), Valid: true},
	}}, nil
}

func encodePrimitive(row *attrRow, value trac.Value) error {
	switch value.Type.Basic {
	case trac.TypeBoolean:
		row.boolean = sql.NullBool{Bool: *value.BooleanValue, Valid: true}
	case trac.TypeInteger:
		row.integer = sql.NullInt64{Int64: *value.IntegerValue, Valid: true}
	case trac.TypeFloat:
		row.float = sql.NullFloat64{Float64: *value.FloatValue, Valid: true}
	case trac.TypeDecimal:
		row.decimal = sql.NullString{String: *value.DecimalValue, Valid: true}
	case trac.TypeString:
		row.str = sql.NullString{String: *value.StringValue, Valid: true}
	case trac.TypeDate:
		row.date = sql.NullString{String: *value.DateValue, Valid: true}
	case trac.TypeDatetime:
		row.datetime = sql.NullTime{Time: value.DatetimeValue.UTC(), Valid: true}
	default:
		return Error.New("attribute %q has non-primitive type %s in a primitive row",
			row.name, value.Type.Basic)
	}
	return nil
}

func decodePrimitive(row attrRow) (trac.Value, error) {
	switch trac.BasicType(row.atype) {
	case trac.TypeBoolean:
		if row.boolean.Valid {
			return trac.Bool(row.boolean.Bool), nil
		}
	case trac.TypeInteger:
		if row.integer.Valid {
			return trac.Int(row.integer.Int64), nil
		}
	case trac.TypeFloat:
		if row.float.Valid {
			return trac.Float(row.float.Float64), nil
		}
	case trac.TypeDecimal:
		if row.decimal.Valid {
			return trac.Decimal(row.decimal.String), nil
		}
	case trac.TypeString:
		if row.str.Valid {
			return trac.String(row.str.String), nil
		}
	case trac.TypeDate:
		if row.date.Valid {
			return trac.Date(row.date.String), nil
		}
	case trac.TypeDatetime:
		if row.datetime.Valid {
			return trac.Datetime(row.datetime.Time.UTC()), nil
		}
	}
	return trac.Value{}, Error.New("attribute %q row of type %s has no value",
		row.name, row.atype)
}

// decodeAttrRows rebuilds the attribute map from rows ordered by
// (attr_name, attr_index).
func decodeAttrRows(rows []attrRow) (map[string]trac.Value, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	attrs := make(map[string]trac.Value)

	flush := func(name string, group []attrRow) error {
		if len(group) == 1 && group[0].index == singleValueIndex {
			row := group[0]
			if row.atype == attrTypeJSON {
				if !row.jsonText.Valid {
					return Error.New("attribute %q json row has no value", name)
				}
				var value trac.Value
				if err := json.Unmarshal([]byte(row.jsonText.String), &value); err != nil {
					return Error.New("attribute %q does not decode: %w", name, err)
				}
				attrs[name] = value
				return nil
			}
			value, err := decodePrimitive(row)
			if err != nil {
				return err
			}
			attrs[name] = value
			return nil
		}

		items := make([]trac.Value, 0, len(group))
		for _, row := range group {
			value, err := decodePrimitive(row)
			if err != nil {
				return err
			}
			items = append(items, value)
		}
		attrs[name] = trac.Array(items...)
		return nil
	}

	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || rows[i].name != rows[start].name {
			if err := flush(rows[start].name, rows[start:i]); err != nil {
				return nil, err
			}
			start = i
		}
	}
	return attrs, nil
}
