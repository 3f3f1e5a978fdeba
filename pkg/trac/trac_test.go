// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package trac_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

func TestObjectTypeVerify(t *testing.T) {
	for _, objectType := range trac.ObjectTypes {
		require.NoError(t, objectType.Verify())
	}
	require.Error(t, trac.ObjectType("").Verify())
	require.Error(t, trac.ObjectType("WIDGET").Verify())
	require.Equal(t, tracerr.Validation, tracerr.KindOf(trac.ObjectType("WIDGET").Verify()))
}

func TestPublicWritable(t *testing.T) {
	require.True(t, trac.ObjectFlow.PublicWritable())
	require.True(t, trac.ObjectCustom.PublicWritable())
	require.False(t, trac.ObjectData.PublicWritable())
	require.False(t, trac.ObjectModel.PublicWritable())
	require.False(t, trac.ObjectConfig.PublicWritable())
}

func TestSelectorVerify(t *testing.T) {
	id := uuid.New()

	require.NoError(t, trac.LatestSelector(trac.ObjectData, id).Verify())
	require.NoError(t, trac.TagSelector{
		ObjectType: trac.ObjectData, ObjectID: id,
		ObjectVersion: 2, TagVersion: 1,
	}.Verify())
	require.NoError(t, trac.TagSelector{
		ObjectType: trac.ObjectData, ObjectID: id,
		ObjectVersion: 2, LatestTag: true,
	}.Verify())

	require.Error(t, trac.TagSelector{ObjectType: trac.ObjectData}.Verify())
	require.Error(t, trac.TagSelector{
		ObjectType: trac.ObjectData, ObjectID: id, LatestTag: true,
	}.Verify())
	require.Error(t, trac.TagSelector{
		ObjectType: trac.ObjectData, ObjectID: id, ObjectVersion: 1,
	}.Verify())
}

func TestHeaderSelector(t *testing.T) {
	header := trac.TagHeader{
		ObjectType:    trac.ObjectModel,
		ObjectID:      uuid.New(),
		ObjectVersion: 3,
		TagVersion:    2,
	}
	selector := header.Selector()
	require.NoError(t, selector.Verify())
	require.Equal(t, header.ObjectID, selector.ObjectID)
	require.Equal(t, 3, selector.ObjectVersion)
	require.Equal(t, 2, selector.TagVersion)
	require.False(t, selector.LatestObject)
}

func TestValueValidate(t *testing.T) {
	valid := []trac.Value{
		trac.Bool(true),
		trac.Int(42),
		trac.Float(2.5),
		trac.Decimal("-10.25"),
		trac.String("alice"),
		trac.Date("2025-03-14"),
		trac.Datetime(time.Now()),
		trac.Array(trac.Int(1), trac.Int(2), trac.Int(3)),
		trac.Array(),
		trac.Map(map[string]trac.Value{"a": trac.String("x"), "b": trac.String("y")}),
		trac.Array(trac.Array(trac.String("deep"))),
	}
	for _, v := range valid {
		require.NoError(t, v.Validate())
	}

	invalid := []trac.Value{
		{Type: trac.TypeDescriptor{Basic: trac.TypeBoolean}},
		trac.Decimal("12.3.4"),
		trac.Date("14/03/2025"),
		trac.Array(trac.Int(1), trac.String("two")),
		{Type: trac.TypeDescriptor{Basic: "TENSOR"}},
	}
	for _, v := range invalid {
		err := v.Validate()
		require.Error(t, err)
		require.Equal(t, tracerr.Validation, tracerr.KindOf(err))
	}

	mixed := trac.Map(map[string]trac.Value{"n": trac.Int(1)})
	mixed.MapValue["s"] = trac.String("oops")
	require.Error(t, mixed.Validate())
}

func TestValueJSONRoundTrip(t *testing.T) {
	values := []trac.Value{
		trac.Map(map[string]trac.Value{
			"counts": trac.Array(trac.Int(1), trac.Int(2)),
		}),
		trac.Array(),
		trac.Map(map[string]trac.Value{}),
		trac.Array(trac.Array(), trac.Array()),
	}

	for _, original := range values {
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded trac.Value
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.NoError(t, decoded.Validate())
		require.Equal(t, original, decoded)
	}
}

func TestAttrNames(t *testing.T) {
	require.True(t, trac.ValidAttrName("owner"))
	require.True(t, trac.ValidAttrName("_x9"))
	require.False(t, trac.ValidAttrName("9lives"))
	require.False(t, trac.ValidAttrName("dotted.name"))
	require.False(t, trac.ValidAttrName(""))

	require.True(t, trac.ReservedAttrName("trac_name"))
	require.True(t, trac.ReservedAttrName("TRAC_NAME"))
	require.False(t, trac.ReservedAttrName("tracker"))

	require.True(t, trac.ControlledAttrName(trac.AttrSchemaID))
	require.False(t, trac.ControlledAttrName("trac_internal_thing"))
}

func TestValidateAttrs(t *testing.T) {
	public := map[string]trac.Value{"owner": trac.String("alice")}
	require.NoError(t, trac.ValidateAttrs(public, false))

	reserved := map[string]trac.Value{trac.AttrName: trac.String("report.csv")}
	err := trac.ValidateAttrs(reserved, false)
	require.Error(t, err)
	require.Equal(t, tracerr.Validation, tracerr.KindOf(err))
	require.NoError(t, trac.ValidateAttrs(reserved, true))

	uncontrolled := map[string]trac.Value{"trac_secret": trac.String("no")}
	require.Error(t, trac.ValidateAttrs(uncontrolled, true))

	badValue := map[string]trac.Value{"owner": trac.Decimal("NaN")}
	require.Error(t, trac.ValidateAttrs(badValue, false))
}

func TestDefinitionVerify(t *testing.T) {
	def := &trac.ObjectDefinition{
		ObjectType: trac.ObjectSchema,
		Schema: &trac.SchemaDefinition{
			SchemaType: "TABLE",
			Table: &trac.TableSchema{Fields: []trac.FieldSchema{
				{FieldName: "id", FieldType: trac.TypeInteger, NotNull: true},
				{FieldName: "name", FieldType: trac.TypeString},
			}},
		},
	}
	require.NoError(t, def.Verify())

	require.Error(t, (*trac.ObjectDefinition)(nil).Verify())
	require.Error(t, (&trac.ObjectDefinition{ObjectType: trac.ObjectSchema}).Verify())

	twoBodies := &trac.ObjectDefinition{
		ObjectType: trac.ObjectSchema,
		Schema:     def.Schema,
		Config:     &trac.ConfigDefinition{ConfigType: "app"},
	}
	require.Error(t, twoBodies.Verify())

	mismatch := &trac.ObjectDefinition{
		ObjectType: trac.ObjectData,
		Schema:     def.Schema,
	}
	require.Error(t, mismatch.Verify())
}
