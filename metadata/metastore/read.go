// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/zeebo/errs"

	"tracdap.io/tracdap/internal/dbutil/dialect"
	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// LoadObject contains arguments for loading one tag.
type LoadObject struct {
	Tenant   string
	Selector trac.TagSelector
}

// Verify verifies request fields.
func (opts *LoadObject) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	return opts.Selector.Verify()
}

// LoadObject resolves one selector to its tag: header, definition and the
// full attribute map. Latest wildcards resolve to the current latest
// pointers; an object whose latest version is a delete marker is hidden
// from latest queries.
func (db *DB) LoadObject(ctx context.Context, opts LoadObject) (_ trac.Tag, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return trac.Tag{}, err
	}

	tenantPK, err := db.tenantPK(ctx, db.db, opts.Tenant)
	if err != nil {
		return trac.Tag{}, err
	}

	resolved, err := db.resolveSelector(ctx, db.db, tenantPK, opts.Selector)
	if err != nil {
		return trac.Tag{}, err
	}

	rows, err := db.queryAttrRows(ctx, db.db, tenantPK, resolved.tagPK)
	if err != nil {
		return trac.Tag{}, err
	}
	attrs, err := decodeAttrRows(rows)
	if err != nil {
		return trac.Tag{}, err
	}

	return assembleTag(resolved, attrs)
}

// LoadObjects contains arguments for loading a batch of tags.
type LoadObjects struct {
	Tenant    string
	Selectors []trac.TagSelector
}

// Verify verifies request fields.
func (opts *LoadObjects) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Selectors) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no selectors")
	}
	for i := range opts.Selectors {
		if err := opts.Selectors[i].Verify(); err != nil {
			return err
		}
	}
	return nil
}

// LoadObjects resolves a batch of selectors in one transaction, returning
// tags in caller order. Attribute rows for the whole batch come back in a
// single query keyed through the transaction-scoped mapping table; any
// selector that fails to resolve fails the batch.
func (db *DB) LoadObjects(ctx context.Context, opts LoadObjects) (tags []trac.Tag, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	tags = make([]trac.Tag, len(opts.Selectors))

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}

		resolved := make([]resolvedTag, len(opts.Selectors))
		for i, selector := range opts.Selectors {
			resolved[i], err = db.resolveSelector(ctx, tx, tenantPK, selector)
			if err != nil {
				return err
			}
		}

		if err := db.adapter.PrepareMappingTable(ctx, tx); err != nil {
			return err
		}
		for i, r := range resolved {
			_, err := tx.ExecContext(ctx, db.rebind(`
				INSERT INTO `+dialect.MappingTable+` (ordering, pk) VALUES (?, ?)`),
				i, r.tagPK)
			if err != nil {
				return Error.Wrap(err)
			}
		}

		attrGroups, err := db.queryMappedAttrRows(ctx, tx, tenantPK, len(resolved))
		if err != nil {
			return err
		}

		for i, r := range resolved {
			attrs, err := decodeAttrRows(attrGroups[i])
			if err != nil {
				return err
			}
			tags[i], err = assembleTag(r, attrs)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("objects_loaded").Mark(len(tags))
	return tags, nil
}

// resolvedTag carries one selector's resolution: the assembled header, the
// raw stored definition and the tag surrogate key for attribute loading.
type resolvedTag struct {
	header   trac.TagHeader
	defBytes []byte
	tagPK    int64
}

// resolveSelector finds the object version and tag version a selector
// addresses and reports why when it cannot.
func (db *DB) resolveSelector(ctx context.Context, q queryer, tenantPK int64, selector trac.TagSelector) (resolvedTag, error) {
	versionCond := `v.object_version = ?`
	tagCond := `t.tag_version = ?`
	args := []interface{}{tenantPK, selector.ObjectID.String()}
	if selector.LatestObject {
		versionCond = `v.object_is_latest = TRUE`
	} else {
		args = append(args, selector.ObjectVersion)
	}
	if selector.LatestTag {
		tagCond = `t.tag_is_latest = TRUE`
	} else {
		args = append(args, selector.TagVersion)
	}

	var (
		r          resolvedTag
		storedType string
		defBytes   []byte
	)
	err := q.QueryRowContext(ctx, db.rebind(`
		SELECT o.object_type,
		       v.object_version, v.object_timestamp, v.object_is_latest, v.definition,
		       t.tag_pk, t.tag_version, t.tag_timestamp, t.tag_is_latest
		FROM object_id o
		JOIN object_version v ON v.tenant_fk = o.tenant_fk AND v.object_fk = o.object_pk
		JOIN tag_version t ON t.tenant_fk = v.tenant_fk AND t.version_fk = v.version_pk
		WHERE o.tenant_fk = ? AND o.object_id = ? AND `+versionCond+` AND `+tagCond),
		args...).Scan(
		&storedType,
		&r.header.ObjectVersion, &r.header.ObjectTimestamp, &r.header.IsLatestObject, &defBytes,
		&r.tagPK, &r.header.TagVersion, &r.header.TagTimestamp, &r.header.IsLatestTag)

	if errors.Is(err, sql.ErrNoRows) {
		return resolvedTag{}, db.explainMissing(ctx, q, tenantPK, selector)
	}
	if err != nil {
		return resolvedTag{}, Error.Wrap(err)
	}

	if trac.ObjectType(storedType) != selector.ObjectType {
		return resolvedTag{}, tracerr.New(tracerr.WrongType,
			"object %s has type %s, not %s", selector.ObjectID, storedType, selector.ObjectType)
	}

	// A latest pointer resting on a delete marker hides the object from
	// latest queries; the marker stays readable by explicit version.
	if defBytes == nil && selector.LatestObject {
		return resolvedTag{}, tracerr.New(tracerr.NotFound,
			"object %s not found", selector.ObjectID)
	}

	r.header.ObjectType = selector.ObjectType
	r.header.ObjectID = selector.ObjectID
	r.defBytes = defBytes
	return r, nil
}

// explainMissing turns an empty selector resolution into the most specific
// error: missing object, wrong type, or missing version.
func (db *DB) explainMissing(ctx context.Context, q queryer, tenantPK int64, selector trac.TagSelector) error {
	_, storedType, err := db.selectObject(ctx, q, tenantPK, selector.ObjectID)
	if err != nil {
		return err
	}
	if storedType != selector.ObjectType {
		return tracerr.New(tracerr.WrongType,
			"object %s has type %s, not %s", selector.ObjectID, storedType, selector.ObjectType)
	}
	if !selector.LatestObject {
		return tracerr.New(tracerr.NotFound,
			"object %s version %d not found", selector.ObjectID, selector.ObjectVersion)
	}
	return tracerr.New(tracerr.NotFound, "object %s not found", selector.ObjectID)
}

func assembleTag(r resolvedTag, attrs map[string]trac.Value) (trac.Tag, error) {
	header := r.header
	tag := trac.Tag{Header: &header, Attrs: attrs}

	if r.defBytes != nil {
		var def trac.ObjectDefinition
		if err := json.Unmarshal(r.defBytes, &def); err != nil {
			return trac.Tag{}, tracerr.New(tracerr.Internal,
				"stored definition for object %s does not decode: %v", header.ObjectID, err)
		}
		tag.Definition = &def
	}
	return tag, nil
}

const attrColumns = `attr_name, attr_type, attr_index,
	value_boolean, value_integer, value_float, value_decimal,
	value_string, value_date, value_datetime, value_json`

func scanAttrRow(rows *sql.Rows, row *attrRow, ordering *int) error {
	dest := make([]interface{}, 0, 12)
	if ordering != nil {
		dest = append(dest, ordering)
	}
	dest = append(dest,
		&row.name, &row.atype, &row.index,
		&row.boolean, &row.integer, &row.float, &row.decimal,
		&row.str, &row.date, &row.datetime, &row.jsonText)
	return rows.Scan(dest...)
}

// queryAttrRows loads the attribute rows of one tag ordered for decoding.
func (db *DB) queryAttrRows(ctx context.Context, q queryer, tenantPK, tagPK int64) (_ []attrRow, err error) {
	rows, err := q.QueryContext(ctx, db.rebind(`
		SELECT `+attrColumns+`
		FROM tag_attr
		WHERE tenant_fk = ? AND tag_fk = ?
		ORDER BY attr_name, attr_index`),
		tenantPK, tagPK)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var result []attrRow
	for rows.Next() {
		var row attrRow
		if err := scanAttrRow(rows, &row, nil); err != nil {
			return nil, Error.Wrap(err)
		}
		result = append(result, row)
	}
	return result, Error.Wrap(rows.Err())
}

// queryMappedAttrRows loads attribute rows for every tag in the mapping
// table, grouped by the caller-supplied ordering.
func (db *DB) queryMappedAttrRows(ctx context.Context, tx tagsql.Tx, tenantPK int64, count int) (_ [][]attrRow, err error) {
	rows, err := tx.QueryContext(ctx, db.rebind(`
		SELECT m.ordering,
		       a.attr_name, a.attr_type, a.attr_index,
		       a.value_boolean, a.value_integer, a.value_float, a.value_decimal,
		       a.value_string, a.value_date, a.value_datetime, a.value_json
		FROM `+dialect.MappingTable+` m
		JOIN tag_attr a ON a.tag_fk = m.pk
		WHERE a.tenant_fk = ?
		ORDER BY m.ordering, a.attr_name, a.attr_index`),
		tenantPK)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	groups := make([][]attrRow, count)
	for rows.Next() {
		var row attrRow
		var ordering int
		if err := scanAttrRow(rows, &row, &ordering); err != nil {
			return nil, Error.Wrap(err)
		}
		if ordering < 0 || ordering >= count {
			return nil, Error.New("mapping table ordering %d out of range", ordering)
		}
		groups[ordering] = append(groups[ordering], row)
	}
	return groups, Error.Wrap(rows.Err())
}
