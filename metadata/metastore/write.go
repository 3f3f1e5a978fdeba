// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"tracdap.io/tracdap/internal/dbutil/dialect"
	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// queryer lets read helpers run on either the pool or a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (db *DB) tenantPK(ctx context.Context, q queryer, tenantCode string) (int64, error) {
	var pk int64
	err := q.QueryRowContext(ctx,
		db.rebind(`SELECT tenant_pk FROM tenant WHERE tenant_code = ?`),
		tenantCode).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, tracerr.New(tracerr.NotFound, "tenant %q not found", tenantCode)
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return pk, nil
}

func (db *DB) insertObjectID(ctx context.Context, tx tagsql.Tx, tenantPK int64, objectType trac.ObjectType, id uuid.UUID) (int64, error) {
	pk, err := db.adapter.InsertReturning(ctx, tx, `
		INSERT INTO object_id (tenant_fk, object_type, object_id)
		VALUES (?, ?, ?)`,
		"object_pk", tenantPK, string(objectType), id.String())
	if err != nil {
		if db.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
			return 0, tracerr.New(tracerr.Duplicate, "object %s already exists", id)
		}
		return 0, Error.Wrap(err)
	}
	return pk, nil
}

// selectObject returns the surrogate key and stored type of an object id.
func (db *DB) selectObject(ctx context.Context, q queryer, tenantPK int64, id uuid.UUID) (int64, trac.ObjectType, error) {
	var pk int64
	var objectType string
	err := q.QueryRowContext(ctx, db.rebind(`
		SELECT object_pk, object_type FROM object_id
		WHERE tenant_fk = ? AND object_id = ?`),
		tenantPK, id.String()).Scan(&pk, &objectType)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", tracerr.New(tracerr.NotFound, "object %s not found", id)
	}
	if err != nil {
		return 0, "", Error.Wrap(err)
	}
	return pk, trac.ObjectType(objectType), nil
}

// selectVersion returns the surrogate key, timestamp and latest flag of one
// object version, or ok=false when the version does not exist.
func (db *DB) selectVersion(ctx context.Context, q queryer, tenantPK, objectPK int64, version int) (pk int64, ts time.Time, latest bool, ok bool, err error) {
	err = q.QueryRowContext(ctx, db.rebind(`
		SELECT version_pk, object_timestamp, object_is_latest FROM object_version
		WHERE tenant_fk = ? AND object_fk = ? AND object_version = ?`),
		tenantPK, objectPK, version).Scan(&pk, &ts, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, false, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, false, Error.Wrap(err)
	}
	return pk, ts, latest, true, nil
}

func (db *DB) insertObjectVersion(ctx context.Context, tx tagsql.Tx, tenantPK, objectPK int64, version int, ts time.Time, def *trac.ObjectDefinition, id uuid.UUID) (int64, error) {
	var defBytes []byte
	if def != nil {
		encoded, err := json.Marshal(def)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		defBytes = encoded
	}

	pk, err := db.adapter.InsertReturning(ctx, tx, `
		INSERT INTO object_version
			(tenant_fk, object_fk, object_version, object_timestamp, definition, object_is_latest)
		VALUES (?, ?, ?, ?, ?, TRUE)`,
		"version_pk", tenantPK, objectPK, version, ts, defBytes)
	if err != nil {
		if db.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
			return 0, tracerr.New(tracerr.Duplicate,
				"object %s version %d already exists", id, version)
		}
		return 0, Error.Wrap(err)
	}
	return pk, nil
}

func (db *DB) flipLatestVersion(ctx context.Context, tx tagsql.Tx, tenantPK, objectPK int64) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE object_version SET object_is_latest = FALSE
		WHERE tenant_fk = ? AND object_fk = ? AND object_is_latest = TRUE`),
		tenantPK, objectPK)
	return Error.Wrap(err)
}

func (db *DB) insertTagVersion(ctx context.Context, tx tagsql.Tx, tenantPK, versionPK int64, tagVersion int, ts time.Time, id uuid.UUID) (int64, error) {
	pk, err := db.adapter.InsertReturning(ctx, tx, `
		INSERT INTO tag_version (tenant_fk, version_fk, tag_version, tag_timestamp, tag_is_latest)
		VALUES (?, ?, ?, ?, TRUE)`,
		"tag_pk", tenantPK, versionPK, tagVersion, ts)
	if err != nil {
		if db.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
			return 0, tracerr.New(tracerr.Duplicate,
				"object %s already carries tag version %d", id, tagVersion)
		}
		return 0, Error.Wrap(err)
	}
	return pk, nil
}

func (db *DB) tagExists(ctx context.Context, q queryer, tenantPK, versionPK int64, tagVersion int) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, db.rebind(`
		SELECT 1 FROM tag_version
		WHERE tenant_fk = ? AND version_fk = ? AND tag_version = ?`),
		tenantPK, versionPK, tagVersion).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

func (db *DB) flipLatestTag(ctx context.Context, tx tagsql.Tx, tenantPK, versionPK int64) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE tag_version SET tag_is_latest = FALSE
		WHERE tenant_fk = ? AND version_fk = ? AND tag_is_latest = TRUE`),
		tenantPK, versionPK)
	return Error.Wrap(err)
}

func (db *DB) insertAttrs(ctx context.Context, tx tagsql.Tx, tenantPK, tagPK int64, attrs map[string]trac.Value) error {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows, err := encodeAttr(name, attrs[name])
		if err != nil {
			return err
		}
		for _, row := range rows {
			_, err := tx.ExecContext(ctx, db.rebind(`
				INSERT INTO tag_attr
					(tenant_fk, tag_fk, attr_name, attr_type, attr_index,
					 value_boolean, value_integer, value_float, value_decimal,
					 value_string, value_date, value_datetime, value_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				tenantPK, tagPK, row.name, row.atype, row.index,
				row.boolean, row.integer, row.float, row.decimal,
				row.str, row.date, row.datetime, row.jsonText)
			if err != nil {
				if db.adapter.ErrorCode(err) == dialect.CodeDataTooLong {
					return tracerr.New(tracerr.DataSize,
						"attribute %q does not fit its storage column", row.name)
				}
				return Error.Wrap(err)
			}
		}
	}
	return nil
}
