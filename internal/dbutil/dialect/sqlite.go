// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package dialect

import (
	"context"
	"errors"

	sqlite3 "github.com/mattn/go-sqlite3"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
)

type sqliteAdapter struct{}

func (sqliteAdapter) Dialect() Dialect { return SQLite }

// Rebind is the identity: the driver takes ? placeholders natively.
func (sqliteAdapter) Rebind(query string) string { return query }

func (sqliteAdapter) ErrorCode(err error) ErrorCode {
	var driverErr sqlite3.Error
	if !errors.As(err, &driverErr) {
		return CodeUnknown
	}
	switch driverErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return CodeInsertDuplicate
	case sqlite3.ErrConstraintForeignKey:
		return CodeInsertMissingFK
	}
	if driverErr.Code == sqlite3.ErrTooBig {
		return CodeDataTooLong
	}
	return CodeUnknown
}

func (sqliteAdapter) Retryable(err error) bool {
	var driverErr sqlite3.Error
	if !errors.As(err, &driverErr) {
		return false
	}
	return driverErr.Code == sqlite3.ErrBusy || driverErr.Code == sqlite3.ErrLocked
}

func (sqliteAdapter) InsertReturning(ctx context.Context, tx tagsql.Tx, query, pkColumn string, args ...interface{}) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PrepareMappingTable creates the scratch table once per connection and
// clears it, since sqlite temp tables live for the connection.
func (sqliteAdapter) PrepareMappingTable(ctx context.Context, tx tagsql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS `+MappingTable+` (
			ordering INTEGER NOT NULL,
			pk       BIGINT  NOT NULL
		)`)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM `+MappingTable)
	return Error.Wrap(err)
}

func (sqliteAdapter) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteAdapter) TimestampType() string   { return "TIMESTAMP" }
func (sqliteAdapter) BlobType() string        { return "BLOB" }
