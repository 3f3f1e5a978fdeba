// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package dialect

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
)

// MySQL server error numbers the adapter understands.
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDataTooLong     = 1406
	mysqlErrNoReferencedRow = 1452
)

type mysqlAdapter struct{}

func (mysqlAdapter) Dialect() Dialect { return MySQL }

// Rebind is the identity: the driver takes ? placeholders natively.
func (mysqlAdapter) Rebind(query string) string { return query }

func mysqlErrorNumber(err error) uint16 {
	var driverErr *mysql.MySQLError
	if errors.As(err, &driverErr) {
		return driverErr.Number
	}
	return 0
}

func (mysqlAdapter) ErrorCode(err error) ErrorCode {
	switch mysqlErrorNumber(err) {
	case mysqlErrDuplicateEntry:
		return CodeInsertDuplicate
	case mysqlErrNoReferencedRow:
		return CodeInsertMissingFK
	case mysqlErrDataTooLong:
		return CodeDataTooLong
	default:
		return CodeUnknown
	}
}

func (mysqlAdapter) Retryable(err error) bool {
	switch mysqlErrorNumber(err) {
	case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
		return true
	}
	return false
}

func (mysqlAdapter) InsertReturning(ctx context.Context, tx tagsql.Tx, query, pkColumn string, args ...interface{}) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PrepareMappingTable creates the scratch table once per session and
// clears it, since MySQL temporary tables outlive the transaction on a
// pooled connection.
func (mysqlAdapter) PrepareMappingTable(ctx context.Context, tx tagsql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TEMPORARY TABLE IF NOT EXISTS `+MappingTable+` (
			ordering INTEGER NOT NULL,
			pk       BIGINT  NOT NULL
		)`)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM `+MappingTable)
	return Error.Wrap(err)
}

func (mysqlAdapter) AutoIncrementPK() string { return "BIGINT AUTO_INCREMENT PRIMARY KEY" }
func (mysqlAdapter) TimestampType() string   { return "DATETIME(6)" }
func (mysqlAdapter) BlobType() string        { return "LONGBLOB" }
