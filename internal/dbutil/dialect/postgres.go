// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package dialect

import (
	"context"
	"strconv"

	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib" // registers the pgx driver

	"tracdap.io/tracdap/internal/dbutil/pgutil"
	"tracdap.io/tracdap/internal/dbutil/tagsql"
)

type postgresAdapter struct{}

func (postgresAdapter) Dialect() Dialect { return Postgres }

// Rebind rewrites ? placeholders as $1..$n, leaving quoted text alone.
func (postgresAdapter) Rebind(query string) string {
	out := make([]byte, 0, len(query)+8)
	position := 1
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			out = append(out, ch)
		case ch == '\'' || ch == '"':
			quote = ch
			out = append(out, ch)
		case ch == '?':
			out = append(out, '$')
			out = strconv.AppendInt(out, int64(position), 10)
			position++
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

func (postgresAdapter) ErrorCode(err error) ErrorCode {
	switch pgutil.ErrorCode(err) {
	case pgerrcode.UniqueViolation:
		return CodeInsertDuplicate
	case pgerrcode.ForeignKeyViolation:
		return CodeInsertMissingFK
	case pgerrcode.StringDataRightTruncationDataException:
		return CodeDataTooLong
	default:
		return CodeUnknown
	}
}

func (postgresAdapter) Retryable(err error) bool {
	switch pgutil.ErrorCode(err) {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return true
	}
	return false
}

func (a postgresAdapter) InsertReturning(ctx context.Context, tx tagsql.Tx, query, pkColumn string, args ...interface{}) (int64, error) {
	var pk int64
	err := tx.QueryRowContext(ctx, a.Rebind(query+" RETURNING "+pkColumn), args...).Scan(&pk)
	return pk, err
}

func (postgresAdapter) PrepareMappingTable(ctx context.Context, tx tagsql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TEMPORARY TABLE `+MappingTable+` (
			ordering INTEGER NOT NULL,
			pk       BIGINT  NOT NULL
		) ON COMMIT DROP`)
	return Error.Wrap(err)
}

func (postgresAdapter) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresAdapter) TimestampType() string   { return "TIMESTAMP WITH TIME ZONE" }
func (postgresAdapter) BlobType() string        { return "BYTEA" }
