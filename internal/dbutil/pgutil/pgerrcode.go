// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package pgutil contains postgres-specific helpers.
package pgutil

import (
	"errors"

	"github.com/jackc/pgconn"
)

// ErrorCode returns the SQLSTATE code carried by err, or the empty string
// when err did not originate from the postgres driver.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
