// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package txutil runs functions inside database transactions with uniform
// commit/rollback handling and bounded retries for transient failures.
package txutil

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
)

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise; rollback errors are combined into
// the returned error.
func WithTx(ctx context.Context, db tagsql.DB, fn func(context.Context, tagsql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
		} else {
			err = errs.Combine(err, tx.Rollback())
		}
	}()
	return fn(ctx, tx)
}

const (
	maxTxAttempts  = 5
	txRetryBackoff = 10 * time.Millisecond
)

// WithTxRetry is WithTx plus bounded retries when retryable classifies the
// failure as a transient serialization or deadlock error.
func WithTxRetry(ctx context.Context, db tagsql.DB, retryable func(error) bool, fn func(context.Context, tagsql.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := WithTx(ctx, db, fn)
		if err == nil || retryable == nil || !retryable(err) || attempt >= maxTxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errs.Combine(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
}
