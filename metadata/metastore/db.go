// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/dbutil/dialect"
	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/internal/dbutil/txutil"
	"tracdap.io/tracdap/pkg/tracerr"
)

// Config holds the database settings of the metadata store.
type Config struct {
	URL             string        `help:"database connection url" default:"sqlite://$CONFDIR/metadata.db"`
	Dialect         string        `help:"database dialect, derived from the url when empty" default:""`
	PoolSize        int           `help:"database connection pool size" default:"25"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a pooled connection" default:"30m"`
}

// DB is the metadata store over one relational backend.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	adapter dialect.Adapter
}

// Open connects to the configured database and picks the dialect adapter.
// It does not run migrations; call MigrateToLatest separately.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	flavor, driver, source, err := dialect.ParseURL(config.URL)
	if err != nil {
		return nil, err
	}
	if config.Dialect != "" && config.Dialect != string(flavor) {
		return nil, tracerr.New(tracerr.Startup,
			"configured dialect %q does not match database url dialect %q",
			config.Dialect, flavor)
	}

	adapter, err := dialect.New(flavor)
	if err != nil {
		return nil, err
	}

	db, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.Startup, err)
	}

	if config.PoolSize > 0 {
		db.SetMaxOpenConns(config.PoolSize)
		db.SetMaxIdleConns(config.PoolSize)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	return &DB{log: log, db: db, adapter: adapter}, nil
}

// Adapter exposes the dialect adapter, mainly for sharing with the durable
// job cache when it runs against the same backend.
func (db *DB) Adapter() dialect.Adapter { return db.adapter }

// Close releases the connection pool.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// MigrateToLatest brings the schema up to the current version.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	migration := db.Migration()
	return migration.Run(ctx, db.log.Named("migrate"), db.db)
}

// rebind translates ? placeholders for the active dialect.
func (db *DB) rebind(query string) string { return db.adapter.Rebind(query) }

// withTx runs fn in a transaction, retrying transient failures.
func (db *DB) withTx(ctx context.Context, fn func(context.Context, tagsql.Tx) error) error {
	return txutil.WithTxRetry(ctx, db.db, db.adapter.Retryable, fn)
}

// now returns the single timestamp stamped on every row an operation
// writes, truncated to what all supported backends store exactly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
