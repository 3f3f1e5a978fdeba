// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package tagsql wraps database/sql with a context-first API, so that
// callers cannot forget to pass a context and transactions carry a
// uniform shape across the services.
package tagsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for low-level database failures.
var Error = errs.Class("tagsql")

// DB is the minimal context-first surface of *sql.DB the platform uses.
type DB interface {
	BeginTx(ctx context.Context) (Tx, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PingContext(ctx context.Context) error

	SetMaxOpenConns(n int)
	SetMaxIdleConns(n int)
	SetConnMaxLifetime(d time.Duration)

	Close() error
}

// Open opens a database and wraps it.
func Open(ctx context.Context, driverName, dataSourceName string) (DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return Wrap(db), nil
}

// Wrap turns a *sql.DB into a DB.
func Wrap(db *sql.DB) DB {
	return sqlDB{db: db}
}

type sqlDB struct {
	db *sql.DB
}

func (s sqlDB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return sqlTx{tx: tx}, nil
}

func (s sqlDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s sqlDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s sqlDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s sqlDB) SetMaxOpenConns(n int)              { s.db.SetMaxOpenConns(n) }
func (s sqlDB) SetMaxIdleConns(n int)              { s.db.SetMaxIdleConns(n) }
func (s sqlDB) SetConnMaxLifetime(d time.Duration) { s.db.SetConnMaxLifetime(d) }

func (s sqlDB) Close() error { return Error.Wrap(s.db.Close()) }
