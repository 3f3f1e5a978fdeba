// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package dialect abstracts over the supported relational backends.
//
// Each adapter translates vendor error signals into a closed set of
// semantic codes, rebinds placeholder syntax, supplies the DDL fragments
// that differ between engines and prepares the per-transaction mapping
// table used to keep batch loads in caller order. Adapters hold no state
// beyond their flavor.
package dialect

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/errs"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/pkg/tracerr"
)

// Error is the class for dialect-level failures.
var Error = errs.Class("dialect")

// Dialect identifies a relational backend flavor.
type Dialect string

const (
	SQLite    Dialect = "sqlite"
	Postgres  Dialect = "postgres"
	MySQL     Dialect = "mysql"
	SQLServer Dialect = "sqlserver"
	Oracle    Dialect = "oracle"
)

// ErrorCode is the closed set of semantic relational error codes.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeInsertDuplicate
	CodeInsertMissingFK
	CodeNoData
	CodeTooManyRows
	CodeWrongObjectType
	CodeInvalidObjectDefinition
	CodeDataTooLong
)

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeInsertDuplicate:
		return "INSERT_DUPLICATE"
	case CodeInsertMissingFK:
		return "INSERT_MISSING_FK"
	case CodeNoData:
		return "NO_DATA"
	case CodeTooManyRows:
		return "TOO_MANY_ROWS"
	case CodeWrongObjectType:
		return "WRONG_OBJECT_TYPE"
	case CodeInvalidObjectDefinition:
		return "INVALID_OBJECT_DEFINITION"
	case CodeDataTooLong:
		return "DATA_TOO_LONG"
	default:
		return "UNKNOWN"
	}
}

// MappingTable is the name of the per-transaction scratch table created by
// Adapter.PrepareMappingTable.
const MappingTable = "key_mapping"

// Adapter is the flavor-specific behavior behind the SQL stores.
type Adapter interface {
	Dialect() Dialect

	// Rebind converts ? placeholders into the dialect's positional form.
	Rebind(query string) string

	// ErrorCode classifies a driver error into the closed semantic set.
	ErrorCode(err error) ErrorCode

	// Retryable reports deadlocks and serialization failures that a fresh
	// transaction may survive.
	Retryable(err error) bool

	// InsertReturning runs an INSERT (written with ? placeholders, no
	// RETURNING clause) and yields the generated value of pkColumn.
	InsertReturning(ctx context.Context, tx tagsql.Tx, query, pkColumn string, args ...interface{}) (int64, error)

	// PrepareMappingTable creates (or clears) the transaction-scoped
	// key_mapping(ordering, pk) scratch table.
	PrepareMappingTable(ctx context.Context, tx tagsql.Tx) error

	// DDL fragments that differ between engines.
	AutoIncrementPK() string
	TimestampType() string
	BlobType() string
}

// New returns the adapter for a dialect. Dialects that have no driver in
// this build fail with a startup error.
func New(d Dialect) (Adapter, error) {
	switch d {
	case SQLite:
		return sqliteAdapter{}, nil
	case Postgres:
		return postgresAdapter{}, nil
	case MySQL:
		return mysqlAdapter{}, nil
	case SQLServer, Oracle:
		return nil, tracerr.New(tracerr.Startup,
			"dialect %s is recognized but not available in this build", d)
	default:
		return nil, tracerr.New(tracerr.Startup, "unknown database dialect %q", string(d))
	}
}

// ParseURL splits a database URL into its dialect, the registered driver
// name and the driver-specific data source string.
func ParseURL(dbURL string) (Dialect, string, string, error) {
	scheme, rest, found := strings.Cut(dbURL, "://")
	if !found {
		if strings.HasPrefix(dbURL, "file:") {
			return SQLite, "sqlite3", sqliteSource(strings.TrimPrefix(dbURL, "file:")), nil
		}
		return "", "", "", tracerr.New(tracerr.Startup, "database url %q has no scheme", dbURL)
	}

	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return Postgres, "pgx", dbURL, nil
	case "mysql":
		source, err := mysqlSource(rest)
		if err != nil {
			return "", "", "", err
		}
		return MySQL, "mysql", source, nil
	case "sqlite", "sqlite3":
		return SQLite, "sqlite3", sqliteSource(rest), nil
	case "h2":
		return "", "", "", tracerr.New(tracerr.Startup,
			"the embedded h2 engine is not available in this build, use sqlite")
	case "sqlserver":
		return SQLServer, "", "", nil
	case "oracle":
		return Oracle, "", "", nil
	default:
		return "", "", "", tracerr.New(tracerr.Startup, "unknown database scheme %q", scheme)
	}
}

// mysqlSource converts the url form user:pass@host:port/dbname?opts into
// the driver's DSN form, forcing parseTime so timestamps scan as time.Time.
func mysqlSource(rest string) (string, error) {
	u, err := url.Parse("mysql://" + rest)
	if err != nil {
		return "", tracerr.Wrap(tracerr.Startup, err)
	}

	creds := ""
	if u.User != nil {
		creds = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			creds += ":" + pass
		}
		creds += "@"
	}

	host := u.Host
	if u.Port() == "" {
		host += ":3306"
	}

	query := u.Query()
	query.Set("parseTime", "true")

	return fmt.Sprintf("%stcp(%s)%s?%s", creds, host, u.Path, query.Encode()), nil
}

// sqliteSource appends the pragmas the store depends on: foreign keys for
// referential integrity and a busy timeout so concurrent writers queue
// instead of failing immediately.
func sqliteSource(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=10000"
}
