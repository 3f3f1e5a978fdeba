// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobcache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/dbutil/dialect"
	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/internal/dbutil/txutil"
	"tracdap.io/tracdap/internal/migrate"
	"tracdap.io/tracdap/internal/sync2"
	"tracdap.io/tracdap/pkg/tracerr"
)

// SQLCache is the durable cache over a relational backend. It rides the
// same dialect layer as the metadata store, so any engine the platform
// supports can hold job state; orchestrators sharing the database hand
// jobs over through it.
type SQLCache[T any] struct {
	log     *zap.Logger
	db      tagsql.DB
	adapter dialect.Adapter
	Sweep   *sync2.Cycle
}

// OpenSQL connects the durable cache and migrates its schema.
func OpenSQL[T any](ctx context.Context, log *zap.Logger, config Config) (*SQLCache[T], error) {
	flavor, driver, source, err := dialect.ParseURL(config.URL)
	if err != nil {
		return nil, err
	}
	adapter, err := dialect.New(flavor)
	if err != nil {
		return nil, err
	}
	db, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.Startup, err)
	}

	cache := &SQLCache[T]{
		log:     log,
		db:      db,
		adapter: adapter,
		Sweep:   sync2.NewCycle(config.SweepInterval),
	}
	if err := cache.Migration().Run(ctx, log.Named("migrate"), db); err != nil {
		return nil, tracerr.Wrap(tracerr.Startup, errs.Combine(err, db.Close()))
	}
	return cache, nil
}

// Migration returns the schema steps for the cache tables.
func (cache *SQLCache[T]) Migration() *migrate.Migration {
	timestamp := cache.adapter.TimestampType()
	blob := cache.adapter.BlobType()

	return &migrate.Migration{
		Table:  "cache_versions",
		Rebind: cache.adapter.Rebind,
		Steps: []*migrate.Step{
			{
				Version:     1,
				Description: "initial job cache schema",
				Action: migrate.SQL{
					`CREATE TABLE cache_entry (
						entry_key     VARCHAR(120) NOT NULL,
						revision      INTEGER      NOT NULL,
						status        VARCHAR(256),
						value         ` + blob + `,
						deleted       BOOLEAN      NOT NULL,
						last_activity ` + timestamp + ` NOT NULL,
						PRIMARY KEY (entry_key)
					)`,
					`CREATE TABLE cache_ticket (
						entry_key VARCHAR(120) NOT NULL,
						token     VARCHAR(36)  NOT NULL,
						deadline  ` + timestamp + ` NOT NULL,
						PRIMARY KEY (entry_key)
					)`,
					`CREATE INDEX ix_cache_entry_status ON cache_entry (status)`,
				},
			},
		},
	}
}

// Run sweeps abandoned leases until the context is canceled.
func (cache *SQLCache[T]) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return cache.Sweep.Run(ctx, cache.sweep)
}

// Close stops the sweep and releases the database.
func (cache *SQLCache[T]) Close() error {
	cache.Sweep.Stop()
	return Error.Wrap(cache.db.Close())
}

func (cache *SQLCache[T]) rebind(query string) string { return cache.adapter.Rebind(query) }

func (cache *SQLCache[T]) withTx(ctx context.Context, fn func(context.Context, tagsql.Tx) error) error {
	return txutil.WithTxRetry(ctx, cache.db, cache.adapter.Retryable, fn)
}

// OpenNewTicket grants a lease to create the entry. An entry that already
// has a value, or a live competing lease, yields SUPERSEDED.
func (cache *SQLCache[T]) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (ticket Ticket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Ticket{}, err
	}
	now := time.Now()

	err = cache.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		var value []byte
		err := tx.QueryRowContext(ctx, cache.rebind(
			`SELECT value FROM cache_entry WHERE entry_key = ?`), key).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, cache.rebind(`
				INSERT INTO cache_entry (entry_key, revision, status, value, deleted, last_activity)
				VALUES (?, 0, NULL, NULL, ?, ?)`),
				key, false, now)
			if err != nil {
				if cache.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
					ticket = Ticket{Key: key, State: TicketSuperseded}
					return nil
				}
				return Error.Wrap(err)
			}
		case err != nil:
			return Error.Wrap(err)
		case value != nil:
			ticket = Ticket{Key: key, State: TicketSuperseded}
			return nil
		}

		ticket, err = cache.installTicket(ctx, tx, key, 0, duration, now)
		return err
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// OpenTicket grants a lease on an existing entry at the given revision.
// A newer revision yields SUPERSEDED, an older or absent one MISSING.
func (cache *SQLCache[T]) OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (ticket Ticket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Ticket{}, err
	}
	now := time.Now()

	err = cache.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		var stored int
		err := tx.QueryRowContext(ctx, cache.rebind(
			`SELECT revision FROM cache_entry WHERE entry_key = ?`), key).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ticket = Ticket{Key: key, State: TicketMissing}
			return nil
		case err != nil:
			return Error.Wrap(err)
		case stored > revision:
			ticket = Ticket{Key: key, State: TicketSuperseded}
			return nil
		case stored < revision:
			ticket = Ticket{Key: key, State: TicketMissing}
			return nil
		}

		ticket, err = cache.installTicket(ctx, tx, key, revision, duration, now)
		return err
	})
	if err != nil {
		return Ticket{}, err
	}
	return ticket, nil
}

// installTicket places the lease row, clearing an expired one first. A
// racing writer loses on the primary key and comes back SUPERSEDED.
func (cache *SQLCache[T]) installTicket(ctx context.Context, tx tagsql.Tx, key string, revision int, duration time.Duration, now time.Time) (Ticket, error) {
	var token string
	var deadline time.Time
	err := tx.QueryRowContext(ctx, cache.rebind(
		`SELECT token, deadline FROM cache_ticket WHERE entry_key = ?`), key).Scan(&token, &deadline)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Ticket{}, Error.Wrap(err)
	case now.Before(deadline):
		return Ticket{Key: key, State: TicketSuperseded}, nil
	default:
		_, err = tx.ExecContext(ctx, cache.rebind(
			`DELETE FROM cache_ticket WHERE entry_key = ? AND token = ?`), key, token)
		if err != nil {
			return Ticket{}, Error.Wrap(err)
		}
	}

	grant, err := uuid.NewRandom()
	if err != nil {
		return Ticket{}, Error.Wrap(err)
	}
	granted := now.Add(clampDuration(duration))

	_, err = tx.ExecContext(ctx, cache.rebind(
		`INSERT INTO cache_ticket (entry_key, token, deadline) VALUES (?, ?, ?)`),
		key, grant.String(), granted)
	if err != nil {
		if cache.adapter.ErrorCode(err) == dialect.CodeInsertDuplicate {
			return Ticket{Key: key, State: TicketSuperseded}, nil
		}
		return Ticket{}, Error.Wrap(err)
	}

	return Ticket{
		Key:      key,
		Revision: revision,
		State:    TicketLive,
		Token:    grant,
		Deadline: granted,
	}, nil
}

// CloseTicket releases the lease if the ticket still holds it, finishing
// a pending delete and clearing reservations that never got a value.
func (cache *SQLCache[T]) CloseTicket(ctx context.Context, ticket Ticket) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ticket.State != TicketLive {
		return nil
	}

	return cache.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		result, err := tx.ExecContext(ctx, cache.rebind(
			`DELETE FROM cache_ticket WHERE entry_key = ? AND token = ?`),
			ticket.Key, ticket.Token.String())
		if err != nil {
			return Error.Wrap(err)
		}
		released, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if released == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, cache.rebind(
			`DELETE FROM cache_entry WHERE entry_key = ? AND value IS NULL`), ticket.Key)
		return Error.Wrap(err)
	})
}

// CreateEntry writes the first value under a creation ticket.
func (cache *SQLCache[T]) CreateEntry(ctx context.Context, ticket Ticket, status string, value T) (revision int, err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := encodeValue(status, value)
	if err != nil {
		return 0, err
	}

	err = cache.mutate(ctx, ticket, func(hasValue bool) error {
		if hasValue {
			return tracerr.New(tracerr.CacheDuplicate,
				"cache entry %q already exists", ticket.Key)
		}
		return nil
	}, func(ctx context.Context, tx tagsql.Tx, now time.Time) (sql.Result, error) {
		return tx.ExecContext(ctx, cache.rebind(`
			UPDATE cache_entry
			SET revision = ?, status = ?, value = ?, deleted = ?, last_activity = ?
			WHERE entry_key = ? AND revision = ?`),
			ticket.Revision+1, status, encoded, false, now, ticket.Key, ticket.Revision)
	})
	if err != nil {
		return 0, err
	}
	return ticket.Revision + 1, nil
}

// UpdateEntry replaces the value under a matching ticket.
func (cache *SQLCache[T]) UpdateEntry(ctx context.Context, ticket Ticket, status string, value T) (revision int, err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := encodeValue(status, value)
	if err != nil {
		return 0, err
	}

	err = cache.mutate(ctx, ticket, requireValue(ticket.Key),
		func(ctx context.Context, tx tagsql.Tx, now time.Time) (sql.Result, error) {
			return tx.ExecContext(ctx, cache.rebind(`
				UPDATE cache_entry
				SET revision = ?, status = ?, value = ?, last_activity = ?
				WHERE entry_key = ? AND revision = ?`),
				ticket.Revision+1, status, encoded, now, ticket.Key, ticket.Revision)
		})
	if err != nil {
		return 0, err
	}
	return ticket.Revision + 1, nil
}

// DeleteEntry removes the value but keeps the row until the holding
// ticket closes, so concurrent holders observe a consistent state.
func (cache *SQLCache[T]) DeleteEntry(ctx context.Context, ticket Ticket) (err error) {
	defer mon.Task()(&ctx)(&err)

	return cache.mutate(ctx, ticket, requireValue(ticket.Key),
		func(ctx context.Context, tx tagsql.Tx, now time.Time) (sql.Result, error) {
			return tx.ExecContext(ctx, cache.rebind(`
				UPDATE cache_entry
				SET revision = ?, status = NULL, value = NULL, deleted = ?, last_activity = ?
				WHERE entry_key = ? AND revision = ?`),
				ticket.Revision+1, true, now, ticket.Key, ticket.Revision)
		})
}

// mutate runs one guarded entry mutation: the ticket must hold the lease,
// the entry must pass check, and the update must hit the expected
// revision.
func (cache *SQLCache[T]) mutate(ctx context.Context, ticket Ticket,
	check func(hasValue bool) error,
	update func(context.Context, tagsql.Tx, time.Time) (sql.Result, error)) error {

	now := time.Now()
	if err := verifyTicketUsable(ticket, now); err != nil {
		return err
	}

	return cache.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		if err := cache.verifyLease(ctx, tx, ticket, now); err != nil {
			return err
		}

		var revision int
		var value []byte
		err := tx.QueryRowContext(ctx, cache.rebind(
			`SELECT revision, value FROM cache_entry WHERE entry_key = ?`),
			ticket.Key).Scan(&revision, &value)
		if errors.Is(err, sql.ErrNoRows) {
			return staleTicket(ticket.Key)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		if revision != ticket.Revision {
			return tracerr.New(tracerr.CacheTicket,
				"ticket for %q is at revision %d, entry is at %d",
				ticket.Key, ticket.Revision, revision)
		}
		if err := check(value != nil); err != nil {
			return err
		}

		result, err := update(ctx, tx, now)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return staleTicket(ticket.Key)
		}
		return nil
	})
}

// verifyLease confirms the ticket's token still holds the lease row and
// has not expired.
func (cache *SQLCache[T]) verifyLease(ctx context.Context, tx tagsql.Tx, ticket Ticket, now time.Time) error {
	var token string
	var deadline time.Time
	err := tx.QueryRowContext(ctx, cache.rebind(
		`SELECT token, deadline FROM cache_ticket WHERE entry_key = ?`),
		ticket.Key).Scan(&token, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return staleTicket(ticket.Key)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if token != ticket.Token.String() {
		return staleTicket(ticket.Key)
	}
	if !now.Before(deadline) {
		return tracerr.New(tracerr.CacheTicket, "ticket for %q expired", ticket.Key)
	}
	return nil
}

// ReadEntry loads the entry under a matching ticket; a value that fails
// to decode is an error here, not an error entry.
func (cache *SQLCache[T]) ReadEntry(ctx context.Context, ticket Ticket) (entry Entry[T], err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	if err := verifyTicketUsable(ticket, now); err != nil {
		return Entry[T]{}, err
	}

	err = cache.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		if err := cache.verifyLease(ctx, tx, ticket, now); err != nil {
			return err
		}

		var revision int
		var status sql.NullString
		var value []byte
		err := tx.QueryRowContext(ctx, cache.rebind(
			`SELECT revision, status, value FROM cache_entry WHERE entry_key = ?`),
			ticket.Key).Scan(&revision, &status, &value)
		if errors.Is(err, sql.ErrNoRows) {
			return staleTicket(ticket.Key)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		if revision != ticket.Revision {
			return tracerr.New(tracerr.CacheTicket,
				"ticket for %q is at revision %d, entry is at %d",
				ticket.Key, ticket.Revision, revision)
		}
		if value == nil {
			return tracerr.New(tracerr.CacheNotFound,
				"cache entry %q has no value", ticket.Key)
		}

		entry, err = decodeEntry[T](ticket.Key, revision, status.String, value, true)
		return err
	})
	if err != nil {
		return Entry[T]{}, err
	}
	return entry, nil
}

// QueryKey returns the entry for one key if it is visible: it must have a
// value and nobody may be holding a live lease on it.
func (cache *SQLCache[T]) QueryKey(ctx context.Context, key string) (entry Entry[T], ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Entry[T]{}, false, err
	}
	now := time.Now()

	var revision int
	var status sql.NullString
	var value []byte
	var deadline sql.NullTime
	err = cache.db.QueryRowContext(ctx, cache.rebind(`
		SELECT e.revision, e.status, e.value, t.deadline
		FROM cache_entry e
		LEFT JOIN cache_ticket t ON t.entry_key = e.entry_key
		WHERE e.entry_key = ?`), key).Scan(&revision, &status, &value, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry[T]{}, false, nil
	}
	if err != nil {
		return Entry[T]{}, false, Error.Wrap(err)
	}
	if value == nil || (deadline.Valid && now.Before(deadline.Time)) {
		return Entry[T]{}, false, nil
	}

	entry, _ = decodeEntry[T](key, revision, status.String, value, false)
	return entry, true, nil
}

// QueryStatus returns every visible entry whose status is in statuses,
// ordered by key.
func (cache *SQLCache[T]) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) (entries []Entry[T], err error) {
	defer mon.Task()(&ctx)(&err)

	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, status)
	}
	now := time.Now()

	rows, err := cache.db.QueryContext(ctx, cache.rebind(`
		SELECT e.entry_key, e.revision, e.status, e.value, t.deadline
		FROM cache_entry e
		LEFT JOIN cache_ticket t ON t.entry_key = e.entry_key
		WHERE e.value IS NOT NULL AND e.status IN (`+placeholders+`)
		ORDER BY e.entry_key`), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var key string
		var revision int
		var status sql.NullString
		var value []byte
		var deadline sql.NullTime
		if err := rows.Scan(&key, &revision, &status, &value, &deadline); err != nil {
			return nil, Error.Wrap(err)
		}
		if !includeOpenTickets && deadline.Valid && now.Before(deadline.Time) {
			continue
		}
		entry, _ := decodeEntry[T](key, revision, status.String, value, false)
		entries = append(entries, entry)
	}
	return entries, Error.Wrap(rows.Err())
}

// sweep clears expired lease rows and entry rows that have nothing left
// to say. Deadlines are compared in Go so no dialect has to compare
// timestamps its own way.
func (cache *SQLCache[T]) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	rows, err := cache.db.QueryContext(ctx, cache.rebind(
		`SELECT entry_key, token, deadline FROM cache_ticket`))
	if err != nil {
		return Error.Wrap(err)
	}

	type lease struct{ key, token string }
	var expired []lease
	for rows.Next() {
		var l lease
		var deadline time.Time
		if err := rows.Scan(&l.key, &l.token, &deadline); err != nil {
			return Error.Wrap(errs.Combine(err, rows.Close()))
		}
		if !now.Before(deadline) {
			expired = append(expired, l)
		}
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return Error.Wrap(err)
	}

	for _, l := range expired {
		_, err := cache.db.ExecContext(ctx, cache.rebind(
			`DELETE FROM cache_ticket WHERE entry_key = ? AND token = ?`), l.key, l.token)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	result, err := cache.db.ExecContext(ctx, cache.rebind(`
		DELETE FROM cache_entry
		WHERE value IS NULL
		  AND entry_key NOT IN (SELECT entry_key FROM cache_ticket)`))
	if err != nil {
		return Error.Wrap(err)
	}
	if swept, err := result.RowsAffected(); err == nil && swept > 0 {
		mon.Meter("cache_entries_swept").Mark(int(swept))
		cache.log.Debug("swept dead cache entries", zap.Int64("count", swept))
	}
	return nil
}

func requireValue(key string) func(bool) error {
	return func(hasValue bool) error {
		if !hasValue {
			return tracerr.New(tracerr.CacheNotFound,
				"cache entry %q has no value", key)
		}
		return nil
	}
}
