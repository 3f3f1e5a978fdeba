// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package migrate tracks and applies schema migration steps in order,
// recording applied versions in a bookkeeping table.
package migrate

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/internal/dbutil/txutil"
)

// Error is the class for migration failures.
var Error = errs.Class("migrate")

// Migration is an ordered list of steps with a version bookkeeping table.
type Migration struct {
	Table string
	// Rebind translates ? placeholders in the bookkeeping statements.
	// Leave nil for dialects that take ? natively.
	Rebind func(string) string
	Steps  []*Step
}

// Step is one schema version change.
type Step struct {
	Version     int
	Description string
	Action      Action
}

// Action is something a step does inside the step's transaction.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error
}

// SQL runs a list of statements in order.
type SQL []string

// Run implements Action.
func (queries SQL) Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error {
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return Error.New("statement failed: %v\n%s", err, query)
		}
	}
	return nil
}

// Func wraps a Go function as an Action.
type Func func(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error

// Run implements Action.
func (f Func) Run(ctx context.Context, log *zap.Logger, tx tagsql.Tx) error {
	return f(ctx, log, tx)
}

// ValidateSteps checks the steps are complete and strictly ordered.
func (m *Migration) ValidateSteps() error {
	if m.Table == "" {
		return Error.New("migration has no bookkeeping table")
	}
	prev := 0
	for _, step := range m.Steps {
		if step.Action == nil {
			return Error.New("step %d has no action", step.Version)
		}
		if step.Version <= prev {
			return Error.New("steps are not strictly ordered at version %d", step.Version)
		}
		prev = step.Version
	}
	return nil
}

// Run applies every step newer than the recorded version, each in its own
// transaction together with the version bookkeeping row.
func (m *Migration) Run(ctx context.Context, log *zap.Logger, db tagsql.DB) error {
	if err := m.ValidateSteps(); err != nil {
		return err
	}
	if err := m.ensureVersionTable(ctx, db); err != nil {
		return err
	}
	current, err := m.currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}
		step := step
		log.Info("Running migration step",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))

		err := txutil.WithTx(ctx, db, func(ctx context.Context, tx tagsql.Tx) error {
			if err := step.Action.Run(ctx, log, tx); err != nil {
				return err
			}
			return m.addVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.New("migration to version %d failed: %w", step.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the newest applied version, zero when none.
func (m *Migration) CurrentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	if err := m.ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	return m.currentVersion(ctx, db)
}

func (m *Migration) rebind(query string) string {
	if m.Rebind == nil {
		return query
	}
	return m.Rebind(query)
}

func (m *Migration) ensureVersionTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+m.Table+` (
			version    INTEGER   NOT NULL PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	return Error.Wrap(err)
}

func (m *Migration) currentVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+m.Table).Scan(&version)
	return version, Error.Wrap(err)
}

func (m *Migration) addVersion(ctx context.Context, tx tagsql.Tx, version int) error {
	_, err := tx.ExecContext(ctx,
		m.rebind(`INSERT INTO `+m.Table+` (version, applied_at) VALUES (?, ?)`),
		version, time.Now().UTC())
	return Error.Wrap(err)
}
