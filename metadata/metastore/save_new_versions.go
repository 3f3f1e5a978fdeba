// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metastore

import (
	"context"

	"github.com/google/uuid"

	"tracdap.io/tracdap/internal/dbutil/tagsql"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// VersionUpdate supersedes one object version with a new definition. Prior
// addresses the version being superseded with explicit version numbers;
// latest wildcards are resolved by the caller before the write so that a
// stale read loses the race cleanly.
type VersionUpdate struct {
	Prior      trac.TagSelector
	Definition *trac.ObjectDefinition
	Attrs      map[string]trac.Value
}

// SaveNewVersions contains arguments for appending new object versions.
type SaveNewVersions struct {
	Tenant  string
	Updates []VersionUpdate
}

// Verify verifies request fields.
func (opts *SaveNewVersions) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Updates) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no updates")
	}

	seen := make(map[uuid.UUID]bool, len(opts.Updates))
	for i := range opts.Updates {
		update := &opts.Updates[i]
		if err := update.Prior.ObjectType.Verify(); err != nil {
			return err
		}
		if update.Prior.ObjectID == uuid.Nil {
			return tracerr.New(tracerr.Validation, "update %d has no object id", i)
		}
		if update.Prior.LatestObject || update.Prior.ObjectVersion < 1 {
			return tracerr.New(tracerr.Validation,
				"update for %s needs an explicit prior version", update.Prior.ObjectID)
		}
		if err := update.Definition.Verify(); err != nil {
			return err
		}
		if update.Definition.ObjectType != update.Prior.ObjectType {
			return tracerr.New(tracerr.WrongType,
				"update for %s object %s carries a %s definition",
				update.Prior.ObjectType, update.Prior.ObjectID, update.Definition.ObjectType)
		}
		if err := trac.ValidateAttrs(update.Attrs, true); err != nil {
			return err
		}
		if seen[update.Prior.ObjectID] {
			return tracerr.New(tracerr.Duplicate,
				"object %s appears twice in one batch", update.Prior.ObjectID)
		}
		seen[update.Prior.ObjectID] = true
	}
	return nil
}

// SaveNewVersions appends version prior+1 to each object in one
// transaction. Two writers racing for the same next version both pass the
// prior checks; the unique index lets exactly one insert win and the loser
// surfaces DUPLICATE.
func (db *DB) SaveNewVersions(ctx context.Context, opts SaveNewVersions) (headers []trac.TagHeader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	writeTime := now()
	headers = make([]trac.TagHeader, len(opts.Updates))

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}

		for i := range opts.Updates {
			update := &opts.Updates[i]
			id := update.Prior.ObjectID

			objectPK, storedType, err := db.selectObject(ctx, tx, tenantPK, id)
			if err != nil {
				return err
			}
			if storedType != update.Prior.ObjectType {
				return tracerr.New(tracerr.WrongType,
					"object %s has type %s, not %s", id, storedType, update.Prior.ObjectType)
			}
			_, _, _, ok, err := db.selectVersion(ctx, tx, tenantPK, objectPK, update.Prior.ObjectVersion)
			if err != nil {
				return err
			}
			if !ok {
				return tracerr.New(tracerr.NotFound,
					"object %s version %d not found", id, update.Prior.ObjectVersion)
			}

			newVersion := update.Prior.ObjectVersion + 1
			if err := db.flipLatestVersion(ctx, tx, tenantPK, objectPK); err != nil {
				return err
			}
			versionPK, err := db.insertObjectVersion(ctx, tx, tenantPK, objectPK, newVersion, writeTime, update.Definition, id)
			if err != nil {
				return err
			}
			tagPK, err := db.insertTagVersion(ctx, tx, tenantPK, versionPK, 1, writeTime, id)
			if err != nil {
				return err
			}
			if err := db.insertAttrs(ctx, tx, tenantPK, tagPK, update.Attrs); err != nil {
				return err
			}

			headers[i] = trac.TagHeader{
				ObjectType:      storedType,
				ObjectID:        id,
				ObjectVersion:   newVersion,
				TagVersion:      1,
				ObjectTimestamp: writeTime,
				TagTimestamp:    writeTime,
				IsLatestObject:  true,
				IsLatestTag:     true,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("object_versions_created").Mark(len(headers))
	return headers, nil
}
