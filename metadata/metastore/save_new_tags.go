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

// TagUpdate supersedes the tag on one object version. Prior addresses the
// tag being superseded with explicit version numbers; Attrs is the complete
// attribute set of the new tag.
type TagUpdate struct {
	Prior trac.TagSelector
	Attrs map[string]trac.Value
}

// SaveNewTags contains arguments for appending new tag versions.
type SaveNewTags struct {
	Tenant  string
	Updates []TagUpdate
}

type versionKey struct {
	id      uuid.UUID
	version int
}

// Verify verifies request fields.
func (opts *SaveNewTags) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Updates) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no updates")
	}

	seen := make(map[versionKey]bool, len(opts.Updates))
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
				"tag update for %s needs an explicit object version", update.Prior.ObjectID)
		}
		if update.Prior.LatestTag || update.Prior.TagVersion < 1 {
			return tracerr.New(tracerr.Validation,
				"tag update for %s needs an explicit prior tag version", update.Prior.ObjectID)
		}
		if err := trac.ValidateAttrs(update.Attrs, true); err != nil {
			return err
		}

		key := versionKey{id: update.Prior.ObjectID, version: update.Prior.ObjectVersion}
		if seen[key] {
			return tracerr.New(tracerr.Duplicate,
				"object %s version %d appears twice in one batch",
				update.Prior.ObjectID, update.Prior.ObjectVersion)
		}
		seen[key] = true
	}
	return nil
}

// SaveNewTags appends tag version prior+1 on each addressed object version
// in one transaction. The object definition is untouched; racing writers
// resolve through the unique tag index, the loser surfacing DUPLICATE.
func (db *DB) SaveNewTags(ctx context.Context, opts SaveNewTags) (headers []trac.TagHeader, err error) {
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
			versionPK, versionTime, versionLatest, ok, err := db.selectVersion(ctx, tx, tenantPK, objectPK, update.Prior.ObjectVersion)
			if err != nil {
				return err
			}
			if !ok {
				return tracerr.New(tracerr.NotFound,
					"object %s version %d not found", id, update.Prior.ObjectVersion)
			}
			priorExists, err := db.tagExists(ctx, tx, tenantPK, versionPK, update.Prior.TagVersion)
			if err != nil {
				return err
			}
			if !priorExists {
				return tracerr.New(tracerr.NotFound,
					"object %s version %d has no tag version %d",
					id, update.Prior.ObjectVersion, update.Prior.TagVersion)
			}

			newTag := update.Prior.TagVersion + 1
			if err := db.flipLatestTag(ctx, tx, tenantPK, versionPK); err != nil {
				return err
			}
			tagPK, err := db.insertTagVersion(ctx, tx, tenantPK, versionPK, newTag, writeTime, id)
			if err != nil {
				return err
			}
			if err := db.insertAttrs(ctx, tx, tenantPK, tagPK, update.Attrs); err != nil {
				return err
			}

			headers[i] = trac.TagHeader{
				ObjectType:      storedType,
				ObjectID:        id,
				ObjectVersion:   update.Prior.ObjectVersion,
				TagVersion:      newTag,
				ObjectTimestamp: versionTime,
				TagTimestamp:    writeTime,
				IsLatestObject:  versionLatest,
				IsLatestTag:     true,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("tag_versions_created").Mark(len(headers))
	return headers, nil
}
