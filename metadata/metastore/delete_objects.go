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

// DeleteObjects contains arguments for appending delete markers. A delete
// marker is a terminal object version with no definition: latest queries
// treat the object as gone while prior versions stay readable by explicit
// selector. Only CONFIG entries support deletion.
type DeleteObjects struct {
	Tenant string
	Priors []trac.TagSelector
}

// Verify verifies request fields.
func (opts *DeleteObjects) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Priors) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no deletes")
	}

	seen := make(map[uuid.UUID]bool, len(opts.Priors))
	for i, prior := range opts.Priors {
		if err := prior.ObjectType.Verify(); err != nil {
			return err
		}
		if prior.ObjectType != trac.ObjectConfig {
			return tracerr.New(tracerr.Validation,
				"%s objects cannot be deleted", prior.ObjectType)
		}
		if prior.ObjectID == uuid.Nil {
			return tracerr.New(tracerr.Validation, "delete %d has no object id", i)
		}
		if prior.LatestObject || prior.ObjectVersion < 1 {
			return tracerr.New(tracerr.Validation,
				"delete for %s needs an explicit prior version", prior.ObjectID)
		}
		if seen[prior.ObjectID] {
			return tracerr.New(tracerr.Duplicate,
				"object %s appears twice in one batch", prior.ObjectID)
		}
		seen[prior.ObjectID] = true
	}
	return nil
}

// DeleteObjects appends a delete-marker version after each addressed prior
// in one transaction. The usual optimistic race applies: a concurrent
// writer for the same next version makes the delete fail with DUPLICATE.
func (db *DB) DeleteObjects(ctx context.Context, opts DeleteObjects) (headers []trac.TagHeader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	writeTime := now()
	headers = make([]trac.TagHeader, len(opts.Priors))

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}

		for i, prior := range opts.Priors {
			id := prior.ObjectID

			objectPK, storedType, err := db.selectObject(ctx, tx, tenantPK, id)
			if err != nil {
				return err
			}
			if storedType != prior.ObjectType {
				return tracerr.New(tracerr.WrongType,
					"object %s has type %s, not %s", id, storedType, prior.ObjectType)
			}
			_, _, _, ok, err := db.selectVersion(ctx, tx, tenantPK, objectPK, prior.ObjectVersion)
			if err != nil {
				return err
			}
			if !ok {
				return tracerr.New(tracerr.NotFound,
					"object %s version %d not found", id, prior.ObjectVersion)
			}

			newVersion := prior.ObjectVersion + 1
			if err := db.flipLatestVersion(ctx, tx, tenantPK, objectPK); err != nil {
				return err
			}
			versionPK, err := db.insertObjectVersion(ctx, tx, tenantPK, objectPK, newVersion, writeTime, nil, id)
			if err != nil {
				return err
			}
			if _, err := db.insertTagVersion(ctx, tx, tenantPK, versionPK, 1, writeTime, id); err != nil {
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

	mon.Meter("objects_deleted").Mark(len(headers))
	return headers, nil
}
