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

// Preallocation reserves one object id for a type before its first version
// exists.
type Preallocation struct {
	ObjectType trac.ObjectType
	ObjectID   uuid.UUID
}

// PreallocateIDs contains arguments for reserving object ids.
type PreallocateIDs struct {
	Tenant         string
	Preallocations []Preallocation
}

// Verify verifies request fields.
func (opts *PreallocateIDs) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Preallocations) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no preallocations")
	}

	seen := make(map[uuid.UUID]bool, len(opts.Preallocations))
	for i, p := range opts.Preallocations {
		if err := p.ObjectType.Verify(); err != nil {
			return err
		}
		if p.ObjectID == uuid.Nil {
			return tracerr.New(tracerr.Validation, "preallocation %d has no object id", i)
		}
		if seen[p.ObjectID] {
			return tracerr.New(tracerr.Duplicate,
				"object %s appears twice in one batch", p.ObjectID)
		}
		seen[p.ObjectID] = true
	}
	return nil
}

// PreallocateIDs reserves the given (type, id) pairs in one transaction. A
// reserved id is an object row with no versions; any id already present,
// reserved or realized, fails the batch with DUPLICATE.
func (db *DB) PreallocateIDs(ctx context.Context, opts PreallocateIDs) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return err
	}

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}
		for _, p := range opts.Preallocations {
			if _, err := db.insertObjectID(ctx, tx, tenantPK, p.ObjectType, p.ObjectID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	mon.Meter("objects_preallocated").Mark(len(opts.Preallocations))
	return nil
}

// PreallocatedObject supplies the first version of a previously reserved
// object id.
type PreallocatedObject struct {
	ObjectID   uuid.UUID
	Definition *trac.ObjectDefinition
	Attrs      map[string]trac.Value
}

// SavePreallocatedObjects contains arguments for realizing reserved ids.
type SavePreallocatedObjects struct {
	Tenant  string
	Objects []PreallocatedObject
}

// Verify verifies request fields.
func (opts *SavePreallocatedObjects) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Objects) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no objects")
	}

	seen := make(map[uuid.UUID]bool, len(opts.Objects))
	for i := range opts.Objects {
		object := &opts.Objects[i]
		if object.ObjectID == uuid.Nil {
			return tracerr.New(tracerr.Validation, "object %d has no object id", i)
		}
		if err := object.Definition.Verify(); err != nil {
			return err
		}
		if err := trac.ValidateAttrs(object.Attrs, true); err != nil {
			return err
		}
		if seen[object.ObjectID] {
			return tracerr.New(tracerr.Duplicate,
				"object %s appears twice in one batch", object.ObjectID)
		}
		seen[object.ObjectID] = true
	}
	return nil
}

// SavePreallocatedObjects writes version 1 onto reserved ids in one
// transaction. A missing reservation is NOT_FOUND, a type that differs
// from the reservation is WRONG_TYPE, and an id already realized fails
// with DUPLICATE through the version index.
func (db *DB) SavePreallocatedObjects(ctx context.Context, opts SavePreallocatedObjects) (headers []trac.TagHeader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	writeTime := now()
	headers = make([]trac.TagHeader, len(opts.Objects))

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}

		for i := range opts.Objects {
			object := &opts.Objects[i]
			id := object.ObjectID

			objectPK, storedType, err := db.selectObject(ctx, tx, tenantPK, id)
			if err != nil {
				if tracerr.IsKind(err, tracerr.NotFound) {
					return tracerr.New(tracerr.NotFound,
						"no preallocation for object %s", id)
				}
				return err
			}
			if storedType != object.Definition.ObjectType {
				return tracerr.New(tracerr.WrongType,
					"object %s was preallocated as %s, not %s",
					id, storedType, object.Definition.ObjectType)
			}

			versionPK, err := db.insertObjectVersion(ctx, tx, tenantPK, objectPK, 1, writeTime, object.Definition, id)
			if err != nil {
				return err
			}
			tagPK, err := db.insertTagVersion(ctx, tx, tenantPK, versionPK, 1, writeTime, id)
			if err != nil {
				return err
			}
			if err := db.insertAttrs(ctx, tx, tenantPK, tagPK, object.Attrs); err != nil {
				return err
			}

			headers[i] = trac.TagHeader{
				ObjectType:      storedType,
				ObjectID:        id,
				ObjectVersion:   1,
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

	mon.Meter("objects_realized").Mark(len(headers))
	return headers, nil
}
