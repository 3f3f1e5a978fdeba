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

// SaveNewObjects contains arguments for saving the first version of new
// objects. The store allocates the object ids; input tags must not carry a
// header.
type SaveNewObjects struct {
	Tenant string
	Tags   []trac.Tag
}

// Verify verifies request fields.
func (opts *SaveNewObjects) Verify() error {
	if opts.Tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if len(opts.Tags) == 0 {
		return tracerr.New(tracerr.Validation, "batch contains no objects")
	}
	for i := range opts.Tags {
		tag := &opts.Tags[i]
		if tag.Header != nil {
			return tracerr.New(tracerr.Validation,
				"new object %d has a preset header", i)
		}
		if err := tag.Definition.Verify(); err != nil {
			return err
		}
		if err := trac.ValidateAttrs(tag.Attrs, true); err != nil {
			return err
		}
	}
	return nil
}

// SaveNewObjects writes the first version and first tag of each object in
// one transaction, allocating a fresh object id per tag. The whole batch
// applies or none of it does.
func (db *DB) SaveNewObjects(ctx context.Context, opts SaveNewObjects) (headers []trac.TagHeader, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	writeTime := now()
	headers = make([]trac.TagHeader, len(opts.Tags))

	err = db.withTx(ctx, func(ctx context.Context, tx tagsql.Tx) error {
		tenantPK, err := db.tenantPK(ctx, tx, opts.Tenant)
		if err != nil {
			return err
		}

		for i := range opts.Tags {
			tag := &opts.Tags[i]
			id, err := uuid.NewRandom()
			if err != nil {
				return Error.Wrap(err)
			}

			objectPK, err := db.insertObjectID(ctx, tx, tenantPK, tag.Definition.ObjectType, id)
			if err != nil {
				return err
			}
			versionPK, err := db.insertObjectVersion(ctx, tx, tenantPK, objectPK, 1, writeTime, tag.Definition, id)
			if err != nil {
				return err
			}
			tagPK, err := db.insertTagVersion(ctx, tx, tenantPK, versionPK, 1, writeTime, id)
			if err != nil {
				return err
			}
			if err := db.insertAttrs(ctx, tx, tenantPK, tagPK, tag.Attrs); err != nil {
				return err
			}

			headers[i] = trac.TagHeader{
				ObjectType:      tag.Definition.ObjectType,
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

	mon.Meter("objects_created").Mark(len(headers))
	return headers, nil
}
