// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package metastore implements the tenanted, versioned object store behind
// the metadata service.
//
// Objects are born once, then grow by appending object versions and tag
// versions; nothing is updated in place. Optimistic concurrency comes from
// the unique indexes on (tenant, object), (tenant, object, version) and
// (tenant, version, tag): racing writers both insert, the loser surfaces a
// duplicate. Batch operations run in one transaction and apply entirely or
// not at all.
package metastore

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the class for metadata store failures.
	Error = errs.Class("metastore")

	mon = monkit.Package()
)
