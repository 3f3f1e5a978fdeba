// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package metaapi serves the metadata API over the metadata store.
//
// The same endpoint code backs two gRPC services. The trusted service
// offers the full surface to platform components: every object type,
// controlled reserved attributes, id preallocation and tenant management.
// The public service restricts writes to the publicly writable object
// types and plain attribute names. Single-object calls delegate to their
// batch forms so all writes share one path into the store.
package metaapi

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the class for metadata api failures.
	Error = errs.Class("metaapi")

	mon = monkit.Package()
)
