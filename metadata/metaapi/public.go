// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metaapi

import (
	"context"

	"tracdap.io/tracdap/metadata/metastore"
	"tracdap.io/tracdap/pkg/rpc/api"
)

// PublicEndpoint implements the public metadata service. Reads are
// unrestricted; writes are limited to the publicly writable object types
// and reject reserved attribute names.
type PublicEndpoint struct {
	store *metastore.DB
}

// NewPublicEndpoint creates the public metadata endpoint.
func NewPublicEndpoint(store *metastore.DB) *PublicEndpoint {
	return &PublicEndpoint{store: store}
}

var _ api.MetadataServer = (*PublicEndpoint)(nil)

// CreateObject writes the first version of one new object.
func (ep *PublicEndpoint) CreateObject(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.CreateObjectBatch, req)
}

// CreateObjectBatch writes the first version of each object in one
// transaction.
func (ep *PublicEndpoint) CreateObjectBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return createObjects(ctx, ep.store, req, false)
}

// UpdateObject appends one new object version after the addressed prior.
func (ep *PublicEndpoint) UpdateObject(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.UpdateObjectBatch, req)
}

// UpdateObjectBatch appends new object versions in one transaction.
func (ep *PublicEndpoint) UpdateObjectBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return updateObjects(ctx, ep.store, req, false)
}

// UpdateTag appends one new tag version after the addressed prior.
func (ep *PublicEndpoint) UpdateTag(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.UpdateTagBatch, req)
}

// UpdateTagBatch appends new tag versions in one transaction.
func (ep *PublicEndpoint) UpdateTagBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return updateTags(ctx, ep.store, req, false)
}

// ReadObject loads the tag addressed by one selector.
func (ep *PublicEndpoint) ReadObject(ctx context.Context, req *api.ReadRequest) (_ *api.ReadResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return readObject(ctx, ep.store, req)
}

// ReadObjectBatch loads a batch of selectors in one snapshot.
func (ep *PublicEndpoint) ReadObjectBatch(ctx context.Context, req *api.ReadBatchRequest) (_ *api.ReadBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return readObjects(ctx, ep.store, req)
}

// ListTenants returns every tenant in code order.
func (ep *PublicEndpoint) ListTenants(ctx context.Context, req *api.ListTenantsRequest) (_ *api.ListTenantsResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return listTenants(ctx, ep.store)
}
