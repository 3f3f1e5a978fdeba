// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package metaapi

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tracdap.io/tracdap/metadata/metastore"
	"tracdap.io/tracdap/pkg/rpc"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

// Endpoint implements the trusted metadata service. Other platform
// services call it directly; end users only ever reach it through
// PublicEndpoint.
type Endpoint struct {
	log   *zap.Logger
	store *metastore.DB
}

// NewEndpoint creates the trusted metadata endpoint.
func NewEndpoint(log *zap.Logger, store *metastore.DB) *Endpoint {
	return &Endpoint{log: log, store: store}
}

var _ api.MetadataTrustedServer = (*Endpoint)(nil)

// CreateObject writes the first version of one new object.
func (ep *Endpoint) CreateObject(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.CreateObjectBatch, req)
}

// CreateObjectBatch writes the first version of each object in one
// transaction.
func (ep *Endpoint) CreateObjectBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return createObjects(ctx, ep.store, req, true)
}

// UpdateObject appends one new object version after the addressed prior.
func (ep *Endpoint) UpdateObject(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.UpdateObjectBatch, req)
}

// UpdateObjectBatch appends new object versions in one transaction.
func (ep *Endpoint) UpdateObjectBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return updateObjects(ctx, ep.store, req, true)
}

// UpdateTag appends one new tag version after the addressed prior.
func (ep *Endpoint) UpdateTag(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.UpdateTagBatch, req)
}

// UpdateTagBatch appends new tag versions in one transaction.
func (ep *Endpoint) UpdateTagBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return updateTags(ctx, ep.store, req, true)
}

// ReadObject loads the tag addressed by one selector.
func (ep *Endpoint) ReadObject(ctx context.Context, req *api.ReadRequest) (_ *api.ReadResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return readObject(ctx, ep.store, req)
}

// ReadObjectBatch loads a batch of selectors in one snapshot.
func (ep *Endpoint) ReadObjectBatch(ctx context.Context, req *api.ReadBatchRequest) (_ *api.ReadBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return readObjects(ctx, ep.store, req)
}

// ListTenants returns every tenant in code order.
func (ep *Endpoint) ListTenants(ctx context.Context, req *api.ListTenantsRequest) (_ *api.ListTenantsResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return listTenants(ctx, ep.store)
}

// PreallocateID reserves one object id of the given type.
func (ep *Endpoint) PreallocateID(ctx context.Context, req *api.PreallocateRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	batch, err := ep.PreallocateIDBatch(ctx, &api.PreallocateBatchRequest{
		Tenant:   req.Tenant,
		Requests: []api.PreallocateRequest{*req},
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderResponse{Header: batch.Headers[0]}, nil
}

// PreallocateIDBatch reserves object ids in one transaction and returns
// version-zero headers naming them. The id is final once reserved; the
// object becomes readable when CreatePreallocatedObject supplies its first
// definition.
func (ep *Endpoint) PreallocateIDBatch(ctx context.Context, req *api.PreallocateBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	preallocations := make([]metastore.Preallocation, len(req.Requests))
	headers := make([]trac.TagHeader, len(req.Requests))
	for i, p := range req.Requests {
		if err := sameTenant(req.Tenant, p.Tenant, i); err != nil {
			return nil, err
		}
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		preallocations[i] = metastore.Preallocation{ObjectType: p.ObjectType, ObjectID: id}
		headers[i] = trac.TagHeader{ObjectType: p.ObjectType, ObjectID: id}
	}

	err = ep.store.PreallocateIDs(ctx, metastore.PreallocateIDs{
		Tenant:         req.Tenant,
		Preallocations: preallocations,
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderBatchResponse{Headers: headers}, nil
}

// CreatePreallocatedObject writes the first version onto one reserved id.
func (ep *Endpoint) CreatePreallocatedObject(ctx context.Context, req *api.WriteRequest) (_ *api.HeaderResponse, err error) {
	defer mon.Task()(&ctx)(&err)
	return single(ctx, ep.CreatePreallocatedObjectBatch, req)
}

// CreatePreallocatedObjectBatch writes first versions onto reserved ids in
// one transaction. Each request addresses its reservation through Prior.
func (ep *Endpoint) CreatePreallocatedObjectBatch(ctx context.Context, req *api.WriteBatchRequest) (_ *api.HeaderBatchResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	objects := make([]metastore.PreallocatedObject, len(req.Requests))
	for i := range req.Requests {
		w := &req.Requests[i]
		if err := verifyWrite(req.Tenant, w, true, i); err != nil {
			return nil, err
		}
		if w.Definition == nil {
			return nil, tracerr.New(tracerr.Validation, "request %d has no definition", i)
		}
		if w.Prior == nil || w.Prior.ObjectID == uuid.Nil {
			return nil, tracerr.New(tracerr.Validation,
				"request %d does not address a preallocated id", i)
		}
		objects[i] = metastore.PreallocatedObject{
			ObjectID:   w.Prior.ObjectID,
			Definition: w.Definition,
			Attrs:      stampAttrs(ctx, w.Attrs, false),
		}
	}

	headers, err := ep.store.SavePreallocatedObjects(ctx, metastore.SavePreallocatedObjects{
		Tenant:  req.Tenant,
		Objects: objects,
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderBatchResponse{Headers: headers}, nil
}

// CreateTenant provisions a new tenant.
func (ep *Endpoint) CreateTenant(ctx context.Context, req *api.TenantRequest) (_ *api.TenantResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	err = ep.store.CreateTenant(ctx, metastore.TenantInfo{
		Code:        req.Tenant.Code,
		Description: req.Tenant.Description,
	})
	if err != nil {
		return nil, err
	}
	ep.log.Info("tenant created", zap.String("tenant", req.Tenant.Code))
	return &api.TenantResponse{}, nil
}

// UpdateTenant changes the description of an existing tenant.
func (ep *Endpoint) UpdateTenant(ctx context.Context, req *api.TenantRequest) (_ *api.TenantResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	err = ep.store.UpdateTenant(ctx, metastore.TenantInfo{
		Code:        req.Tenant.Code,
		Description: req.Tenant.Description,
	})
	if err != nil {
		return nil, err
	}
	return &api.TenantResponse{}, nil
}

// single adapts a one-object write onto its batch form.
func single(ctx context.Context, batch func(context.Context, *api.WriteBatchRequest) (*api.HeaderBatchResponse, error), req *api.WriteRequest) (*api.HeaderResponse, error) {
	resp, err := batch(ctx, &api.WriteBatchRequest{
		Tenant:   req.Tenant,
		Requests: []api.WriteRequest{*req},
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderResponse{Header: resp.Headers[0]}, nil
}

func createObjects(ctx context.Context, store *metastore.DB, req *api.WriteBatchRequest, trusted bool) (*api.HeaderBatchResponse, error) {
	tags := make([]trac.Tag, len(req.Requests))
	for i := range req.Requests {
		w := &req.Requests[i]
		if err := verifyWrite(req.Tenant, w, trusted, i); err != nil {
			return nil, err
		}
		if w.Definition == nil {
			return nil, tracerr.New(tracerr.Validation, "request %d has no definition", i)
		}
		if w.Prior != nil {
			return nil, tracerr.New(tracerr.Validation,
				"create request %d addresses a prior version", i)
		}
		tags[i] = trac.Tag{
			Definition: w.Definition,
			Attrs:      stampAttrs(ctx, w.Attrs, false),
		}
	}

	headers, err := store.SaveNewObjects(ctx, metastore.SaveNewObjects{
		Tenant: req.Tenant,
		Tags:   tags,
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderBatchResponse{Headers: headers}, nil
}

func updateObjects(ctx context.Context, store *metastore.DB, req *api.WriteBatchRequest, trusted bool) (*api.HeaderBatchResponse, error) {
	priors := make([]trac.TagSelector, len(req.Requests))
	for i := range req.Requests {
		w := &req.Requests[i]
		if err := verifyWrite(req.Tenant, w, trusted, i); err != nil {
			return nil, err
		}
		if w.Definition == nil {
			return nil, tracerr.New(tracerr.Validation, "request %d has no definition", i)
		}
		if w.Prior == nil {
			return nil, tracerr.New(tracerr.Validation,
				"update request %d has no prior version", i)
		}
		priors[i] = *w.Prior
	}

	priors, err := resolvePriors(ctx, store, req.Tenant, priors)
	if err != nil {
		return nil, err
	}

	updates := make([]metastore.VersionUpdate, len(req.Requests))
	for i := range req.Requests {
		updates[i] = metastore.VersionUpdate{
			Prior:      priors[i],
			Definition: req.Requests[i].Definition,
			Attrs:      stampAttrs(ctx, req.Requests[i].Attrs, true),
		}
	}

	headers, err := store.SaveNewVersions(ctx, metastore.SaveNewVersions{
		Tenant:  req.Tenant,
		Updates: updates,
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderBatchResponse{Headers: headers}, nil
}

func updateTags(ctx context.Context, store *metastore.DB, req *api.WriteBatchRequest, trusted bool) (*api.HeaderBatchResponse, error) {
	priors := make([]trac.TagSelector, len(req.Requests))
	for i := range req.Requests {
		w := &req.Requests[i]
		if err := verifyWrite(req.Tenant, w, trusted, i); err != nil {
			return nil, err
		}
		if w.Definition != nil {
			return nil, tracerr.New(tracerr.Validation,
				"tag update request %d carries a definition", i)
		}
		if w.Prior == nil {
			return nil, tracerr.New(tracerr.Validation,
				"tag update request %d has no prior tag", i)
		}
		priors[i] = *w.Prior
	}

	priors, err := resolvePriors(ctx, store, req.Tenant, priors)
	if err != nil {
		return nil, err
	}

	updates := make([]metastore.TagUpdate, len(req.Requests))
	for i := range req.Requests {
		updates[i] = metastore.TagUpdate{
			Prior: priors[i],
			Attrs: stampAttrs(ctx, req.Requests[i].Attrs, true),
		}
	}

	headers, err := store.SaveNewTags(ctx, metastore.SaveNewTags{
		Tenant:  req.Tenant,
		Updates: updates,
	})
	if err != nil {
		return nil, err
	}
	return &api.HeaderBatchResponse{Headers: headers}, nil
}

func readObject(ctx context.Context, store *metastore.DB, req *api.ReadRequest) (*api.ReadResponse, error) {
	tag, err := store.LoadObject(ctx, metastore.LoadObject{
		Tenant:   req.Tenant,
		Selector: req.Selector,
	})
	if err != nil {
		return nil, err
	}
	return &api.ReadResponse{Tag: tag}, nil
}

func readObjects(ctx context.Context, store *metastore.DB, req *api.ReadBatchRequest) (*api.ReadBatchResponse, error) {
	tags, err := store.LoadObjects(ctx, metastore.LoadObjects{
		Tenant:    req.Tenant,
		Selectors: req.Selectors,
	})
	if err != nil {
		return nil, err
	}
	return &api.ReadBatchResponse{Tags: tags}, nil
}

func listTenants(ctx context.Context, store *metastore.DB) (*api.ListTenantsResponse, error) {
	tenants, err := store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	resp := &api.ListTenantsResponse{Tenants: make([]api.TenantInfo, len(tenants))}
	for i, t := range tenants {
		resp.Tenants[i] = api.TenantInfo{Code: t.Code, Description: t.Description}
	}
	return resp, nil
}

// verifyWrite applies the api-level checks before a request reaches the
// store: tenant consistency, object type agreement between the request,
// its definition and its prior, and the public restrictions when the
// request came through the public service.
func verifyWrite(tenant string, w *api.WriteRequest, trusted bool, index int) error {
	if tenant == "" {
		return tracerr.New(tracerr.Validation, "tenant is missing")
	}
	if err := sameTenant(tenant, w.Tenant, index); err != nil {
		return err
	}

	objectType := w.ObjectType
	if objectType == "" && w.Definition != nil {
		objectType = w.Definition.ObjectType
	}
	if objectType == "" && w.Prior != nil {
		objectType = w.Prior.ObjectType
	}
	if err := objectType.Verify(); err != nil {
		return err
	}
	if w.Definition != nil && w.Definition.ObjectType != objectType {
		return tracerr.New(tracerr.WrongType,
			"request %d for %s carries a %s definition",
			index, objectType, w.Definition.ObjectType)
	}
	if w.Prior != nil && w.Prior.ObjectType != objectType {
		return tracerr.New(tracerr.WrongType,
			"request %d for %s addresses a %s prior",
			index, objectType, w.Prior.ObjectType)
	}

	if !trusted && !objectType.PublicWritable() {
		return tracerr.New(tracerr.Access,
			"%s objects cannot be written through the public api", objectType)
	}
	return trac.ValidateAttrs(w.Attrs, trusted)
}

func sameTenant(tenant, itemTenant string, index int) error {
	if itemTenant != "" && itemTenant != tenant {
		return tracerr.New(tracerr.Validation,
			"request %d tenant %q does not match batch tenant %q",
			index, itemTenant, tenant)
	}
	return nil
}

// resolvePriors replaces latest wildcards on prior selectors with the
// versions latest right now, loading them in one batch. The write that
// follows uses explicit versions, so two callers racing from the same
// read both target the same next version and the store's unique index
// picks one winner.
func resolvePriors(ctx context.Context, store *metastore.DB, tenant string, priors []trac.TagSelector) ([]trac.TagSelector, error) {
	var need []int
	var selectors []trac.TagSelector
	for i, prior := range priors {
		if !prior.LatestObject && !prior.LatestTag {
			continue
		}
		if prior.LatestObject {
			prior.ObjectVersion = 0
		}
		if !prior.LatestTag && prior.TagVersion < 1 {
			prior.LatestTag = true
		}
		need = append(need, i)
		selectors = append(selectors, prior)
	}
	if len(need) == 0 {
		return priors, nil
	}

	tags, err := store.LoadObjects(ctx, metastore.LoadObjects{
		Tenant:    tenant,
		Selectors: selectors,
	})
	if err != nil {
		return nil, err
	}

	resolved := make([]trac.TagSelector, len(priors))
	copy(resolved, priors)
	for j, i := range need {
		resolved[i] = tags[j].Header.Selector()
	}
	return resolved, nil
}

// stampAttrs copies the caller's attributes and adds the provenance attrs
// for the authenticated principal: create_user on first versions,
// update_user on everything after. The caller's map is never mutated and
// the store validates the final set again before writing.
func stampAttrs(ctx context.Context, attrs map[string]trac.Value, update bool) map[string]trac.Value {
	id, ok := rpc.IdentityOf(ctx)
	if !ok {
		return attrs
	}

	stamped := make(map[string]trac.Value, len(attrs)+2)
	for name, value := range attrs {
		stamped[name] = value
	}
	if update {
		stamped[trac.AttrUpdateUserID] = trac.String(id.UserID)
		stamped[trac.AttrUpdateUserName] = trac.String(id.UserName)
	} else {
		stamped[trac.AttrCreateUserID] = trac.String(id.UserID)
		stamped[trac.AttrCreateUserName] = trac.String(id.UserName)
	}
	return stamped
}
