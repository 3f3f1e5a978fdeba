// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api

import (
	"context"

	"google.golang.org/grpc"
)

// MetadataServer is the public metadata surface: reads, and writes
// restricted to the publicly writable object types.
type MetadataServer interface {
	CreateObject(context.Context, *WriteRequest) (*HeaderResponse, error)
	CreateObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error)
	UpdateObject(context.Context, *WriteRequest) (*HeaderResponse, error)
	UpdateObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error)
	UpdateTag(context.Context, *WriteRequest) (*HeaderResponse, error)
	UpdateTagBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error)
	ReadObject(context.Context, *ReadRequest) (*ReadResponse, error)
	ReadObjectBatch(context.Context, *ReadBatchRequest) (*ReadBatchResponse, error)
	ListTenants(context.Context, *ListTenantsRequest) (*ListTenantsResponse, error)
}

// MetadataTrustedServer extends the public surface with the operations
// reserved for platform services: any object type, controlled reserved
// attrs, id preallocation and tenant management.
type MetadataTrustedServer interface {
	MetadataServer
	PreallocateID(context.Context, *PreallocateRequest) (*HeaderResponse, error)
	PreallocateIDBatch(context.Context, *PreallocateBatchRequest) (*HeaderBatchResponse, error)
	CreatePreallocatedObject(context.Context, *WriteRequest) (*HeaderResponse, error)
	CreatePreallocatedObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error)
	CreateTenant(context.Context, *TenantRequest) (*TenantResponse, error)
	UpdateTenant(context.Context, *TenantRequest) (*TenantResponse, error)
}

// metadataMethods builds the descriptors shared by the public and
// trusted services, each under its own service name.
func metadataMethods[Srv MetadataServer](service string) []grpc.MethodDesc {
	return []grpc.MethodDesc{
		unary(service, "CreateObject", func(srv Srv, ctx context.Context, in *WriteRequest) (interface{}, error) {
			return srv.CreateObject(ctx, in)
		}),
		unary(service, "CreateObjectBatch", func(srv Srv, ctx context.Context, in *WriteBatchRequest) (interface{}, error) {
			return srv.CreateObjectBatch(ctx, in)
		}),
		unary(service, "UpdateObject", func(srv Srv, ctx context.Context, in *WriteRequest) (interface{}, error) {
			return srv.UpdateObject(ctx, in)
		}),
		unary(service, "UpdateObjectBatch", func(srv Srv, ctx context.Context, in *WriteBatchRequest) (interface{}, error) {
			return srv.UpdateObjectBatch(ctx, in)
		}),
		unary(service, "UpdateTag", func(srv Srv, ctx context.Context, in *WriteRequest) (interface{}, error) {
			return srv.UpdateTag(ctx, in)
		}),
		unary(service, "UpdateTagBatch", func(srv Srv, ctx context.Context, in *WriteBatchRequest) (interface{}, error) {
			return srv.UpdateTagBatch(ctx, in)
		}),
		unary(service, "ReadObject", func(srv Srv, ctx context.Context, in *ReadRequest) (interface{}, error) {
			return srv.ReadObject(ctx, in)
		}),
		unary(service, "ReadObjectBatch", func(srv Srv, ctx context.Context, in *ReadBatchRequest) (interface{}, error) {
			return srv.ReadObjectBatch(ctx, in)
		}),
		unary(service, "ListTenants", func(srv Srv, ctx context.Context, in *ListTenantsRequest) (interface{}, error) {
			return srv.ListTenants(ctx, in)
		}),
	}
}

// MetadataServiceDesc routes the public metadata service.
var MetadataServiceDesc = grpc.ServiceDesc{
	ServiceName: MetadataService,
	HandlerType: (*MetadataServer)(nil),
	Methods:     metadataMethods[MetadataServer](MetadataService),
}

// MetadataTrustedServiceDesc routes the trusted metadata service.
var MetadataTrustedServiceDesc = grpc.ServiceDesc{
	ServiceName: MetadataTrustedService,
	HandlerType: (*MetadataTrustedServer)(nil),
	Methods: append(metadataMethods[MetadataTrustedServer](MetadataTrustedService),
		unary(MetadataTrustedService, "PreallocateId", func(srv MetadataTrustedServer, ctx context.Context, in *PreallocateRequest) (interface{}, error) {
			return srv.PreallocateID(ctx, in)
		}),
		unary(MetadataTrustedService, "PreallocateIdBatch", func(srv MetadataTrustedServer, ctx context.Context, in *PreallocateBatchRequest) (interface{}, error) {
			return srv.PreallocateIDBatch(ctx, in)
		}),
		unary(MetadataTrustedService, "CreatePreallocatedObject", func(srv MetadataTrustedServer, ctx context.Context, in *WriteRequest) (interface{}, error) {
			return srv.CreatePreallocatedObject(ctx, in)
		}),
		unary(MetadataTrustedService, "CreatePreallocatedObjectBatch", func(srv MetadataTrustedServer, ctx context.Context, in *WriteBatchRequest) (interface{}, error) {
			return srv.CreatePreallocatedObjectBatch(ctx, in)
		}),
		unary(MetadataTrustedService, "CreateTenant", func(srv MetadataTrustedServer, ctx context.Context, in *TenantRequest) (interface{}, error) {
			return srv.CreateTenant(ctx, in)
		}),
		unary(MetadataTrustedService, "UpdateTenant", func(srv MetadataTrustedServer, ctx context.Context, in *TenantRequest) (interface{}, error) {
			return srv.UpdateTenant(ctx, in)
		}),
	),
}

// RegisterMetadataServer registers the public metadata service.
func RegisterMetadataServer(s grpc.ServiceRegistrar, srv MetadataServer) {
	s.RegisterService(&MetadataServiceDesc, srv)
}

// RegisterMetadataTrustedServer registers the trusted metadata service.
func RegisterMetadataTrustedServer(s grpc.ServiceRegistrar, srv MetadataTrustedServer) {
	s.RegisterService(&MetadataTrustedServiceDesc, srv)
}

// metadataCaller implements the calls shared by the public and trusted
// clients against its own service name.
type metadataCaller struct {
	cc      grpc.ClientConnInterface
	service string
}

func (c metadataCaller) method(name string) string { return "/" + c.service + "/" + name }

func (c metadataCaller) CreateObject(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*HeaderResponse, error) {
	return invoke[WriteRequest, HeaderResponse](ctx, c.cc, c.method("CreateObject"), in, opts)
}

func (c metadataCaller) CreateObjectBatch(ctx context.Context, in *WriteBatchRequest, opts ...grpc.CallOption) (*HeaderBatchResponse, error) {
	return invoke[WriteBatchRequest, HeaderBatchResponse](ctx, c.cc, c.method("CreateObjectBatch"), in, opts)
}

func (c metadataCaller) UpdateObject(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*HeaderResponse, error) {
	return invoke[WriteRequest, HeaderResponse](ctx, c.cc, c.method("UpdateObject"), in, opts)
}

func (c metadataCaller) UpdateObjectBatch(ctx context.Context, in *WriteBatchRequest, opts ...grpc.CallOption) (*HeaderBatchResponse, error) {
	return invoke[WriteBatchRequest, HeaderBatchResponse](ctx, c.cc, c.method("UpdateObjectBatch"), in, opts)
}

func (c metadataCaller) UpdateTag(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*HeaderResponse, error) {
	return invoke[WriteRequest, HeaderResponse](ctx, c.cc, c.method("UpdateTag"), in, opts)
}

func (c metadataCaller) UpdateTagBatch(ctx context.Context, in *WriteBatchRequest, opts ...grpc.CallOption) (*HeaderBatchResponse, error) {
	return invoke[WriteBatchRequest, HeaderBatchResponse](ctx, c.cc, c.method("UpdateTagBatch"), in, opts)
}

func (c metadataCaller) ReadObject(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	return invoke[ReadRequest, ReadResponse](ctx, c.cc, c.method("ReadObject"), in, opts)
}

func (c metadataCaller) ReadObjectBatch(ctx context.Context, in *ReadBatchRequest, opts ...grpc.CallOption) (*ReadBatchResponse, error) {
	return invoke[ReadBatchRequest, ReadBatchResponse](ctx, c.cc, c.method("ReadObjectBatch"), in, opts)
}

func (c metadataCaller) ListTenants(ctx context.Context, in *ListTenantsRequest, opts ...grpc.CallOption) (*ListTenantsResponse, error) {
	return invoke[ListTenantsRequest, ListTenantsResponse](ctx, c.cc, c.method("ListTenants"), in, opts)
}

// MetadataClient calls the public metadata service.
type MetadataClient struct {
	metadataCaller
}

// NewMetadataClient wraps a client connection to the public service.
func NewMetadataClient(cc grpc.ClientConnInterface) *MetadataClient {
	return &MetadataClient{metadataCaller{cc, MetadataService}}
}

// MetadataTrustedClient calls the trusted metadata service.
type MetadataTrustedClient struct {
	metadataCaller
}

// NewMetadataTrustedClient wraps a client connection to the trusted
// service.
func NewMetadataTrustedClient(cc grpc.ClientConnInterface) *MetadataTrustedClient {
	return &MetadataTrustedClient{metadataCaller{cc, MetadataTrustedService}}
}

func (c *MetadataTrustedClient) PreallocateID(ctx context.Context, in *PreallocateRequest, opts ...grpc.CallOption) (*HeaderResponse, error) {
	return invoke[PreallocateRequest, HeaderResponse](ctx, c.cc, c.method("PreallocateId"), in, opts)
}

func (c *MetadataTrustedClient) PreallocateIDBatch(ctx context.Context, in *PreallocateBatchRequest, opts ...grpc.CallOption) (*HeaderBatchResponse, error) {
	return invoke[PreallocateBatchRequest, HeaderBatchResponse](ctx, c.cc, c.method("PreallocateIdBatch"), in, opts)
}

func (c *MetadataTrustedClient) CreatePreallocatedObject(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*HeaderResponse, error) {
	return invoke[WriteRequest, HeaderResponse](ctx, c.cc, c.method("CreatePreallocatedObject"), in, opts)
}

func (c *MetadataTrustedClient) CreatePreallocatedObjectBatch(ctx context.Context, in *WriteBatchRequest, opts ...grpc.CallOption) (*HeaderBatchResponse, error) {
	return invoke[WriteBatchRequest, HeaderBatchResponse](ctx, c.cc, c.method("CreatePreallocatedObjectBatch"), in, opts)
}

func (c *MetadataTrustedClient) CreateTenant(ctx context.Context, in *TenantRequest, opts ...grpc.CallOption) (*TenantResponse, error) {
	return invoke[TenantRequest, TenantResponse](ctx, c.cc, c.method("CreateTenant"), in, opts)
}

func (c *MetadataTrustedClient) UpdateTenant(ctx context.Context, in *TenantRequest, opts ...grpc.CallOption) (*TenantResponse, error) {
	return invoke[TenantRequest, TenantResponse](ctx, c.cc, c.method("UpdateTenant"), in, opts)
}
