// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package api

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func errUnimplemented(method string) error {
	return status.Error(codes.Unimplemented, method+" is not implemented")
}

// UnimplementedMetadataServer fails every call. Embed it in partial
// implementations and test fakes.
type UnimplementedMetadataServer struct{}

func (UnimplementedMetadataServer) CreateObject(context.Context, *WriteRequest) (*HeaderResponse, error) {
	return nil, errUnimplemented("CreateObject")
}
func (UnimplementedMetadataServer) CreateObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error) {
	return nil, errUnimplemented("CreateObjectBatch")
}
func (UnimplementedMetadataServer) UpdateObject(context.Context, *WriteRequest) (*HeaderResponse, error) {
	return nil, errUnimplemented("UpdateObject")
}
func (UnimplementedMetadataServer) UpdateObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error) {
	return nil, errUnimplemented("UpdateObjectBatch")
}
func (UnimplementedMetadataServer) UpdateTag(context.Context, *WriteRequest) (*HeaderResponse, error) {
	return nil, errUnimplemented("UpdateTag")
}
func (UnimplementedMetadataServer) UpdateTagBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error) {
	return nil, errUnimplemented("UpdateTagBatch")
}
func (UnimplementedMetadataServer) ReadObject(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, errUnimplemented("ReadObject")
}
func (UnimplementedMetadataServer) ReadObjectBatch(context.Context, *ReadBatchRequest) (*ReadBatchResponse, error) {
	return nil, errUnimplemented("ReadObjectBatch")
}
func (UnimplementedMetadataServer) ListTenants(context.Context, *ListTenantsRequest) (*ListTenantsResponse, error) {
	return nil, errUnimplemented("ListTenants")
}

// UnimplementedMetadataTrustedServer fails every call.
type UnimplementedMetadataTrustedServer struct {
	UnimplementedMetadataServer
}

func (UnimplementedMetadataTrustedServer) PreallocateID(context.Context, *PreallocateRequest) (*HeaderResponse, error) {
	return nil, errUnimplemented("PreallocateId")
}
func (UnimplementedMetadataTrustedServer) PreallocateIDBatch(context.Context, *PreallocateBatchRequest) (*HeaderBatchResponse, error) {
	return nil, errUnimplemented("PreallocateIdBatch")
}
func (UnimplementedMetadataTrustedServer) CreatePreallocatedObject(context.Context, *WriteRequest) (*HeaderResponse, error) {
	return nil, errUnimplemented("CreatePreallocatedObject")
}
func (UnimplementedMetadataTrustedServer) CreatePreallocatedObjectBatch(context.Context, *WriteBatchRequest) (*HeaderBatchResponse, error) {
	return nil, errUnimplemented("CreatePreallocatedObjectBatch")
}
func (UnimplementedMetadataTrustedServer) CreateTenant(context.Context, *TenantRequest) (*TenantResponse, error) {
	return nil, errUnimplemented("CreateTenant")
}
func (UnimplementedMetadataTrustedServer) UpdateTenant(context.Context, *TenantRequest) (*TenantResponse, error) {
	return nil, errUnimplemented("UpdateTenant")
}

// UnimplementedOrchestratorServer fails every call.
type UnimplementedOrchestratorServer struct{}

func (UnimplementedOrchestratorServer) SubmitJob(context.Context, *SubmitJobRequest) (*JobStatusResponse, error) {
	return nil, errUnimplemented("SubmitJob")
}
func (UnimplementedOrchestratorServer) CheckJob(context.Context, *JobRequest) (*JobStatusResponse, error) {
	return nil, errUnimplemented("CheckJob")
}
func (UnimplementedOrchestratorServer) CancelJob(context.Context, *JobRequest) (*JobStatusResponse, error) {
	return nil, errUnimplemented("CancelJob")
}
func (UnimplementedOrchestratorServer) ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error) {
	return nil, errUnimplemented("ListJobs")
}

// UnimplementedRuntimeServer fails every call.
type UnimplementedRuntimeServer struct{}

func (UnimplementedRuntimeServer) CheckJob(context.Context, *RuntimeJobRequest) (*JobStatusResponse, error) {
	return nil, errUnimplemented("CheckJob")
}
func (UnimplementedRuntimeServer) GetJobResult(context.Context, *RuntimeJobRequest) (*RuntimeJobResult, error) {
	return nil, errUnimplemented("GetJobResult")
}
