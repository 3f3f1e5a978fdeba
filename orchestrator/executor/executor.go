// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package executor defines the batch executor abstraction: a driver that
// launches external compute processes in an isolated sandbox, feeds them
// files through named volumes and harvests their status and outputs.
//
// Concrete drivers live in the sub-packages localbatch and sshbatch. The
// supervisor composes a driver with the job cache into a durable job
// lifecycle; it never looks inside the batch state it shuttles between
// driver calls, it only stores and replays it.
package executor

import (
	"context"

	"github.com/zeebo/errs"

	"tracdap.io/tracdap/pkg/tracerr"
)

// Error is the class for executor driver failures.
var Error = errs.Class("executor")

// Feature is an optional executor capability. Callers interrogate
// HasFeature before using the calls a feature gates; drivers without the
// feature reject those calls outright.
type Feature string

const (
	// FeatureOutputVolumes gates HasOutputFile and GetOutputFile.
	FeatureOutputVolumes Feature = "OUTPUT_VOLUMES"
	// FeatureExposePort gates GetBatchAddress and port launch args.
	FeatureExposePort Feature = "EXPOSE_PORT"
	// FeatureStorageMapping says batches can reach platform storage
	// locations directly.
	FeatureStorageMapping Feature = "STORAGE_MAPPING"
	// FeatureCancellation gates CancelBatch.
	FeatureCancellation Feature = "CANCELLATION"
)

// StatusCode is the lifecycle state of one batch as the driver sees it.
type StatusCode string

const (
	StatusQueued    StatusCode = "QUEUED"
	StatusRunning   StatusCode = "RUNNING"
	StatusComplete  StatusCode = "COMPLETE"
	StatusSucceeded StatusCode = "SUCCEEDED"
	StatusFailed    StatusCode = "FAILED"
	StatusCancelled StatusCode = "CANCELLED"
	StatusUnknown   StatusCode = "UNKNOWN"
)

// Finished reports whether the batch has stopped running.
func (code StatusCode) Finished() bool {
	switch code {
	case StatusComplete, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Status is a point-in-time report on one batch. Message is a fallback
// explanation for failed batches, taken from the exit code when the
// driver has nothing better.
type Status struct {
	Code     StatusCode
	Message  string
	ExitCode int
}

// Executor launches and supervises batches. Every call that advances a
// batch takes the current state snapshot and returns the updated copy;
// the caller persists it between calls and must not modify it.
//
// architecture: Service
type Executor interface {
	// HasFeature reports whether the driver offers an optional capability.
	HasFeature(feature Feature) bool

	// CreateBatch allocates the batch sandbox.
	CreateBatch(ctx context.Context, batchKey string) (State, error)

	// AddVolume creates a named volume inside the sandbox.
	AddVolume(ctx context.Context, state State, volume string, volumeType VolumeType) (State, error)

	// AddFile writes one file into a volume. Files can only be placed
	// before the batch starts.
	AddFile(ctx context.Context, state State, volume, name string, content []byte) (State, error)

	// SubmitBatch decodes the launch config and starts the process.
	SubmitBatch(ctx context.Context, state State, launch LaunchConfig) (State, error)

	// GetBatchStatus reports where the batch is in its lifecycle.
	GetBatchStatus(ctx context.Context, state State) (Status, error)

	// HasOutputFile reports whether a batch output exists. Gated on
	// FeatureOutputVolumes.
	HasOutputFile(ctx context.Context, state State, volume, name string) (bool, error)

	// GetOutputFile reads one batch output. Gated on FeatureOutputVolumes.
	GetOutputFile(ctx context.Context, state State, volume, name string) ([]byte, error)

	// GetBatchAddress returns the socket address of the batch runtime API.
	// Gated on FeatureExposePort.
	GetBatchAddress(ctx context.Context, state State) (string, error)

	// CancelBatch stops a running batch. Gated on FeatureCancellation.
	CancelBatch(ctx context.Context, state State) (State, error)

	// DeleteBatch terminates the batch if it is still alive and removes
	// the sandbox, unless the driver is configured to persist sandboxes.
	DeleteBatch(ctx context.Context, state State) error
}

// Unsupported is the uniform error for calls gated on a feature the
// driver does not offer.
func Unsupported(feature Feature) error {
	return tracerr.New(tracerr.ExecutorValidation,
		"executor does not support %s", feature)
}
