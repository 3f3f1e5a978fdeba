// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package jobexec supervises job execution: it turns the one-shot calls
// of the job api into a durable batch lifecycle over an executor driver.
//
// The supervisor itself is stateless. Every operation takes the job's
// JobState, advances it through executor calls, and hands it back for
// the caller to persist; crash recovery is simply the next poll reading
// the persisted state and asking the executor where the batch stands.
package jobexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/pkg/rpc/api"
	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the class for supervisor failures.
	Error = errs.Class("jobexec")

	mon = monkit.Package()
)

// Config configures the job supervisor.
type Config struct {
	RuntimeCommand string        `help:"command that starts the model runtime inside a batch" default:"trac-runtime"`
	RuntimeVenv    string        `help:"virtual env prefix the runtime command lives under, empty runs the command as-is" default:""`
	PollAllowance  int           `help:"consecutive failed polls tolerated before a running job is declared failed" default:"3"`
	RPCTimeout     time.Duration `help:"deadline for runtime api calls into a batch" default:"30s"`
}

// Well-known names inside a batch sandbox. The config and scratch
// volumes always exist; log and result volumes only when the executor
// offers output volumes.
const (
	volumeConfig  = "config"
	volumeScratch = "scratch"
	volumeLog     = "log"
	volumeResult  = "result"

	sysConfigFile = "sys_config.json"
	jobConfigFile = "job_config.json"
	stdoutFile    = "stdout.txt"
	stderrFile    = "stderr.txt"
)

// Supervisor composes an executor driver into the job lifecycle.
//
// architecture: Service
type Supervisor struct {
	log    *zap.Logger
	exec   executor.Executor
	config Config
}

// NewSupervisor creates a supervisor over one executor driver.
func NewSupervisor(log *zap.Logger, exec executor.Executor, config Config) *Supervisor {
	return &Supervisor{log: log, exec: exec, config: config}
}

// Submit builds and launches the batch for one job. The state must carry
// the job key, tenant and definition; on return it carries the batch
// snapshot and the frozen feature set. If anything fails after the
// sandbox was created, the sandbox is deleted best-effort before the
// error surfaces.
func (super *Supervisor) Submit(ctx context.Context, state *JobState) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch, err := super.exec.CreateBatch(ctx, state.JobKey)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if deleteErr := super.exec.DeleteBatch(ctx, batch); deleteErr != nil {
			super.log.Warn("batch cleanup after failed submit",
				zap.String("job", state.JobKey), zap.Error(deleteErr))
		}
	}()

	features := Features{
		OutputVolumes:  super.exec.HasFeature(executor.FeatureOutputVolumes),
		ExposePort:     super.exec.HasFeature(executor.FeatureExposePort),
		StorageMapping: super.exec.HasFeature(executor.FeatureStorageMapping),
		Cancellation:   super.exec.HasFeature(executor.FeatureCancellation),
	}

	batch, err = super.exec.AddVolume(ctx, batch, volumeConfig, executor.VolumeConfig)
	if err != nil {
		return err
	}
	batch, err = super.exec.AddVolume(ctx, batch, volumeScratch, executor.VolumeScratch)
	if err != nil {
		return err
	}
	if features.OutputVolumes {
		batch, err = super.exec.AddVolume(ctx, batch, volumeLog, executor.VolumeOutput)
		if err != nil {
			return err
		}
		batch, err = super.exec.AddVolume(ctx, batch, volumeResult, executor.VolumeOutput)
		if err != nil {
			return err
		}
	}

	sysConfig, err := json.Marshal(runtimeSysConfig{
		Tenant:         state.Tenant,
		StorageMapping: features.StorageMapping,
		RuntimeAPI:     features.ExposePort,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	jobConfig, err := json.Marshal(runtimeJobConfig{
		JobKey: state.JobKey,
		Tenant: state.Tenant,
		Job:    state.Job,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	batch, err = super.exec.AddFile(ctx, batch, volumeConfig, sysConfigFile, sysConfig)
	if err != nil {
		return err
	}
	batch, err = super.exec.AddFile(ctx, batch, volumeConfig, jobConfigFile, jobConfig)
	if err != nil {
		return err
	}

	batch, err = super.exec.SubmitBatch(ctx, batch, super.launchConfig(features))
	if err != nil {
		return err
	}

	mon.Meter("jobs_submitted").Mark(1)
	super.log.Info("job submitted",
		zap.String("job", state.JobKey),
		zap.String("tenant", state.Tenant))

	state.Batch = &batch
	state.Features = features
	state.Status = api.JobSubmitted
	state.StatusMessage = ""
	return nil
}

// launchConfig assembles the model runtime command line for one batch.
func (super *Supervisor) launchConfig(features Features) executor.LaunchConfig {
	command := super.config.RuntimeCommand
	if super.config.RuntimeVenv != "" {
		command = super.config.RuntimeVenv + "/bin/" + command
	}

	launch := executor.LaunchConfig{
		Command: command,
		Args: []executor.LaunchArg{
			executor.StringArg("--sys-config"), executor.PathArg(volumeConfig, sysConfigFile),
			executor.StringArg("--job-config"), executor.PathArg(volumeConfig, jobConfigFile),
			executor.StringArg("--scratch-dir"), executor.DirArg(volumeScratch),
		},
	}

	if features.OutputVolumes {
		launch.Args = append(launch.Args,
			executor.StringArg("--job-result-dir"), executor.DirArg(volumeResult),
			executor.StringArg("--job-result-format"), executor.StringArg("json"))
		launch.Stdout = &executor.FileRef{Volume: volumeLog, File: stdoutFile}
		launch.Stderr = &executor.FileRef{Volume: volumeLog, File: stderrFile}
	}
	if features.ExposePort {
		launch.Args = append(launch.Args,
			executor.StringArg("--runtime-api-port"), executor.PortArg())
		launch.ExposePort = true
	}
	return launch
}

// Poll advances a submitted job one step: it reads the batch status,
// consults the in-batch runtime when one is reachable, and resolves
// finished batches into a final status. Poll mutates the state and
// reports errors only when nothing could be decided; transient trouble
// is absorbed into the poll failure allowance.
func (super *Supervisor) Poll(ctx context.Context, state *JobState) (err error) {
	defer mon.Task()(&ctx)(&err)

	if state.Status.Finished() || state.Batch == nil {
		return nil
	}

	batchStatus, err := super.exec.GetBatchStatus(ctx, *state.Batch)
	if err != nil {
		return super.pollFailure(state, err)
	}

	switch batchStatus.Code {
	case executor.StatusQueued:
		state.Status = api.JobSubmitted

	case executor.StatusRunning:
		if state.Features.ExposePort {
			return super.checkRuntime(ctx, state)
		}
		state.Status = api.JobRunning

	case executor.StatusComplete, executor.StatusSucceeded:
		state.Status = api.JobFinishing
		return super.finishJob(ctx, state)

	case executor.StatusFailed:
		super.failJob(ctx, state, batchStatus)

	case executor.StatusCancelled:
		state.Status = api.JobCancelled
		state.StatusMessage = "job cancelled"

	default:
		// the process is gone without a trace; tolerate a few sightings
		// in case the driver is catching up after a restart
		return super.pollFailure(state, tracerr.New(tracerr.ExecutorFailure,
			"status of batch %s was lost", state.JobKey))
	}

	state.PollFailures = 0
	return nil
}

// pollFailure tolerates a bounded run of failed polls before giving the
// job up; one slow executor response must not kill a healthy batch.
func (super *Supervisor) pollFailure(state *JobState, cause error) error {
	state.PollFailures++
	if state.PollFailures <= super.config.PollAllowance {
		super.log.Warn("job poll failed",
			zap.String("job", state.JobKey),
			zap.Int("failures", state.PollFailures),
			zap.Error(cause))
		return nil
	}

	mon.Meter("jobs_lost").Mark(1)
	state.Status = api.JobFailed
	state.StatusMessage = "job monitoring lost the batch: " + cause.Error()
	state.ErrorDetail = cause.Error()
	return nil
}

// failJob resolves a failed batch, digging the model runtime's own error
// out of the stderr capture when there is one.
func (super *Supervisor) failJob(ctx context.Context, state *JobState, batchStatus executor.Status) {
	mon.Meter("jobs_failed").Mark(1)
	state.Status = api.JobFailed
	state.StatusMessage = batchStatus.Message
	if state.StatusMessage == "" {
		state.StatusMessage = fmt.Sprintf("batch terminated with exit code %d", batchStatus.ExitCode)
	}

	if !state.Features.OutputVolumes {
		return
	}
	stderr, err := super.exec.GetOutputFile(ctx, *state.Batch, volumeLog, stderrFile)
	if err != nil {
		super.log.Debug("stderr not readable for failed job",
			zap.String("job", state.JobKey), zap.Error(err))
		return
	}
	if message, ok := runtimeErrorMessage(stderr); ok {
		state.StatusMessage = message
		state.ErrorDetail = string(stderr)
	}
}

// finishJob resolves a batch that exited cleanly. The runtime's result
// document is the source of truth when output volumes exist; a result
// that does not parse is definitively wrong, never transient.
func (super *Supervisor) finishJob(ctx context.Context, state *JobState) error {
	if !state.Features.OutputVolumes {
		mon.Meter("jobs_succeeded").Mark(1)
		state.Status = api.JobSucceeded
		state.StatusMessage = ""
		state.PollFailures = 0
		return nil
	}

	resultFile := fmt.Sprintf("job_result_%s.json", state.JobKey)
	found, err := super.exec.HasOutputFile(ctx, *state.Batch, volumeResult, resultFile)
	if err != nil {
		return super.pollFailure(state, err)
	}
	if !found {
		mon.Meter("jobs_failed").Mark(1)
		state.Status = api.JobFailed
		state.StatusMessage = "batch finished without writing a job result"
		return nil
	}

	content, err := super.exec.GetOutputFile(ctx, *state.Batch, volumeResult, resultFile)
	if err != nil {
		return super.pollFailure(state, err)
	}

	var result api.RuntimeJobResult
	if err := json.Unmarshal(content, &result); err != nil {
		mon.Meter("jobs_failed").Mark(1)
		state.Status = api.JobFailed
		state.StatusMessage = tracerr.New(tracerr.ExecutorFailure,
			"job result does not parse: %v", err).Error()
		return nil
	}

	state.PollFailures = 0
	state.Result = result.Result
	switch {
	case result.Status == api.JobSucceeded || !result.Status.Finished():
		mon.Meter("jobs_succeeded").Mark(1)
		state.Status = api.JobSucceeded
		state.StatusMessage = ""
	default:
		mon.Meter("jobs_failed").Mark(1)
		state.Status = result.Status
		state.StatusMessage = fmt.Sprintf("model runtime reported %s", result.Status)
	}
	return nil
}

// Cancel stops a running job. The executor must offer cancellation once
// a batch exists; jobs that never launched are cancelled in place.
func (super *Supervisor) Cancel(ctx context.Context, state *JobState) (err error) {
	defer mon.Task()(&ctx)(&err)

	if state.Status.Finished() {
		return tracerr.New(tracerr.Validation,
			"job %s already finished as %s", state.JobKey, state.Status)
	}

	if state.Batch != nil {
		if !state.Features.Cancellation {
			return executor.Unsupported(executor.FeatureCancellation)
		}
		batch, err := super.exec.CancelBatch(ctx, *state.Batch)
		if err != nil {
			return err
		}
		state.Batch = &batch
	}

	mon.Meter("jobs_cancelled").Mark(1)
	state.Status = api.JobCancelled
	state.StatusMessage = "job cancelled by request"
	return nil
}

// Release tears down the batch sandbox of a finished job.
func (super *Supervisor) Release(ctx context.Context, state *JobState) (err error) {
	defer mon.Task()(&ctx)(&err)

	if state.Batch == nil {
		return nil
	}
	if err := super.exec.DeleteBatch(ctx, *state.Batch); err != nil {
		return err
	}
	state.Batch = nil
	return nil
}
