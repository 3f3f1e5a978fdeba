// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package localbatch runs batches as child processes of the orchestrator.
//
// Each batch gets a private sandbox directory under the configured batch
// root, volumes are sub-directories, and the process is started in its own
// process group so cancellation can take down anything it forked. The
// driver keeps a handle on every process it started; when the handle is
// gone (an orchestrator restart), liveness falls back to signal zero on
// the recorded pid and the exit code is reported as unknown.
package localbatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the class for local batch driver failures.
	Error = errs.Class("localbatch")

	mon = monkit.Package()
)

// Config configures the local batch driver.
type Config struct {
	BatchDir     string `help:"root directory for batch sandboxes" default:"$CONFDIR/batches"`
	BatchPersist bool   `help:"keep batch sandboxes after deletion, for debugging" default:"false" devDefault:"true"`
}

// Executor runs batches as local child processes.
type Executor struct {
	log    *zap.Logger
	config Config

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	// exit fields are set before done closes and never change after.
	exitCode int
	exitErr  error
}

// New creates the local batch driver.
func New(log *zap.Logger, config Config) *Executor {
	return &Executor{
		log:    log,
		config: config,
		procs:  map[string]*process{},
	}
}

var _ executor.Executor = (*Executor)(nil)

// HasFeature reports the local driver's capabilities: everything, the
// batch shares a machine with the orchestrator.
func (ex *Executor) HasFeature(feature executor.Feature) bool {
	switch feature {
	case executor.FeatureOutputVolumes, executor.FeatureExposePort,
		executor.FeatureStorageMapping, executor.FeatureCancellation:
		return true
	}
	return false
}

// CreateBatch allocates the sandbox directory, readable by the service
// account only.
func (ex *Executor) CreateBatch(ctx context.Context, batchKey string) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := executor.VerifyVolumeName(batchKey); err != nil {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"invalid batch key %q", batchKey)
	}

	batchDir := filepath.Join(ex.config.BatchDir, batchKey)
	if err := os.MkdirAll(ex.config.BatchDir, 0700); err != nil {
		return executor.State{}, pathError(err, "preparing the batch root")
	}
	if err := os.Mkdir(batchDir, 0700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
				"batch %q already exists", batchKey)
		}
		return executor.State{}, pathError(err, "creating the batch sandbox")
	}

	ex.log.Debug("batch sandbox created",
		zap.String("batch", batchKey), zap.String("dir", batchDir))

	return executor.State{
		BatchKey: batchKey,
		BatchDir: batchDir,
		Local:    &executor.LocalState{},
	}, nil
}

// AddVolume creates a volume sub-directory inside the sandbox.
func (ex *Executor) AddVolume(ctx context.Context, state executor.State, volume string, volumeType executor.VolumeType) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := executor.VerifyVolumeName(volume); err != nil {
		return executor.State{}, err
	}
	if !volumeType.Valid() {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"invalid volume type %q", volumeType)
	}
	if state.HasVolume(volume) {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"volume %q already exists in batch %q", volume, state.BatchKey)
	}

	if err := os.Mkdir(filepath.Join(state.BatchDir, volume), 0700); err != nil {
		return executor.State{}, pathError(err, "creating a batch volume")
	}
	return state.WithVolume(volume, volumeType), nil
}

// AddFile writes a file into a volume. Files only go in before launch.
func (ex *Executor) AddFile(ctx context.Context, state executor.State, volume, name string, content []byte) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if state.Launched {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q is already running, files must be added before launch", state.BatchKey)
	}
	if err := executor.VerifyFileName(name); err != nil {
		return executor.State{}, err
	}
	if !state.HasVolume(volume) {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q has no volume %q", state.BatchKey, volume)
	}

	target := filepath.Join(state.BatchDir, volume, name)
	if err := os.WriteFile(target, content, 0600); err != nil {
		return executor.State{}, pathError(err, "writing a batch file")
	}
	return state, nil
}

// SubmitBatch decodes the launch config and starts the process in its own
// process group.
func (ex *Executor) SubmitBatch(ctx context.Context, state executor.State, launch executor.LaunchConfig) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if state.Launched {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q was already submitted", state.BatchKey)
	}

	port := 0
	if launch.ExposePort {
		port, err = freePort()
		if err != nil {
			return executor.State{}, tracerr.Wrap(tracerr.ExecutorFailure, err)
		}
	}

	args, err := executor.DecodeArgs(state, launch, port, func(volume, file string) string {
		return filepath.Join(state.BatchDir, volume, filepath.FromSlash(file))
	})
	if err != nil {
		return executor.State{}, err
	}

	cmd := exec.Command(launch.Command, args...)
	cmd.Dir = state.BatchDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var openFiles []*os.File
	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()
	stdout, err := ex.redirect(state, launch.Stdout, &openFiles)
	if err != nil {
		return executor.State{}, err
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	stderr, err := ex.redirect(state, launch.Stderr, &openFiles)
	if err != nil {
		return executor.State{}, err
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return executor.State{}, tracerr.Wrap(tracerr.ExecutorAccess, err)
		}
		return executor.State{}, tracerr.Wrap(tracerr.ExecutorFailure, err)
	}

	proc := &process{cmd: cmd, done: make(chan struct{})}
	ex.mu.Lock()
	ex.procs[state.BatchKey] = proc
	ex.mu.Unlock()

	go proc.wait()

	mon.Meter("batches_submitted").Mark(1)
	ex.log.Info("batch submitted",
		zap.String("batch", state.BatchKey),
		zap.String("command", launch.Command),
		zap.Int("pid", cmd.Process.Pid))

	state.Launched = true
	state.Local = &executor.LocalState{PID: cmd.Process.Pid, Port: port}
	return state, nil
}

// wait harvests the exit status; done closes after the exit fields are set.
func (proc *process) wait() {
	err := proc.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		proc.exitCode = 0
	case errors.As(err, &exitErr):
		proc.exitCode = exitErr.ExitCode()
	default:
		proc.exitCode = -1
		proc.exitErr = err
	}
	close(proc.done)
}

// GetBatchStatus reports the batch lifecycle from the process handle, or
// from the recorded pid when the handle did not survive a restart.
func (ex *Executor) GetBatchStatus(ctx context.Context, state executor.State) (_ executor.Status, err error) {
	defer mon.Task()(&ctx)(&err)

	local, err := localState(state)
	if err != nil {
		return executor.Status{}, err
	}
	if !state.Launched {
		return executor.Status{Code: executor.StatusQueued}, nil
	}

	ex.mu.Lock()
	proc := ex.procs[state.BatchKey]
	ex.mu.Unlock()

	if proc == nil {
		return orphanStatus(local.PID), nil
	}

	select {
	case <-proc.done:
	default:
		return executor.Status{Code: executor.StatusRunning}, nil
	}

	if proc.exitErr != nil {
		return executor.Status{
			Code:     executor.StatusUnknown,
			Message:  fmt.Sprintf("batch process failed: %v", proc.exitErr),
			ExitCode: proc.exitCode,
		}, nil
	}
	if proc.exitCode == 0 {
		return executor.Status{Code: executor.StatusSucceeded}, nil
	}
	return executor.Status{
		Code:     executor.StatusFailed,
		Message:  fmt.Sprintf("batch terminated with exit code %d", proc.exitCode),
		ExitCode: proc.exitCode,
	}, nil
}

// orphanStatus classifies a batch whose process handle is gone: still
// alive means running, gone means the exit code is lost.
func orphanStatus(pid int) executor.Status {
	if pid > 0 && processAlive(pid) {
		return executor.Status{Code: executor.StatusRunning}
	}
	return executor.Status{
		Code:    executor.StatusUnknown,
		Message: "batch process is gone and its exit code was not recorded",
	}
}

// HasOutputFile reports whether a batch output exists.
func (ex *Executor) HasOutputFile(ctx context.Context, state executor.State, volume, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := executor.ResolveOutput(state, volume, name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(state.BatchDir, volume, filepath.FromSlash(file)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, pathError(err, "checking a batch output")
	}
	return true, nil
}

// GetOutputFile reads one batch output.
func (ex *Executor) GetOutputFile(ctx context.Context, state executor.State, volume, name string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := executor.ResolveOutput(state, volume, name)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(state.BatchDir, volume, filepath.FromSlash(file)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tracerr.New(tracerr.ExecutorFailure,
			"batch %q has no output %s/%s", state.BatchKey, volume, file)
	}
	if err != nil {
		return nil, pathError(err, "reading a batch output")
	}
	return content, nil
}

// GetBatchAddress returns the loopback address of the batch runtime API.
func (ex *Executor) GetBatchAddress(ctx context.Context, state executor.State) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	local, err := localState(state)
	if err != nil {
		return "", err
	}
	if local.Port == 0 {
		return "", tracerr.New(tracerr.ExecutorValidation,
			"batch %q was not submitted with an exposed port", state.BatchKey)
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(local.Port)), nil
}

// CancelBatch stops the batch process group.
func (ex *Executor) CancelBatch(ctx context.Context, state executor.State) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	local, err := localState(state)
	if err != nil {
		return executor.State{}, err
	}
	if !state.Launched {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q is not running", state.BatchKey)
	}

	ex.terminate(state.BatchKey, local.PID)
	mon.Meter("batches_cancelled").Mark(1)
	return state, nil
}

// DeleteBatch terminates the batch if needed and removes the sandbox,
// unless sandboxes are configured to persist.
func (ex *Executor) DeleteBatch(ctx context.Context, state executor.State) (err error) {
	defer mon.Task()(&ctx)(&err)

	local, err := localState(state)
	if err != nil {
		return err
	}
	if state.Launched {
		ex.terminate(state.BatchKey, local.PID)
	}

	ex.mu.Lock()
	delete(ex.procs, state.BatchKey)
	ex.mu.Unlock()

	if ex.config.BatchPersist {
		ex.log.Debug("batch sandbox persisted", zap.String("batch", state.BatchKey))
		return nil
	}
	if err := os.RemoveAll(state.BatchDir); err != nil {
		return pathError(err, "removing the batch sandbox")
	}
	return nil
}

// terminate kills the whole process group so children forked by the batch
// go down with it.
func (ex *Executor) terminate(batchKey string, pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		// The group may be gone while the leader lingers.
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			ex.log.Warn("batch process did not accept the kill signal",
				zap.String("batch", batchKey), zap.Int("pid", pid), zap.Error(err))
		}
	}
}

// redirect opens one stdout/stderr target inside a batch volume. Opened
// files are registered for closing once the process has started; the
// child keeps its own descriptors.
func (ex *Executor) redirect(state executor.State, ref *executor.FileRef, open *[]*os.File) (*os.File, error) {
	if ref == nil {
		return nil, nil
	}
	volume, file, err := executor.ResolveFileRef(state, ref)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(
		filepath.Join(state.BatchDir, volume, filepath.FromSlash(file)),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, pathError(err, "opening a batch log target")
	}
	*open = append(*open, f)
	return f, nil
}

func localState(state executor.State) (*executor.LocalState, error) {
	if state.Local == nil {
		return nil, tracerr.New(tracerr.ExecutorValidation,
			"batch state for %q does not belong to the local driver", state.BatchKey)
	}
	return state.Local, nil
}

// processAlive probes a pid with signal zero.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// freePort asks the kernel for an unused TCP port. The listener closes
// right away; the runtime inside the batch binds it for real.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, l.Close()
}

// pathError separates permission denials from other I/O failures, the
// two failure kinds the driver reports for sandbox operations.
func pathError(err error, doing string) error {
	if errors.Is(err, fs.ErrPermission) {
		return tracerr.Wrap(tracerr.ExecutorAccess, Error.New("%s: %v", doing, err))
	}
	return tracerr.Wrap(tracerr.ExecutorFailure, Error.New("%s: %v", doing, err))
}
