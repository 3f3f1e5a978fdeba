// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package sshbatch runs batches on a remote host over SSH.
//
// The lifecycle mirrors the local driver: a sandbox directory per batch,
// volumes as sub-directories, files placed over SCP. The launch wraps the
// command so its exit code lands in a file inside the sandbox, which is
// how status outlives both the SSH session and the orchestrator process.
// Liveness is probed with signal zero on the remote pid.
package sshbatch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/bramvdbogaerde/go-scp"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the class for SSH batch driver failures.
	Error = errs.Class("sshbatch")

	mon = monkit.Package()
)

// Config configures the SSH batch driver.
type Config struct {
	Host       string `help:"remote host that runs batches"`
	Port       int    `help:"ssh port on the remote host" default:"22"`
	User       string `help:"user account for batch sessions"`
	KeyRef     string `help:"path to the private key for batch sessions"`
	KnownHosts string `help:"path to a known_hosts file; empty trusts any host key, outside production only" default:""`

	BatchDir     string `help:"root directory for batch sandboxes on the remote host" default:"/tmp/tracdap/batches"`
	BatchPersist bool   `help:"keep remote batch sandboxes after deletion, for debugging" default:"false"`
}

// exitFile is where the launch wrapper records the batch exit code,
// inside the sandbox root. Volume names cannot use the trac_ prefix, so
// the name never collides.
const exitFile = "trac_exit_code"

// Executor runs batches on a remote host over SSH.
type Executor struct {
	log    *zap.Logger
	config Config

	mu     sync.Mutex
	client *ssh.Client
}

// New creates the SSH batch driver. The connection is established on
// first use, so the orchestrator can start while the batch host is down.
func New(log *zap.Logger, config Config) *Executor {
	return &Executor{log: log, config: config}
}

var _ executor.Executor = (*Executor)(nil)

// HasFeature reports the SSH driver's capabilities. Ports are not
// exposed: the runtime API would need a tunnel through the SSH channel,
// which this driver does not carry. Storage mapping is off because the
// remote host does not see the platform's storage paths.
func (ex *Executor) HasFeature(feature executor.Feature) bool {
	switch feature {
	case executor.FeatureOutputVolumes, executor.FeatureCancellation:
		return true
	}
	return false
}

// connect returns the shared SSH client, dialing it on first use.
func (ex *Executor) connect(ctx context.Context) (*ssh.Client, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ex.client != nil {
		return ex.client, nil
	}

	key, err := os.ReadFile(ex.config.KeyRef)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.ExecutorAccess, Error.New("reading ssh key: %v", err))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.ExecutorAccess, Error.New("parsing ssh key: %v", err))
	}

	hostKeys := ssh.InsecureIgnoreHostKey() //nolint:gosec // guarded by config below
	if ex.config.KnownHosts != "" {
		hostKeys, err = knownhosts.New(ex.config.KnownHosts)
		if err != nil {
			return nil, tracerr.Wrap(tracerr.ExecutorAccess, Error.New("loading known hosts: %v", err))
		}
	} else {
		ex.log.Warn("ssh host key checking is disabled, do not run this in production")
	}

	address := net.JoinHostPort(ex.config.Host, strconv.Itoa(ex.config.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.ExecutorTemporaryFailure, Error.New("dialing %s: %v", address, err))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, &ssh.ClientConfig{
		User:            ex.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
	})
	if err != nil {
		_ = conn.Close()
		return nil, tracerr.Wrap(tracerr.ExecutorAccess, Error.New("ssh handshake with %s: %v", address, err))
	}

	ex.client = ssh.NewClient(clientConn, chans, reqs)
	ex.log.Info("connected to batch host", zap.String("address", address))
	return ex.client, nil
}

// Close shuts the SSH connection down.
func (ex *Executor) Close() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.client == nil {
		return nil
	}
	err := ex.client.Close()
	ex.client = nil
	return Error.Wrap(err)
}

// run executes one remote command and returns its stdout.
func (ex *Executor) run(ctx context.Context, command string) ([]byte, error) {
	client, err := ex.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, tracerr.Wrap(tracerr.ExecutorTemporaryFailure, Error.Wrap(err))
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return stdout.Bytes(), remoteError(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// remoteError classifies a failed remote command by its stderr.
func remoteError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}
	if strings.Contains(stderr, "Permission denied") {
		return tracerr.New(tracerr.ExecutorAccess, "remote command denied: %s", detail)
	}
	return tracerr.New(tracerr.ExecutorFailure, "remote command failed: %s", detail)
}

// CreateBatch allocates the remote sandbox directory.
func (ex *Executor) CreateBatch(ctx context.Context, batchKey string) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := executor.VerifyVolumeName(batchKey); err != nil {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"invalid batch key %q", batchKey)
	}
	batchDir := path.Join(ex.config.BatchDir, batchKey)

	_, err = ex.run(ctx, fmt.Sprintf("mkdir -p -m 700 %s && mkdir -m 700 %s",
		quote(ex.config.BatchDir), quote(batchDir)))
	if err != nil {
		if strings.Contains(err.Error(), "File exists") {
			return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
				"batch %q already exists", batchKey)
		}
		return executor.State{}, err
	}

	ex.log.Debug("remote batch sandbox created",
		zap.String("batch", batchKey), zap.String("dir", batchDir))

	return executor.State{
		BatchKey: batchKey,
		BatchDir: batchDir,
		SSH:      &executor.SSHState{Host: ex.config.Host},
	}, nil
}

// AddVolume creates a volume sub-directory inside the remote sandbox.
func (ex *Executor) AddVolume(ctx context.Context, state executor.State, volume string, volumeType executor.VolumeType) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := sshState(state); err != nil {
		return executor.State{}, err
	}
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

	_, err = ex.run(ctx, "mkdir -m 700 "+quote(path.Join(state.BatchDir, volume)))
	if err != nil {
		return executor.State{}, err
	}
	return state.WithVolume(volume, volumeType), nil
}

// AddFile places a file into a remote volume over SCP.
func (ex *Executor) AddFile(ctx context.Context, state executor.State, volume, name string, content []byte) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := sshState(state); err != nil {
		return executor.State{}, err
	}
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

	client, err := ex.connect(ctx)
	if err != nil {
		return executor.State{}, err
	}
	scpClient := scp.NewConfigurer("", nil).SSHClient(client).Create()

	target := path.Join(state.BatchDir, volume, name)
	err = scpClient.Copy(ctx, bytes.NewReader(content), target, "0600", int64(len(content)))
	if err != nil {
		return executor.State{}, tracerr.Wrap(tracerr.ExecutorFailure,
			Error.New("copying %s: %v", target, err))
	}
	return state, nil
}

// SubmitBatch launches the command on the remote host, detached from the
// session. The wrapper runs the batch in its own session group, records
// the exit code in the sandbox, and prints the wrapper pid.
func (ex *Executor) SubmitBatch(ctx context.Context, state executor.State, launch executor.LaunchConfig) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	sshPart, err := sshState(state)
	if err != nil {
		return executor.State{}, err
	}
	if state.Launched {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q was already submitted", state.BatchKey)
	}
	if launch.ExposePort {
		return executor.State{}, executor.Unsupported(executor.FeatureExposePort)
	}

	args, err := executor.DecodeArgs(state, launch, 0, func(volume, file string) string {
		return path.Join(state.BatchDir, volume, file)
	})
	if err != nil {
		return executor.State{}, err
	}

	stdout, err := redirectTarget(state, launch.Stdout)
	if err != nil {
		return executor.State{}, err
	}
	stderr, err := redirectTarget(state, launch.Stderr)
	if err != nil {
		return executor.State{}, err
	}

	command := quote(launch.Command)
	for _, arg := range args {
		command += " " + quote(arg)
	}

	// setsid puts the batch in its own process group so cancellation can
	// take the whole group down; the subshell writes the exit code after
	// the batch finishes, whatever happens to this SSH session.
	wrapper := fmt.Sprintf(
		"cd %s && setsid sh -c %s > %s 2> %s < /dev/null & echo $!",
		quote(state.BatchDir),
		quote(fmt.Sprintf("%s; echo $? > %s", command, quote(path.Join(state.BatchDir, exitFile)))),
		stdout, stderr)

	out, err := ex.run(ctx, wrapper)
	if err != nil {
		return executor.State{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return executor.State{}, tracerr.New(tracerr.ExecutorFailure,
			"remote launch did not report a pid: %q", string(out))
	}

	mon.Meter("batches_submitted").Mark(1)
	ex.log.Info("batch submitted over ssh",
		zap.String("batch", state.BatchKey),
		zap.String("host", ex.config.Host),
		zap.Int("pid", pid))

	state.Launched = true
	sshPart.PID = pid
	return state, nil
}

// redirectTarget renders a shell redirect target for a stdout/stderr ref.
func redirectTarget(state executor.State, ref *executor.FileRef) (string, error) {
	if ref == nil {
		return "/dev/null", nil
	}
	volume, file, err := executor.ResolveFileRef(state, ref)
	if err != nil {
		return "", err
	}
	return quote(path.Join(state.BatchDir, volume, file)), nil
}

// GetBatchStatus probes the remote batch: a recorded exit code beats
// everything, then pid liveness, then the batch is lost.
func (ex *Executor) GetBatchStatus(ctx context.Context, state executor.State) (_ executor.Status, err error) {
	defer mon.Task()(&ctx)(&err)

	sshPart, err := sshState(state)
	if err != nil {
		return executor.Status{}, err
	}
	if !state.Launched {
		return executor.Status{Code: executor.StatusQueued}, nil
	}

	probe := fmt.Sprintf(
		"if [ -f %[1]s ]; then echo \"exit $(cat %[1]s)\"; "+
			"elif kill -0 %[2]d 2>/dev/null; then echo running; "+
			"else echo lost; fi",
		quote(path.Join(state.BatchDir, exitFile)), sshPart.PID)

	out, err := ex.run(ctx, probe)
	if err != nil {
		return executor.Status{}, err
	}

	report := strings.TrimSpace(string(out))
	switch {
	case report == "running":
		return executor.Status{Code: executor.StatusRunning}, nil

	case strings.HasPrefix(report, "exit "):
		code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(report, "exit ")))
		if err != nil {
			return executor.Status{
				Code:    executor.StatusUnknown,
				Message: fmt.Sprintf("batch recorded an unreadable exit code: %q", report),
			}, nil
		}
		if code == 0 {
			return executor.Status{Code: executor.StatusSucceeded}, nil
		}
		return executor.Status{
			Code:     executor.StatusFailed,
			Message:  fmt.Sprintf("batch terminated with exit code %d", code),
			ExitCode: code,
		}, nil

	default:
		return executor.Status{
			Code:    executor.StatusUnknown,
			Message: "batch process is gone and its exit code was not recorded",
		}, nil
	}
}

// HasOutputFile reports whether a remote batch output exists.
func (ex *Executor) HasOutputFile(ctx context.Context, state executor.State, volume, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := sshState(state); err != nil {
		return false, err
	}
	file, err := executor.ResolveOutput(state, volume, name)
	if err != nil {
		return false, err
	}

	out, err := ex.run(ctx, fmt.Sprintf("test -f %s && echo yes || echo no",
		quote(path.Join(state.BatchDir, volume, file))))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

// GetOutputFile reads one remote batch output.
func (ex *Executor) GetOutputFile(ctx context.Context, state executor.State, volume, name string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := sshState(state); err != nil {
		return nil, err
	}
	file, err := executor.ResolveOutput(state, volume, name)
	if err != nil {
		return nil, err
	}

	out, err := ex.run(ctx, "cat "+quote(path.Join(state.BatchDir, volume, file)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBatchAddress is not available over SSH; the runtime API port never
// leaves the remote host.
func (ex *Executor) GetBatchAddress(ctx context.Context, state executor.State) (string, error) {
	return "", executor.Unsupported(executor.FeatureExposePort)
}

// CancelBatch kills the remote process group.
func (ex *Executor) CancelBatch(ctx context.Context, state executor.State) (_ executor.State, err error) {
	defer mon.Task()(&ctx)(&err)

	sshPart, err := sshState(state)
	if err != nil {
		return executor.State{}, err
	}
	if !state.Launched {
		return executor.State{}, tracerr.New(tracerr.ExecutorValidation,
			"batch %q is not running", state.BatchKey)
	}

	_, _ = ex.run(ctx, fmt.Sprintf("kill -KILL -- -%[1]d 2>/dev/null; kill -KILL %[1]d 2>/dev/null; true", sshPart.PID))
	mon.Meter("batches_cancelled").Mark(1)
	return state, nil
}

// DeleteBatch terminates the batch if needed and removes the remote
// sandbox, unless sandboxes are configured to persist.
func (ex *Executor) DeleteBatch(ctx context.Context, state executor.State) (err error) {
	defer mon.Task()(&ctx)(&err)

	sshPart, err := sshState(state)
	if err != nil {
		return err
	}
	if state.Launched && sshPart.PID > 0 {
		_, _ = ex.run(ctx, fmt.Sprintf("kill -KILL -- -%[1]d 2>/dev/null; kill -KILL %[1]d 2>/dev/null; true", sshPart.PID))
	}

	if ex.config.BatchPersist {
		ex.log.Debug("remote batch sandbox persisted", zap.String("batch", state.BatchKey))
		return nil
	}
	_, err = ex.run(ctx, "rm -rf "+quote(state.BatchDir))
	return err
}

func sshState(state executor.State) (*executor.SSHState, error) {
	if state.SSH == nil {
		return nil, tracerr.New(tracerr.ExecutorValidation,
			"batch state for %q does not belong to the ssh driver", state.BatchKey)
	}
	return state.SSH, nil
}

// quote wraps a string in single quotes for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
