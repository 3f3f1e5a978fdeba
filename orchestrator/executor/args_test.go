// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package executor_test

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"tracdap.io/tracdap/orchestrator/executor"
	"tracdap.io/tracdap/pkg/tracerr"
)

func stateWithVolumes(volumes ...string) executor.State {
	state := executor.State{BatchKey: "job-1", BatchDir: "/tmp/job-1"}
	for _, volume := range volumes {
		state = state.WithVolume(volume, executor.VolumeConfig)
	}
	return state
}

func joinSlash(volume, file string) string { return path.Join(volume, file) }

func TestDecodeArgs(t *testing.T) {
	state := stateWithVolumes("config", "scratch")
	launch := executor.LaunchConfig{
		Command: "trac-runtime",
		Args: []executor.LaunchArg{
			executor.StringArg("--sys-config"),
			executor.PathArg("config", "sys_config.json"),
			executor.StringArg("--scratch-dir"),
			executor.PathArg("scratch", "work"),
		},
	}

	args, err := executor.DecodeArgs(state, launch, 0, joinSlash)
	require.NoError(t, err)
	require.Equal(t, []string{
		"--sys-config", "config/sys_config.json",
		"--scratch-dir", "scratch/work",
	}, args)
}

func TestDecodeArgsVolumeRoot(t *testing.T) {
	state := stateWithVolumes("scratch")
	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{
			executor.StringArg("--scratch-dir"),
			executor.DirArg("scratch"),
		},
	}

	args, err := executor.DecodeArgs(state, launch, 0, joinSlash)
	require.NoError(t, err)
	require.Equal(t, []string{"--scratch-dir", "scratch"}, args)

	launch.Args = []executor.LaunchArg{executor.DirArg("missing")}
	_, err = executor.DecodeArgs(state, launch, 0, joinSlash)
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation))
}

func TestDecodeArgsPort(t *testing.T) {
	state := stateWithVolumes("config")
	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{
			executor.StringArg("--runtime-port"),
			executor.PortArg(),
		},
	}

	args, err := executor.DecodeArgs(state, launch, 9000, joinSlash)
	require.NoError(t, err)
	require.Equal(t, []string{"--runtime-port", "9000"}, args)

	// a port arg without an allocated port cannot be rendered
	_, err = executor.DecodeArgs(state, launch, 0, joinSlash)
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation))
}

func TestDecodeArgsMissingVolume(t *testing.T) {
	state := stateWithVolumes("config")
	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{executor.PathArg("logs", "stdout.txt")},
	}

	_, err := executor.DecodeArgs(state, launch, 0, joinSlash)
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation))
	require.Contains(t, err.Error(), "logs")
}

func TestDecodeArgsPathEscapes(t *testing.T) {
	state := stateWithVolumes("config")

	for _, bad := range []string{
		"../other/file",
		"..",
		"/etc/passwd",
		"sub/../../escape",
	} {
		launch := executor.LaunchConfig{
			Args: []executor.LaunchArg{executor.PathArg("config", bad)},
		}
		_, err := executor.DecodeArgs(state, launch, 0, joinSlash)
		require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation), "path %q", bad)
	}

	// nested paths that stay inside the volume are fine, and normalize
	launch := executor.LaunchConfig{
		Args: []executor.LaunchArg{executor.PathArg("config", "sub/./nested.json")},
	}
	args, err := executor.DecodeArgs(state, launch, 0, joinSlash)
	require.NoError(t, err)
	require.Equal(t, []string{"config/sub/nested.json"}, args)
}

func TestVerifyVolumeName(t *testing.T) {
	for _, good := range []string{"config", "scratch-1", "OUT_2"} {
		require.NoError(t, executor.VerifyVolumeName(good), good)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, ".hidden", "trac_internal", "-lead"} {
		err := executor.VerifyVolumeName(bad)
		require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation), "volume %q", bad)
	}
}

func TestResolveOutput(t *testing.T) {
	state := executor.State{BatchKey: "job-1"}.
		WithVolume("result", executor.VolumeOutput).
		WithVolume("config", executor.VolumeConfig)

	file, err := executor.ResolveOutput(state, "result", "job_result_job-1.json")
	require.NoError(t, err)
	require.Equal(t, "job_result_job-1.json", file)

	// only output volumes can be read back
	_, err = executor.ResolveOutput(state, "config", "sys_config.json")
	require.True(t, tracerr.IsKind(err, tracerr.ExecutorValidation))
}
