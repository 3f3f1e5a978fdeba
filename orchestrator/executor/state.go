// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package executor

import (
	"regexp"
	"strings"

	"tracdap.io/tracdap/pkg/tracerr"
)

// VolumeType says what a batch volume is for. Config volumes carry files
// the platform writes before launch, scratch volumes are working space for
// the batch, output volumes carry files the platform reads back afterward.
type VolumeType string

const (
	VolumeConfig  VolumeType = "CONFIG"
	VolumeScratch VolumeType = "SCRATCH"
	VolumeOutput  VolumeType = "OUTPUT"
)

// Valid reports whether the volume type is a member of the closed set.
func (t VolumeType) Valid() bool {
	return t == VolumeConfig || t == VolumeScratch || t == VolumeOutput
}

// State is the snapshot of one batch between driver calls. It is opaque
// to everything above the driver: the supervisor serializes it into the
// job cache and hands it back verbatim, so a poll can run on a different
// process than the submit. Exactly one driver section is set and it must
// belong to the driver the state came from.
type State struct {
	BatchKey string                `json:"batchKey"`
	BatchDir string                `json:"batchDir"`
	Volumes  map[string]VolumeType `json:"volumes,omitempty"`
	Launched bool                  `json:"launched"`

	Local *LocalState `json:"local,omitempty"`
	SSH   *SSHState   `json:"ssh,omitempty"`
}

// LocalState is the driver section for batches running as local child
// processes.
type LocalState struct {
	PID  int `json:"pid,omitempty"`
	Port int `json:"port,omitempty"`
}

// SSHState is the driver section for batches running on a remote host
// over SSH.
type SSHState struct {
	Host string `json:"host"`
	PID  int    `json:"pid,omitempty"`
}

// HasVolume reports whether the named volume exists in the state.
func (s State) HasVolume(volume string) bool {
	_, ok := s.Volumes[volume]
	return ok
}

// WithVolume returns a copy of the state with the volume recorded. The
// volume map is copied so stored snapshots never alias.
func (s State) WithVolume(volume string, volumeType VolumeType) State {
	volumes := make(map[string]VolumeType, len(s.Volumes)+1)
	for name, vt := range s.Volumes {
		volumes[name] = vt
	}
	volumes[volume] = volumeType
	s.Volumes = volumes
	return s
}

var volumePattern = regexp.MustCompile(`^[A-Za-z0-9][\w\-]*$`)

// VerifyVolumeName rejects names that could escape the sandbox or collide
// with the driver's own files: path separators, dot segments, hidden
// names and the platform reserved prefix.
func VerifyVolumeName(volume string) error {
	if !volumePattern.MatchString(volume) {
		return tracerr.New(tracerr.ExecutorValidation, "invalid volume name %q", volume)
	}
	if strings.HasPrefix(strings.ToLower(volume), "trac_") {
		return tracerr.New(tracerr.ExecutorValidation,
			"volume name %q uses the reserved trac_ prefix", volume)
	}
	return nil
}

// VerifyFileName rejects file names that resolve outside their volume.
func VerifyFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return tracerr.New(tracerr.ExecutorValidation, "invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return tracerr.New(tracerr.ExecutorValidation,
			"file name %q must not contain path separators", name)
	}
	return nil
}
