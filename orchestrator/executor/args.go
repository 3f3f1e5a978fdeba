// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package executor

import (
	"path"
	"strconv"
	"strings"

	"tracdap.io/tracdap/pkg/tracerr"
)

// LaunchConfig is everything SubmitBatch needs to start the process.
// Stdout and Stderr are optional redirect targets inside batch volumes;
// ExposePort asks the driver to allocate the runtime API port, which is
// only honored by drivers advertising FeatureExposePort.
type LaunchConfig struct {
	Command    string      `json:"command"`
	Args       []LaunchArg `json:"args,omitempty"`
	Stdout     *FileRef    `json:"stdout,omitempty"`
	Stderr     *FileRef    `json:"stderr,omitempty"`
	ExposePort bool        `json:"exposePort,omitempty"`
}

// FileRef addresses one file inside one batch volume.
type FileRef struct {
	Volume string `json:"volume"`
	File   string `json:"file"`
}

// ArgType distinguishes the launch argument encodings.
type ArgType string

const (
	// ArgString passes the literal value through verbatim.
	ArgString ArgType = "STRING"
	// ArgPath renders a (volume, file) pair as the path the batch sees.
	ArgPath ArgType = "PATH"
	// ArgPort renders the allocated runtime API port.
	ArgPort ArgType = "PORT"
)

// LaunchArg is one argument on the batch command line.
type LaunchArg struct {
	ArgType ArgType `json:"argType"`
	Value   string  `json:"value,omitempty"`
	Volume  string  `json:"volume,omitempty"`
	File    string  `json:"file,omitempty"`
}

// StringArg builds a verbatim argument.
func StringArg(value string) LaunchArg {
	return LaunchArg{ArgType: ArgString, Value: value}
}

// PathArg builds an argument addressing a file inside a batch volume.
func PathArg(volume, file string) LaunchArg {
	return LaunchArg{ArgType: ArgPath, Volume: volume, File: file}
}

// DirArg builds an argument addressing a batch volume's root directory.
func DirArg(volume string) LaunchArg {
	return LaunchArg{ArgType: ArgPath, Volume: volume}
}

// PortArg builds an argument carrying the runtime API port number.
func PortArg() LaunchArg {
	return LaunchArg{ArgType: ArgPort}
}

// DecodeArgs resolves the launch arguments against the batch state.
// joinPath renders a volume-relative file as the path the batch will see,
// port fills ArgPort args. Path args must address a volume recorded in
// the state and must stay inside it once normalized.
func DecodeArgs(state State, launch LaunchConfig, port int, joinPath func(volume, file string) string) ([]string, error) {
	args := make([]string, 0, len(launch.Args))
	for _, arg := range launch.Args {
		switch arg.ArgType {
		case ArgString:
			args = append(args, arg.Value)

		case ArgPath:
			if arg.File == "" {
				if err := volumePresent(state, arg.Volume); err != nil {
					return nil, err
				}
				args = append(args, joinPath(arg.Volume, ""))
				continue
			}
			file, err := volumeFile(state, arg.Volume, arg.File)
			if err != nil {
				return nil, err
			}
			args = append(args, joinPath(arg.Volume, file))

		case ArgPort:
			if port == 0 {
				return nil, tracerr.New(tracerr.ExecutorValidation,
					"launch config uses a port arg without requesting a port")
			}
			args = append(args, strconv.Itoa(port))

		default:
			return nil, tracerr.New(tracerr.ExecutorValidation,
				"unknown launch arg type %q", arg.ArgType)
		}
	}
	return args, nil
}

// volumePresent verifies a volume reference against the batch state.
func volumePresent(state State, volume string) error {
	if err := VerifyVolumeName(volume); err != nil {
		return err
	}
	if !state.HasVolume(volume) {
		return tracerr.New(tracerr.ExecutorValidation,
			"launch arg addresses missing volume %q", volume)
	}
	return nil
}

// volumeFile normalizes a volume-relative file reference and verifies it
// cannot escape the volume.
func volumeFile(state State, volume, file string) (string, error) {
	if err := volumePresent(state, volume); err != nil {
		return "", err
	}

	cleaned := path.Clean(strings.ReplaceAll(file, `\`, `/`))
	if cleaned == "." || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", tracerr.New(tracerr.ExecutorValidation,
			"launch arg path %q escapes volume %q", file, volume)
	}
	return cleaned, nil
}

// ResolveFileRef normalizes a file reference against the state, for
// redirect targets and output lookups. A nil ref resolves to empty names.
func ResolveFileRef(state State, ref *FileRef) (volume, file string, err error) {
	if ref == nil {
		return "", "", nil
	}
	file, err = volumeFile(state, ref.Volume, ref.File)
	if err != nil {
		return "", "", err
	}
	return ref.Volume, file, nil
}

// ResolveOutput normalizes an output file reference, used by drivers to
// answer HasOutputFile and GetOutputFile.
func ResolveOutput(state State, volume, file string) (string, error) {
	normalized, err := volumeFile(state, volume, file)
	if err != nil {
		return "", err
	}
	if state.Volumes[volume] != VolumeOutput {
		return "", tracerr.New(tracerr.ExecutorValidation,
			"volume %q is not an output volume", volume)
	}
	return normalized, nil
}
