// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to command line flags.
//
// Struct fields carry their flag metadata in tags: help is the usage text,
// default the flag default, and devDefault/releaseDefault select a default
// by build profile. Nested structs contribute a dot-separated prefix,
// anonymous fields are transparent. Flags write straight into the bound
// struct, so after flag and config parsing the struct is ready to use.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// ConfDirName is the placeholder expanded to the configured directory in
// flag defaults.
const ConfDirName = "$CONFDIR"

// BindOpt modifies the behavior of Bind.
type BindOpt func(vars map[string]string)

// ConfDir sets the value the $CONFDIR placeholder expands to.
func ConfDir(path string) BindOpt {
	return func(vars map[string]string) { vars["CONFDIR"] = path }
}

// UseDevDefaults forces the dev profile defaults.
func UseDevDefaults() BindOpt {
	return func(vars map[string]string) { vars["defaults"] = "dev" }
}

// UseReleaseDefaults forces the release profile defaults.
func UseReleaseDefaults() BindOpt {
	return func(vars map[string]string) { vars["defaults"] = "release" }
}

// DefaultsParam scans the raw arguments for --defaults before flag parsing
// has happened, so binding can pick the right profile.
func DefaultsParam() string {
	for i, arg := range os.Args {
		if arg == "--defaults" && i+1 < len(os.Args) {
			return strings.ToLower(os.Args[i+1])
		}
		if value, found := strings.CutPrefix(arg, "--defaults="); found {
			return strings.ToLower(value)
		}
	}
	return ""
}

// DefaultsType returns the defaults profile this process runs with.
func DefaultsType() string {
	if param := DefaultsParam(); param != "" {
		return param
	}
	return "release"
}

// DefaultsFlag registers the --defaults flag on the command and returns the
// matching BindOpt.
func DefaultsFlag(cmd *cobra.Command) BindOpt {
	defaults := DefaultsType()
	cmd.PersistentFlags().String("defaults", defaults,
		"determines which set of configuration defaults to use, 'dev' or 'release'")

	if defaults == "dev" {
		return UseDevDefaults()
	}
	return UseReleaseDefaults()
}

// SetupFlag registers an early-parsed persistent string flag: the value is
// read from the raw arguments immediately so that it can steer Bind calls
// made before cobra parses flags.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, value *string, name, defaultValue, usage string) {
	cmd.PersistentFlags().StringVar(value, name, defaultValue, usage)

	for i, arg := range os.Args {
		if arg == "--"+name && i+1 < len(os.Args) {
			*value = os.Args[i+1]
			return
		}
		if v, found := strings.CutPrefix(arg, "--"+name+"="); found {
			*value = v
			return
		}
	}
}

// Bind registers flags for every taggable field of config, writing parsed
// values directly into the struct. config must be a pointer to a struct.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected pointer to struct", config))
	}

	vars := map[string]string{"defaults": DefaultsType()}
	for _, opt := range opts {
		opt(vars)
	}

	bindStruct(flags, ptr.Elem(), "", vars)
}

func bindStruct(flags *pflag.FlagSet, structVal reflect.Value, prefix string, vars map[string]string) {
	structType := structVal.Type()

	for i := 0; i < structVal.NumField(); i++ {
		field := structType.Field(i)
		fieldVal := structVal.Field(i)
		if !fieldVal.CanAddr() || !field.IsExported() {
			continue
		}

		flagName := prefix + hyphenate(field.Name)
		if field.Anonymous {
			flagName = prefix
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			childPrefix := flagName
			if !field.Anonymous {
				childPrefix += "."
			}
			bindStruct(flags, fieldVal, childPrefix, vars)
			continue
		}

		bindField(flags, field, fieldVal, flagName, vars)
	}
}

func bindField(flags *pflag.FlagSet, field reflect.StructField, fieldVal reflect.Value, flagName string, vars map[string]string) {
	help := field.Tag.Get("help")
	def, hasDef := fieldDefault(field, vars["defaults"])
	if !hasDef && help == "" {
		return
	}
	def = expandVars(def, vars)

	addr := fieldVal.Addr().Interface()
	switch target := addr.(type) {
	case *string:
		flags.StringVar(target, flagName, def, help)
	case *bool:
		flags.BoolVar(target, flagName, mustParseBool(flagName, def), help)
	case *int:
		flags.IntVar(target, flagName, int(mustParseInt(flagName, def)), help)
	case *int64:
		flags.Int64Var(target, flagName, mustParseInt(flagName, def), help)
	case *uint:
		flags.UintVar(target, flagName, uint(mustParseUint(flagName, def)), help)
	case *uint64:
		flags.Uint64Var(target, flagName, mustParseUint(flagName, def), help)
	case *float64:
		flags.Float64Var(target, flagName, mustParseFloat(flagName, def), help)
	case *time.Duration:
		flags.DurationVar(target, flagName, mustParseDuration(flagName, def), help)
	case *[]string:
		var defSlice []string
		if def != "" {
			defSlice = strings.Split(def, ",")
		}
		flags.StringSliceVar(target, flagName, defSlice, help)
	default:
		panic(fmt.Sprintf("invalid field type %s for flag %q", field.Type, flagName))
	}

	if field.Tag.Get("hidden") == "true" {
		_ = flags.MarkHidden(flagName)
	}
	if field.Tag.Get("setup") == "true" {
		_ = flags.SetAnnotation(flagName, "setup", []string{"true"})
	}
}

func fieldDefault(field reflect.StructField, profile string) (string, bool) {
	if def, ok := field.Tag.Lookup("default"); ok {
		return def, true
	}
	if profile == "dev" {
		if def, ok := field.Tag.Lookup("devDefault"); ok {
			return def, true
		}
	} else {
		if def, ok := field.Tag.Lookup("releaseDefault"); ok {
			return def, true
		}
	}
	return "", false
}

func expandVars(s string, vars map[string]string) string {
	if confdir, ok := vars["CONFDIR"]; ok {
		s = strings.ReplaceAll(s, ConfDirName, confdir)
	}
	return s
}

// hyphenate converts CamelCase field names to flag form: PoolSize becomes
// pool-size, URL stays url.
func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		lower := r | 0x20
		isUpper := 'A' <= r && r <= 'Z'
		if isUpper && i > 0 {
			prevUpper := 'A' <= runes[i-1] && runes[i-1] <= 'Z'
			nextLower := i+1 < len(runes) && 'a' <= runes[i+1] && runes[i+1] <= 'z'
			if !prevUpper || nextLower {
				out.WriteByte('-')
			}
		}
		if isUpper {
			out.WriteRune(lower)
		} else {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func mustParseBool(flagName, s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for %q: %q", flagName, s))
	}
	return v
}

func mustParseInt(flagName, s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid integer default for %q: %q", flagName, s))
	}
	return v
}

func mustParseUint(flagName, s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid unsigned default for %q: %q", flagName, s))
	}
	return v
}

func mustParseFloat(flagName, s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for %q: %q", flagName, s))
	}
	return v
}

func mustParseDuration(flagName, s string) time.Duration {
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for %q: %q", flagName, s))
	}
	return v
}
