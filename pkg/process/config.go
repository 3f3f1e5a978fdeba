// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v3"
)

// SaveConfig writes the effective settings of the command to outfile as
// YAML, with overrides taking precedence. Flags that are hidden, only
// relevant during setup, or still at their default value without an
// override are left out, so the file records decisions rather than
// defaults.
func SaveConfig(cmd *cobra.Command, outfile string, overrides map[string]interface{}) error {
	flags := cmd.Flags()

	vip := viper.New()
	if err := vip.BindPFlags(flags); err != nil {
		return errs.Wrap(err)
	}
	vip.SetEnvPrefix("trac")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if err := vip.MergeConfigMap(overrides); err != nil {
		return errs.Wrap(err)
	}
	settings := vip.AllSettings()

	var filterSettings func(string, map[string]interface{})
	filterSettings = func(base string, settings map[string]interface{}) {
		for key, value := range settings {
			if value, ok := value.(map[string]interface{}); ok {
				filterSettings(base+key+".", value)
				if len(value) == 0 {
					delete(settings, key)
				}
				continue
			}

			fullKey := base + key
			_, overridden := overrides[fullKey]

			f := flags.Lookup(fullKey)
			if f == nil {
				delete(settings, key)
				continue
			}
			if f.Hidden || readBoolAnnotation(f, "setup") {
				delete(settings, key)
				continue
			}
			if !f.Changed && !overridden {
				delete(settings, key)
			}
		}
	}
	filterSettings("", settings)

	var data []byte
	if len(settings) > 0 {
		var err error
		data, err = yaml.Marshal(settings)
		if err != nil {
			return errs.Wrap(err)
		}
	}
	return atomicWrite(outfile, 0600, data)
}

func readBoolAnnotation(flag *pflag.Flag, key string) bool {
	annotation := flag.Annotations[key]
	return len(annotation) > 0 && annotation[0] == "true"
}

func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close(), os.Remove(fh.Name()))
		}
	}()
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Chmod(mode); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(os.Rename(fh.Name(), outfile))
}
