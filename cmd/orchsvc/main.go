// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Orchsvc runs the platform job orchestrator.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/orchestrator"
	"tracdap.io/tracdap/orchestrator/jobcache"
	"tracdap.io/tracdap/orchestrator/jobexec"
	"tracdap.io/tracdap/pkg/cfgstruct"
	"tracdap.io/tracdap/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "orchsvc",
		Short: "Tracdap job orchestrator",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the job orchestrator",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a configuration directory",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   orchestrator.Config
	setupCfg orchestrator.Config

	confDir string
)

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir",
		defaultConfDir(), "main directory for orchsvc configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	// inert constructors only ====

	ctx := process.Ctx(cmd)
	log := zap.L()

	cache, err := jobcache.Open[jobexec.JobState](ctx, log.Named("cache"), runCfg.Cache)
	if err != nil {
		return errs.New("error starting job cache: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, cache.Close())
	}()

	peer, err := orchestrator.New(log, cache, runCfg)
	if err != nil {
		return err
	}

	// okay, start doing stuff ====

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(setupDir, process.DefaultConfFilename)); err == nil {
		return fmt.Errorf("orchsvc configuration already exists (%v)", setupDir)
	}
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, process.DefaultConfFilename), nil)
}

// defaultConfDir is resolved at startup so --help shows a concrete path.
func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tracdap", "orchsvc")
	}
	return filepath.Join(home, ".tracdap", "orchsvc")
}

func main() {
	process.Exec(rootCmd)
}
