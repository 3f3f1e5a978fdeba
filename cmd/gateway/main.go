// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Gateway runs the platform API gateway.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/gateway"
	"tracdap.io/tracdap/pkg/cfgstruct"
	"tracdap.io/tracdap/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "gateway",
		Short: "Tracdap API gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the API gateway",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a configuration directory",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   gateway.Config
	setupCfg gateway.Config

	confDir string
)

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir",
		defaultConfDir(), "main directory for gateway configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	peer, err := gateway.New(log, runCfg)
	if err != nil {
		return err
	}

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
		return fmt.Errorf("gateway configuration already exists (%v)", setupDir)
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
		return filepath.Join(".", ".tracdap", "gateway")
	}
	return filepath.Join(home, ".tracdap", "gateway")
}

func main() {
	process.Exec(rootCmd)
}
