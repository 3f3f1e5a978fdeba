// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Metasvc runs the platform metadata service.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/metadata"
	"tracdap.io/tracdap/metadata/metastore"
	"tracdap.io/tracdap/pkg/cfgstruct"
	"tracdap.io/tracdap/pkg/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "metasvc",
		Short: "Tracdap metadata service",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the metadata service",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a configuration directory",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the metadata database to the latest schema",
		RunE:  cmdMigrate,
	}
	createTenantCmd = &cobra.Command{
		Use:   "create-tenant <code> [description]",
		Short: "Provision a tenant in the metadata store",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  cmdCreateTenant,
	}

	runCfg     metadata.Config
	setupCfg   metadata.Config
	migrateCfg metadata.Config
	tenantCfg  metadata.Config

	confDir string
)

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir",
		defaultConfDir(), "main directory for metasvc configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(createTenantCmd)

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(migrateCmd, &migrateCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(createTenantCmd, &tenantCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	// inert constructors only ====

	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := metastore.Open(ctx, log.Named("db"), runCfg.Store)
	if err != nil {
		return errs.New("error starting metadata database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	peer, err := metadata.New(log, db, runCfg)
	if err != nil {
		return err
	}

	// okay, start doing stuff ====

	if err := db.MigrateToLatest(ctx); err != nil {
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
		return fmt.Errorf("metasvc configuration already exists (%v)", setupDir)
	}
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, process.DefaultConfFilename), nil)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := metastore.Open(ctx, log.Named("db"), migrateCfg.Store)
	if err != nil {
		return errs.New("error starting metadata database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	return db.MigrateToLatest(ctx)
}

func cmdCreateTenant(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := metastore.Open(ctx, log.Named("db"), tenantCfg.Store)
	if err != nil {
		return errs.New("error starting metadata database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	info := metastore.TenantInfo{Code: args[0]}
	if len(args) > 1 {
		info.Description = args[1]
	}
	if err := db.CreateTenant(ctx, info); err != nil {
		return err
	}

	log.Info("tenant created", zap.String("tenant", info.Code))
	return nil
}

// defaultConfDir is resolved at startup so --help shows a concrete path.
func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tracdap", "metasvc")
	}
	return filepath.Join(home, ".tracdap", "metasvc")
}

func main() {
	process.Exec(rootCmd)
}
