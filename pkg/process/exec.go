// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package process provides the shared service bootstrap: flag and config
// binding, logger construction, signal handling and exit code mapping.
package process

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/errs2"
	"tracdap.io/tracdap/pkg/cfgstruct"
	"tracdap.io/tracdap/pkg/tracerr"
)

// DefaultConfFilename is the config file loaded from the config directory.
const DefaultConfFilename = "config.yaml"

var (
	mu       sync.Mutex
	contexts = map[*cobra.Command]context.Context{}
)

// Bind registers the flags of a config struct on the command.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
}

// Ctx returns the context installed for the command by Exec. The context is
// canceled on the first interrupt or termination signal.
func Ctx(cmd *cobra.Command) context.Context {
	mu.Lock()
	defer mu.Unlock()

	if ctx, ok := contexts[cmd]; ok {
		return ctx
	}
	return context.Background()
}

// Exec runs the root command with the platform process conventions: config
// file and environment overlay, logger setup, signal handling, and the
// documented exit codes. It does not return.
func Exec(cmd *cobra.Command) {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	wrapRunE(cmd)

	err := cmd.Execute()
	os.Exit(tracerr.ExitCode(err))
}

// wrapRunE wraps every RunE in the command tree with the process prologue
// and error reporting epilogue.
func wrapRunE(cmd *cobra.Command) {
	for _, sub := range cmd.Commands() {
		wrapRunE(sub)
	}
	if cmd.RunE == nil {
		return
	}

	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		defer func() { _ = logger.Sync() }()

		ctx, stop := withInterrupts(logger)
		defer stop()

		mu.Lock()
		contexts[cmd] = ctx
		mu.Unlock()

		err = inner(cmd, args)
		reportError(logger, err)
		return err
	}
}

// loadConfig overlays values from the config file and TRAC_* environment
// variables onto flags the command line left untouched.
func loadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return tracerr.Wrap(tracerr.Startup, err)
	}
	vip.SetEnvPrefix("trac")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if confDir := flagValue(cmd, "config-dir"); confDir != "" {
		configFile := filepath.Join(confDir, DefaultConfFilename)
		if _, err := os.Stat(configFile); err == nil {
			vip.SetConfigFile(configFile)
			if err := vip.MergeInConfig(); err != nil {
				return tracerr.Wrap(tracerr.Startup, err)
			}
		}
	}

	var failure error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if failure != nil || f.Changed || !vip.IsSet(f.Name) {
			return
		}
		value := vip.Get(f.Name)
		if items, ok := value.([]interface{}); ok {
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, fmt.Sprint(item))
			}
			value = strings.Join(parts, ",")
		}
		if err := cmd.Flags().Set(f.Name, fmt.Sprint(value)); err != nil {
			failure = tracerr.New(tracerr.Startup,
				"invalid configuration value for %q: %v", f.Name, err)
		}
	})
	return failure
}

func flagValue(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}

// withInterrupts cancels the returned context on SIGINT or SIGTERM; a
// second signal terminates the process immediately with the interrupted
// exit code.
func withInterrupts(logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-signals:
			logger.Info("Shutdown requested", zap.Stringer("signal", sig))
			cancel()
		case <-done:
			return
		}

		select {
		case sig := <-signals:
			logger.Warn("Forced exit", zap.Stringer("signal", sig))
			os.Exit(tracerr.ExitInterrupted)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(signals)
		close(done)
		cancel()
	}
}

// reportError logs a failed run once, in the shape its kind calls for.
// Quiet startup errors were already reported in full, so they get a single
// line without a stack.
func reportError(logger *zap.Logger, err error) {
	if err == nil {
		return
	}
	if errs2.IsCanceled(err) {
		logger.Info("Process interrupted")
		return
	}

	var startup *tracerr.StartupError
	if errors.As(err, &startup) {
		if startup.Quiet {
			logger.Error(err.Error())
		} else {
			logger.Error("Startup failed", zap.Error(err))
		}
		return
	}

	logger.Error("Unrecoverable error", zap.Error(err))
}
