// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package process

import (
	"flag"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tracdap.io/tracdap/pkg/cfgstruct"
)

var (
	logLevel = zap.LevelFlag("log.level", func() zapcore.Level {
		if isDev() {
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}(), "the minimum log level to log")
	logDev      = flag.Bool("log.development", isDev(), "if true, set logging to development mode")
	logCaller   = flag.Bool("log.caller", isDev(), "if true, log function filename and line number")
	logStack    = flag.Bool("log.stack", isDev(), "if true, log stack traces")
	logEncoding = flag.String("log.encoding", "console", "configures log encoding, either 'console' or 'json'")
	logOutput   = flag.String("log.output", "stderr", "can be stdout, stderr, or a filename")
)

func isDev() bool { return cfgstruct.DefaultsType() != "release" }

// NewLogger creates a new logger configured by the process flags.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithOutputPaths(*logOutput)
}

// NewLoggerWithOutputPaths is the same as NewLogger, but overrides the log
// output paths.
func NewLoggerWithOutputPaths(outputPaths ...string) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(*logLevel),
		Development:       *logDev,
		DisableCaller:     !*logCaller,
		DisableStacktrace: !*logStack,
		Encoding:          *logEncoding,
		EncoderConfig:     encoderConfig(*logEncoding),
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  outputPaths,
	}
	return cfg.Build()
}

// encoderConfig shortens the production keys to single letters and keeps
// level coloring out of json output, where it would litter parsers with
// escape codes.
func encoderConfig(encoding string) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey, cfg.LevelKey, cfg.NameKey = "T", "L", "N"
	cfg.CallerKey, cfg.MessageKey, cfg.StacktraceKey = "C", "M", "S"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if encoding == "json" {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg
}
