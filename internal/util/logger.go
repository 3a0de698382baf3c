package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogOptions selects the logger configuration. Env "production" logs JSON,
// anything else uses the colored development encoder.
type LogOptions struct {
	Service string
	Env     string
	// Level overrides the environment default (debug, info, warn, error).
	Level string
	// Output is a zap sink such as "stderr"; empty keeps the config default.
	Output string
}

func buildLogConfig(opts LogOptions) (zap.Config, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if opts.Env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return cfg, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if opts.Output != "" {
		cfg.OutputPaths = []string{opts.Output}
	}
	return cfg, nil
}

// InitLogger builds the process logger and installs it as the zap global.
func InitLogger(opts LogOptions) error {
	cfg, err := buildLogConfig(opts)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("service", opts.Service)}
	if opts.Env != "" {
		fields = append(fields, zap.String("env", opts.Env))
	}
	built, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return err
	}
	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the process logger, falling back to a development logger
// before InitLogger runs.
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes buffered entries.
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
