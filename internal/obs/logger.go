// Copyright 2025 James Ross
package obs

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a process-wide structured logger. format selects
// "json" (production) or "pretty" (console-encoded, for local runs).
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if strings.EqualFold(format, "pretty") {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.Encoding = "console"
	} else {
		cfg.Encoding = "json"
	}
	return cfg.Build()
}

// WithWorkerFields returns a child logger carrying the base fields every
// worker log line should include.
func WithWorkerFields(log *zap.Logger, workerID, class, deploymentEnv, region string) *zap.Logger {
	return log.With(
		zap.String("worker_id", workerID),
		zap.String("class", class),
		zap.String("deployment_env", deploymentEnv),
		zap.String("region", region),
	)
}

// Convenience typed fields.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field        { return zap.Error(err) }
