// Package logger holds the process-wide structured logger.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger instance. Components that are not handed a
	// logger at construction fall back to it.
	Logger *zap.SugaredLogger
	// JSONOutput records whether Initialize selected JSON output.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. JSON output is for machine
// consumption; otherwise a development console encoder is used.
func Initialize(jsonOutput bool, level string) error {
	JSONOutput = jsonOutput

	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var zl *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.OutputPaths = []string{"stdout"}
		zl, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			lvl,
		))
	}

	Logger = zl.Sugar()
	return nil
}

// Named returns l scoped to a component, or the global logger scoped to it
// when l is nil.
func Named(l *zap.SugaredLogger, component string) *zap.SugaredLogger {
	if l == nil {
		l = Logger
	}
	return l.With(FieldComponent, component)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}
