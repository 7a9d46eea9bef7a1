// Package observability owns the process-wide zap logger. Console output is
// split by severity (warnings and errors to stderr, the rest to stdout) so
// batch runs can pipe the summary table cleanly; the optional rotating file
// core always records JSON at full detail.
package observability

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

// Rotation defaults when the config leaves them zero.
const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
)

var (
	// Atomic pointer so concurrent readers never see a half-built logger.
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

// InitializeLogger sets up the global zap logger based on the configuration.
// Subsequent calls are no-ops.
func InitializeLogger(cfg config.LoggerConfig) {
	once.Do(func() {
		minLevel, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			minLevel = zapcore.InfoLevel
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(buildCores(cfg, minLevel)...), options...).Named(cfg.ServiceName)
		globalLogger.Store(logger)

		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// buildCores assembles the severity-split console cores and, when a log file
// is configured, a rotating JSON core.
func buildCores(cfg config.LoggerConfig, minLevel zapcore.Level) []zapcore.Core {
	console := newEncoder(cfg.Format)
	outLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l < zapcore.WarnLevel
	})
	errLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l >= zapcore.WarnLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(console, zapcore.Lock(os.Stdout), outLevel),
		zapcore.NewCore(console, zapcore.Lock(os.Stderr), errLevel),
	}

	if cfg.LogFile == "" {
		return cores
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	if rotator.MaxSize <= 0 {
		rotator.MaxSize = defaultMaxSizeMB
	}
	if rotator.MaxBackups <= 0 {
		rotator.MaxBackups = defaultMaxBackups
	}
	fileCore := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(rotator), minLevel)
	return append(cores, fileCore)
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogger returns the initialized global logger, or a development fallback
// if InitializeLogger has not run yet.
func GetLogger() *zap.Logger {
	logger := globalLogger.Load()
	if logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l.Named("fallback")
	}
	return logger
}

// Sync flushes any buffered log entries.
func Sync() {
	logger := globalLogger.Load()
	if logger != nil {
		if err := logger.Sync(); err != nil {
			// Cannot rely on the logger itself here.
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
