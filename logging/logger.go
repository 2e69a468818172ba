// logging/logger.go

package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op until InitLogger runs, so packages and tests can log freely.
var Log = zap.NewNop()

func InitLogger(logDirPath string) {
	config := zap.NewProductionConfig()

	// Customize log level based on environment
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel != "" {
		level, err := zapcore.ParseLevel(logLevel)
		if err == nil {
			config.Level.SetLevel(level)
		}
	}

	outputs := []string{"stdout"}
	errorOutputs := []string{"stderr"}
	if logDirPath != "" {
		if err := os.MkdirAll(logDirPath, 0o755); err != nil {
			panic(err)
		}
		outputs = append(outputs, filepath.Join(logDirPath, "authz.log"))
		errorOutputs = append(errorOutputs, filepath.Join(logDirPath, "authz_error.log"))
	}
	config.OutputPaths = outputs
	config.ErrorOutputPaths = errorOutputs

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	built, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	Log = built

	zap.ReplaceGlobals(Log)
}

// SetLogger swaps the package logger, mostly for tests using zaptest/observer.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Log = l
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

// WithContext adds context fields to the logger
func WithContext(fields ...zap.Field) *zap.Logger {
	return Log.With(fields...)
}

func Sync() error {
	return Log.Sync()
}
