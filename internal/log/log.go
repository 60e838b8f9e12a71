// Package log provides the package-level structured logger used across
// segmentcore, a thin global-logger-plus-With(fields...) wrapper around
// zap.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	global = l
}

// ReplaceGlobals swaps the package-level logger, returning a function that
// restores the previous one. Intended for tests.
func ReplaceGlobals(l *zap.Logger) func() {
	prev := global
	global = l
	return func() { global = prev }
}

// With returns a logger decorated with the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return global.With(fields...)
}

func Debug(msg string, fields ...zap.Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { global.Error(msg, fields...) }
