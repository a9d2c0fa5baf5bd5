package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DebugLevel logs are typically verbose
	DebugLevel LogLevel = iota
	// InfoLevel is the default logging priority
	InfoLevel
	// WarnLevel logs are warnings
	WarnLevel
	// ErrorLevel logs are high-priority
	ErrorLevel
)

var levelNames = map[LogLevel]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

func (l LogLevel) String() string { return levelNames[l] }

var (
	currentLevel = InfoLevel
	std          = zap.NewNop().Sugar()
	audit        = zap.NewNop().Sugar()
)

// Initialize sets up the global logger level based on input string (e.g., "debug", "info", "warn", "error").
// Debug uses zap's development encoder; every other level logs JSON.
func Initialize(level string) {
	currentLevel = ParseLevel(level)

	var cfg zap.Config
	if currentLevel == DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(toZap(currentLevel))
	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		base = zap.NewExample()
	}
	Use(base)
}

// Use replaces the underlying zap logger. Tests pass zaptest/observer loggers here.
func Use(l *zap.Logger) {
	std = l.Sugar()
	audit = l.Named("audit").Sugar()
	zap.ReplaceGlobals(l)
}

// ParseLevel maps a textual level to a LogLevel, defaulting to InfoLevel.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Level returns the configured level.
func Level() LogLevel { return currentLevel }

func toZap(l LogLevel) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Package-level helpers
func Debug(format string, v ...interface{}) { std.Debugf(format, v...) }
func Info(format string, v ...interface{})  { std.Infof(format, v...) }
func Warn(format string, v ...interface{})  { std.Warnf(format, v...) }
func Error(format string, v ...interface{}) { std.Errorf(format, v...) }

// Audit records a security-relevant rejection (unknown platform, replayed state, bad signature...).
// These are expected outcomes of hostile or misconfigured traffic, so they are written at warn
// level on the "audit" logger rather than as errors.
func Audit(event string, keysAndValues ...interface{}) {
	audit.Warnw(event, keysAndValues...)
}

// Sync flushes buffered entries.
func Sync() { _ = std.Sync() }
