package ublk

import "github.com/ehrlich-b/ublk-engine/internal/logging"

// Logger is the structured logger used by devices and queues.
type Logger = logging.Logger

// LogConfig configures NewLogger.
type LogConfig = logging.Config

// LogLevel selects the minimum level a Logger emits.
type LogLevel = logging.LogLevel

// Log levels for LogConfig.
const (
	LogLevelDebug = logging.LevelDebug
	LogLevelInfo  = logging.LevelInfo
	LogLevelWarn  = logging.LevelWarn
	LogLevelError = logging.LevelError
)

// NewLogger builds a zerolog-backed logger.
func NewLogger(cfg *LogConfig) *Logger {
	return logging.NewLogger(cfg)
}

// DefaultLogger returns the process-wide logger used when Options.Logger is
// nil.
func DefaultLogger() *Logger {
	return logging.Default()
}

// SetDefaultLogger replaces the process-wide logger.
func SetDefaultLogger(l *Logger) {
	logging.SetDefault(l)
}

// ParseLogLevel maps "debug", "info", "warn" or "error" to a level.
func ParseLogLevel(name string) LogLevel {
	return logging.ParseLevel(name)
}
