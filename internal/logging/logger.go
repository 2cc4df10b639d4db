package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
// Unrecognized levels fall back to info rather than failing startup.
func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel := zapcore.InfoLevel
	if trimmed := strings.ToLower(strings.TrimSpace(level)); trimmed != "" {
		if candidate, err := zapcore.ParseLevel(trimmed); err == nil {
			parsedLevel = candidate
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	return cfg.Build()
}
