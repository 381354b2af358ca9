// Package logging builds the shared structured logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a production JSON logger at the requested level.
// An empty level defaults to info.
func New(level string) (*zap.Logger, error) {
	parsed := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		var err error
		parsed, err = zapcore.ParseLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
