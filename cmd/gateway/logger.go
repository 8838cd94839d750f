package main

import (
	"fmt"
	"strings"

	"admission-gateway/middleware/ratelimit/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger monta o logger a partir de log.level e log.format.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
