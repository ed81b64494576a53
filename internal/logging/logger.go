// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger flavour.
type Config struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// New builds a zap.Logger configured for development or production. An empty
// level keeps the preset's default (debug in development, info otherwise).
func New(cfg Config) (*zap.Logger, error) {
	logger, _, err := NewLeveled(cfg)
	return logger, err
}

// NewLeveled is New plus the logger's adjustable level.
func NewLeveled(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableStacktrace = false
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	if err := SetLevel(zcfg.Level, cfg.Level); err != nil {
		return nil, zcfg.Level, err
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, zcfg.Level, fmt.Errorf("build logger: %w", err)
	}
	return logger, zcfg.Level, nil
}

// SetLevel parses level into atom. An empty level is a no-op.
func SetLevel(atom zap.AtomicLevel, level string) error {
	if level == "" {
		return nil
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	atom.SetLevel(parsed)
	return nil
}
