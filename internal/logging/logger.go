// Package logging provides logger construction for the dds project
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLogger *zap.Logger
	mu            sync.RWMutex
)

// Config holds logging configuration
type Config struct {
	Level       zapcore.Level
	Development bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level: zapcore.InfoLevel,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *zap.Logger {
	if config == nil {
		config = DefaultConfig()
	}

	cfg := zap.NewProductionConfig()
	if config.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(config.Level)
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Default returns the default logger, creating it if necessary
func Default() *zap.Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}
