package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("Default() returned different loggers")
	}
}

func TestSetDefault(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	custom := zap.NewNop()
	SetDefault(custom)
	if Default() != custom {
		t.Fatal("SetDefault did not take effect")
	}
}

func TestNewLoggerLevels(t *testing.T) {
	logger := NewLogger(&Config{Level: zapcore.DebugLevel, Development: true})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}

	logger = NewLogger(nil)
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("default config should not enable debug")
	}
}
