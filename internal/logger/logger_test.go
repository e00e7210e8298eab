package logger

import (
	"testing"

	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		verbosity string
		enabled   zapcore.Level
		disabled  zapcore.Level
	}{
		{verbosity: "debug", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel - 1},
		{verbosity: "info", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{verbosity: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{verbosity: "error", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		// An empty level parses as info.
		{verbosity: "", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run("verbosity="+tt.verbosity, func(t *testing.T) {
			l, err := New(tt.verbosity)
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.enabled))
			assert.False(t, l.Core().Enabled(tt.disabled))
		})
	}

	l, err := New("chatty")
	assert.Error(t, err)
	assert.Nil(t, l)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel), "default verbosity is info")

	cfg.Logger.Verbosity = "warn"
	l, err = NewLogger(cfg)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	cfg.Logger.Verbosity = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}
