package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		enabled slog.Level
		muted   slog.Level
	}{
		{
			name:    "console format with debug level",
			config:  &Config{Level: "debug", Format: "console"},
			enabled: slog.LevelDebug,
			muted:   slog.LevelDebug - 4,
		},
		{
			name:    "json format with info level",
			config:  &Config{Level: "info", Format: "json"},
			enabled: slog.LevelInfo,
			muted:   slog.LevelDebug,
		},
		{
			name:    "warn level mutes info",
			config:  &Config{Level: "warn", Format: "json", Output: "stderr"},
			enabled: slog.LevelWarn,
			muted:   slog.LevelInfo,
		},
		{
			name:    "unknown level defaults to info",
			config:  &Config{Level: "chatty", Format: "console"},
			enabled: slog.LevelInfo,
			muted:   slog.LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			require.NoError(t, err)
			require.NotNil(t, log)

			ctx := context.Background()
			assert.True(t, log.Enabled(ctx, tt.enabled))
			assert.False(t, log.Enabled(ctx, tt.muted))
		})
	}
}

func TestNewDefault(t *testing.T) {
	log := NewDefault()
	require.NotNil(t, log)
	assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
}

func TestWith(t *testing.T) {
	log := NewDefault()
	child := log.With(slog.String("service", "api"))
	require.NotNil(t, child)
	assert.NotSame(t, log, child)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
