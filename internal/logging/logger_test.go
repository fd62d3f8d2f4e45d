package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger(Options{Environment: "production"})
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger(Options{Environment: "development"})
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", handler)
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger(Options{Environment: "staging"})
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler, got %T", handler)
}

func TestNewLogger_DefaultLevelIsInfo(t *testing.T) {
	logger := NewLogger(Options{})
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewLogger_LevelApplied(t *testing.T) {
	logger := NewLogger(Options{Level: "warn"})
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelInfo))
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marksync.log")
	logger := NewLogger(Options{File: path})

	logger.Info("hello rotation")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello rotation")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}
