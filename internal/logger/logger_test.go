package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/radiusdt/marketing-analytics/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		log, err := New("production", config.LogConfig{Level: level, Format: "json"})
		require.NoError(t, err, level)
		assert.NotNil(t, log)
	}

	_, err := New("production", config.LogConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestNew_DebugDisabledAtInfo(t *testing.T) {
	log, err := New("development", config.LogConfig{Level: "info"})
	require.NoError(t, err)

	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.log")

	log, err := New("production", config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	log.Info("slice refreshed", zap.String("slice", "2024-01-01T10"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "slice refreshed")
}
