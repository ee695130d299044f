package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/goxec-engine/internal/config"
)

func TestLoggerNew(t *testing.T) {
	t.Run("ValidDevelopmentMode", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newWithWriter(&buf, "development", "debug")
		require.NoError(t, err)

		logger.Debug("container started", "jobID", "j1")
		assert.Contains(t, buf.String(), "container started")
		assert.Contains(t, buf.String(), "j1")
	})

	t.Run("ValidProductionMode", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newWithWriter(&buf, "production", "info")
		require.NoError(t, err)

		logger.Info("job finished", "jobID", "j1", "status", "success")

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "job finished", line["msg"])
		assert.Equal(t, "j1", line["jobID"])
		assert.Equal(t, "INFO", line["level"])
	})

	t.Run("LevelFilters", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := newWithWriter(&buf, "production", "warn")
		require.NoError(t, err)

		logger.Info("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := New("invalid_mode", "info")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New("production", "invalid_level")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})
}

func TestLoggerNewFromConfig(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "development", Level: "info"}}

	logger, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
