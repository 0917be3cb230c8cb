package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/recordsync/errors"
)

func TestLogger_LogErrorRendersSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	err := errors.NewNetworkError(errors.OpFetch, fmt.Errorf("connection refused"))
	logger.WithComponent(Component("client")).LogError(context.Background(), err, "fetch failed",
		slog.String("resource", "employees"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fetch failed", entry["msg"])
	assert.Equal(t, "client", entry["component"])
	assert.Equal(t, "employees", entry["resource"])

	group, ok := entry["sync_error"].(map[string]any)
	require.True(t, ok, "sync_error should be a group")
	assert.Equal(t, "fetch", group["operation"])
	assert.Equal(t, "unavailable", group["kind"])
	assert.Equal(t, true, group["retryable"])
}

func TestLogger_LogErrorUnwrapsSyncError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "json"})

	inner := errors.NewValidationError(errors.OpCreate, fmt.Errorf("name is required"))
	logger.LogError(context.Background(), fmt.Errorf("saving employee: %w", inner), "create failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	group, ok := entry["sync_error"].(map[string]any)
	require.True(t, ok, "wrapped sync error should still render as a group")
	assert.Equal(t, "create", group["operation"])
	assert.NotContains(t, entry, "error")

	buf.Reset()
	logger.LogError(context.Background(), fmt.Errorf("plain failure"), "other failure")
	entry = map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "plain failure", entry["error"])
	assert.NotContains(t, entry, "sync_error")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "warn", Format: "text"})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, Config{Level: "debug", Format: "text"})

	err := logger.LogOperation(context.Background(), Operation("refetch"), func() error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "operation=refetch")
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_ADD_SOURCE", "")

	config := GetConfigFromEnv(DefaultConfig)
	assert.Equal(t, EnvDevelopment, config.Environment)
	assert.Equal(t, "error", config.Level)
	assert.Equal(t, "text", config.Format)
	assert.True(t, config.AddSource)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
