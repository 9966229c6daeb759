package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	InitializeWriter(&buf, slog.LevelDebug)

	Info("capture started", "device", "eth0", "filter", "port 5060")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "capture started", entry["msg"])
	assert.Equal(t, "eth0", entry["device"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestGetReturnsSameLogger(t *testing.T) {
	assert.Same(t, Get(), Get())
}
