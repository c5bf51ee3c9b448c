package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelInfo, "json")

	log.Debug("hidden")
	log.Info("record added", "samsub_id", "sub-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "record added", entry["msg"])
	assert.Equal(t, "sub-1", entry["samsub_id"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelDebug, "TEXT")

	log.Debug("ready", "port", 7001)
	assert.Contains(t, buf.String(), "msg=ready")
	assert.Contains(t, buf.String(), "port=7001")
}
