package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
	} {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, got, mustParse(t, got.String()))
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogrusLogger_JSONFieldsAndDerivedLevel(t *testing.T) {
	log := NewLogrusLogger(&Config{
		Level:  LevelInfo,
		Format: "json",
		Fields: map[string]string{"service": "status-relay"},
	})
	var buf bytes.Buffer
	log.SetOutput(&buf)

	derived := log.WithField("component", "router")
	derived.Debug("hidden")
	assert.Zero(t, buf.Len())

	log.SetLevel(LevelDebug)
	derived.Debugf("visible %d", 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible 1", entry["message"])
	assert.Equal(t, "router", entry["component"])
	assert.Equal(t, "status-relay", entry["service"])
}

func mustParse(t *testing.T, s string) Level {
	t.Helper()
	l, err := ParseLevel(s)
	require.NoError(t, err)
	return l
}
