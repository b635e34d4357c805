package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCapturedLogger(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	cfg.writer = &buf
	log, err := New(&cfg)
	require.NoError(t, err)
	return log, &buf
}

func TestNew_JSONFormat(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "json"})

	log.Info("service started", slog.String("component", "engine"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "service started", record["msg"])
	assert.Equal(t, "engine", record["component"])
}

func TestNew_ConsoleFormat(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "console"})

	log.Info("service started")

	// tint renders abbreviated level tags.
	assert.Contains(t, buf.String(), "INF")
	assert.Contains(t, buf.String(), "service started")
}

func TestNew_UnknownFormatFallsBackToJSON(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "yaml"})

	log.Info("hello")

	var record map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &record))
}

func TestNew_WriterInjection(t *testing.T) {
	// A test writer takes precedence over the configured Output stream.
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "json", Output: "stderr"})

	log.Info("captured")

	assert.Contains(t, buf.String(), "captured")
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
		wantError bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"error", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, buf := newCapturedLogger(t, Config{Level: tt.level, Format: "json"})

			log.Debug("debug line")
			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug line")))

			log.Info("info line")
			assert.Equal(t, tt.wantInfo, bytes.Contains(buf.Bytes(), []byte("info line")))

			log.Error("error line")
			assert.Equal(t, tt.wantError, bytes.Contains(buf.Bytes(), []byte("error line")))
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // levels are lowercase only
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNewDefault(t *testing.T) {
	log := NewDefault()
	require.NotNil(t, log)
	require.NotNil(t, log.Logger)
}

func TestWith(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "json"})

	log.With("job_id", "j-1").Info("event")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "j-1", record["job_id"])
}

func TestWithAttrs(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "json"})

	log.WithAttrs(slog.String("target", "staging")).Info("event")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "staging", record["target"])
}

func TestWithGroup(t *testing.T) {
	log, buf := newCapturedLogger(t, Config{Level: "info", Format: "json"})

	log.WithGroup("job").Info("event", slog.String("id", "j-1"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	group, ok := record["job"].(map[string]any)
	require.True(t, ok, "grouped attrs must nest under the group key")
	assert.Equal(t, "j-1", group["id"])
}
