package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewWithWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := WithSession(NewWithWriter(&buf, "warn"), "sess-1")

	l.Info("dropped")
	l.Warn("kept", "event", "Stop")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "sess-1", rec["session_id"])
	assert.Equal(t, "Stop", rec["event"])
}

func TestNew_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "modeguard.log")

	for i := 0; i < 2; i++ {
		l, closeFn, err := New(path, "info")
		require.NoError(t, err)
		l.Info("hello")
		require.NoError(t, closeFn())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte(`"msg":"hello"`)))
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard().Error("nothing") })
	assert.NotPanics(t, func() { WithSession(nil, "x").Info("nothing") })
}
