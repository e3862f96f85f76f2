package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, slog.LevelInfo, "json")
	require.NoError(t, err)

	logger := slog.New(h).With("component", "test")
	logger.Debug("hidden")
	logger.Info("Built block", "number", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "Built block", rec["msg"])
	require.Equal(t, "test", rec["component"])
	require.EqualValues(t, 7, rec["number"])

	// a buffer is not a terminal
	buf.Reset()
	h, err = NewHandler(&buf, slog.LevelInfo, "auto")
	require.NoError(t, err)
	slog.New(h).Info("hello", "k", "v")
	require.Contains(t, buf.String(), "k=v")

	_, err = NewHandler(&buf, slog.LevelInfo, "xml")
	require.Error(t, err)
}
