package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		SetLevel(in)
		require.Equal(t, want, levelVar.Level(), in)
	}
}

func TestSetFormat_JSON(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev; SetLevel("info") })

	var buf bytes.Buffer
	SetLevel("info")
	SetFormat("json", &buf)

	L.Info("upload finished", "name", "a.txt")
	L.Debug("hidden")

	require.Contains(t, buf.String(), `"msg":"upload finished"`)
	require.Contains(t, buf.String(), `"name":"a.txt"`)
	require.NotContains(t, buf.String(), "hidden")
}

func TestSetFormat_Console(t *testing.T) {
	prev := L
	t.Cleanup(func() { L = prev })

	var buf bytes.Buffer
	SetFormat("console", &buf)
	require.True(t, L.Enabled(context.Background(), slog.LevelInfo))

	L.Info("session reset")
	require.Contains(t, buf.String(), "session reset")
}
