package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Console: &buf})
	require.NoError(t, err)

	logger.Named("store").Info("saved record", zap.String("id", "plank"))
	logger.Debug("hidden")
	require.NoError(t, closeFn())

	out := buf.String()
	require.Contains(t, out, "store")
	require.Contains(t, out, "saved record")
	require.Contains(t, out, "plank")
	require.NotContains(t, out, "hidden")
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rcsync.log")
	logger, closeFn, err := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Named("daemon").Debug("loop stopped", zap.String("loop", "scan"))
	require.NoError(t, closeFn())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var line map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
	require.Equal(t, "loop stopped", line["msg"])
	require.Equal(t, "daemon", line["logger"])
	require.Equal(t, "scan", line["loop"])
}

func TestNew_InvalidLevel(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestNew_NoOutputs(t *testing.T) {
	logger, closeFn, err := New(Options{Level: "info"})
	require.NoError(t, err)
	logger.Info("dropped")
	require.NoError(t, closeFn())
}
