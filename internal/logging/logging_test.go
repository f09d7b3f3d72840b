package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "main.log")
	logger, closeFn, err := NewFileLogger(path, "main", slog.LevelInfo)
	require.NoError(t, err)
	defer closeFn() //nolint:errcheck

	logger.Info("station starting", "name", "station-1")
	logger.Debug("suppressed below the configured level")
	require.NoError(t, closeFn())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 1, "debug entry filtered out at info level")
	assert.Equal(t, "station starting", lines[0]["msg"])
	assert.Equal(t, "main", lines[0]["service"])
	assert.Equal(t, "station-1", lines[0]["name"])
}

func TestNewFileLoggerCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "easmon.log")
	logger, closeFn, err := NewFileLogger(path, "main", slog.LevelDebug)
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, closeFn())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestNewFileLoggerCustomLevelNames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trace.log")
	logger, closeFn, err := NewFileLogger(path, "main", LevelTrace)
	require.NoError(t, err)

	logger.Log(context.Background(), LevelTrace, "fine grained detail")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"TRACE"`)
}
