package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	log, cleanup, err := New(Options{Level: "info", File: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("record stored", zap.Int64("id", 7))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "record stored", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 7, entry["id"])
}

func TestRotatingFile_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	r, err := NewRotatingFile(path, WithMaxSize(10), WithMaxBackups(2))
	require.NoError(t, err)

	for _, chunk := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := r.Write([]byte(chunk))
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	read := func(p string) string {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "dddddddd\n", read(path))
	assert.Equal(t, "cccccccc\n", read(path+".1"))
	assert.Equal(t, "bbbbbbbb\n", read(path+".2"))
	assert.NoFileExists(t, path+".3")

	_, err = r.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
