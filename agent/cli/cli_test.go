package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/config"
	"github.com/ctolnik/activity-agent/agent/model"
)

func TestVersionFlag(t *testing.T) {
	var out bytes.Buffer
	err := runWithOutput("1.2.3", []string{"--version"}, &out)

	assert.NoError(t, err)
	assert.Equal(t, "activity-agent 1.2.3", strings.TrimSpace(out.String()))
}

func TestSubcommandsRegistered(t *testing.T) {
	parser, _, _ := buildParser("test", &bytes.Buffer{})
	for _, name := range []string{"run", "status", "ping", "flush", "init-config"} {
		assert.NotNil(t, parser.Find(name), name)
	}
}

func TestUnknownCommand(t *testing.T) {
	err := runWithOutput("test", []string{"frobnicate"}, &bytes.Buffer{})
	assert.Error(t, err)
}

// writeConfig writes a config pointing at a temp store and serverURL.
func writeConfig(t *testing.T, serverURL string) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	store := filepath.Join(dir, "queue.db")

	yaml := "agent:\n" +
		"  server:\n" +
		"    url: " + serverURL + "\n" +
		"    retry_attempts: 0\n" +
		"storage:\n" +
		"  path: " + store + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func seed(t *testing.T, path string, n int) {
	t.Helper()
	store, err := buffer.Open(t.Context(), path)
	require.NoError(t, err)
	defer store.Close()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Insert(t.Context(), &model.ActivityRecord{
			Timestamp:   time.Date(2026, 3, 2, 9, 0, i, 0, time.UTC),
			WindowTitle: "Inbox",
			ProcessName: "outlook.exe",
			Status:      model.StatusActive,
		}))
	}
}

func TestStatusJSON(t *testing.T) {
	path, cfg := writeConfig(t, "http://127.0.0.1:1")
	seed(t, cfg.Storage.Path, 3)

	var out bytes.Buffer
	require.NoError(t, runWithOutput("test", []string{"--config", path, "--json", "status"}, &out))

	var got statusJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 3, got.Unsynced)
	assert.Equal(t, cfg.Storage.Path, got.DatabasePath)
}

func TestStatusHuman(t *testing.T) {
	path, cfg := writeConfig(t, "http://127.0.0.1:1")
	seed(t, cfg.Storage.Path, 2)

	var out bytes.Buffer
	require.NoError(t, runWithOutput("test", []string{"--config", path, "status"}, &out))
	assert.Contains(t, out.String(), "Unsynced:  2")
}

func TestFlush(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(int32(len(batch)))
	}))
	defer srv.Close()

	path, cfg := writeConfig(t, srv.URL)
	seed(t, cfg.Storage.Path, 5)

	var out bytes.Buffer
	require.NoError(t, runWithOutput("test", []string{"--config", path, "flush"}, &out))
	assert.EqualValues(t, 5, received.Load())
	assert.Contains(t, out.String(), "Delivered 5 records, 0 pending")
}

func TestFlush_CollectorDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	path, cfg := writeConfig(t, srv.URL)
	seed(t, cfg.Storage.Path, 2)

	err := runWithOutput("test", []string{"--config", path, "flush"}, &bytes.Buffer{})
	require.Error(t, err)

	store, err := buffer.Open(context.Background(), cfg.Storage.Path)
	require.NoError(t, err)
	defer store.Close()
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Unsynced)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	path, _ := writeConfig(t, srv.URL)

	var out bytes.Buffer
	require.NoError(t, runWithOutput("test", []string{"--config", path, "ping"}, &out))
	assert.Contains(t, out.String(), "OK")
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	path, _ := writeConfig(t, srv.URL)

	assert.Error(t, runWithOutput("test", []string{"--config", path, "ping"}, &bytes.Buffer{}))
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "agent.yaml")

	var out bytes.Buffer
	require.NoError(t, runWithOutput("test", []string{"--config", path, "init-config"}, &out))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Delivery, cfg.Delivery)

	// refuses to clobber without --force
	assert.Error(t, runWithOutput("test", []string{"--config", path, "init-config"}, &bytes.Buffer{}))
	assert.NoError(t, runWithOutput("test", []string{"--config", path, "init-config", "--force"}, &bytes.Buffer{}))
}

func TestLoadConfig_MissingExplicitPath(t *testing.T) {
	err := runWithOutput("test", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "status"}, &bytes.Buffer{})
	assert.Error(t, err)
}
