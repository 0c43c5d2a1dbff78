package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ctolnik/activity-agent/agent/idle"
	"github.com/ctolnik/activity-agent/agent/model"
	"github.com/ctolnik/activity-agent/zapctx"
)

func newServer(t *testing.T, prompts Prompts) *Server {
	return New(Config{
		Addr: "127.0.0.1:0",
		Status: func(context.Context) (any, error) {
			return map[string]any{"status": "active", "pending_records": 3}, nil
		},
		Prompts: prompts,
		Log:     zaptest.NewLogger(t),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatus(t *testing.T) {
	s := newServer(t, nil)

	w := do(t, s.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"active","pending_records":3}`, w.Body.String())
}

func TestStatus_Error(t *testing.T) {
	s := New(Config{
		Status: func(context.Context) (any, error) { return nil, errors.New("database is closed") },
		Log:    zaptest.NewLogger(t),
	})

	w := do(t, s.Handler(), http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealth(t *testing.T) {
	w := do(t, newServer(t, nil).Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(Config{Log: zap.New(core)})

	w := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	served := logs.FilterMessage("Request served").All()
	require.Len(t, served, 1)
	assert.Equal(t, "statusapi", served[0].LoggerName)
	assert.Equal(t, "/health", served[0].ContextMap()["path"])
	assert.EqualValues(t, http.StatusOK, served[0].ContextMap()["status"])
}

func TestLoggerMiddleware_PrefersRequestLogger(t *testing.T) {
	serverCore, serverLogs := observer.New(zapcore.DebugLevel)
	reqCore, reqLogs := observer.New(zapcore.DebugLevel)
	s := New(Config{Log: zap.New(serverCore)})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(zapctx.WithLogger(req.Context(), zap.New(reqCore).Named("agent")))
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	assert.Zero(t, serverLogs.FilterMessage("Request served").Len())
	served := reqLogs.FilterMessage("Request served").All()
	require.Len(t, served, 1)
	assert.Equal(t, "agent.statusapi", served[0].LoggerName)
}

// waitForPrompt starts an annotation and returns once it is pending.
func waitForPrompt(t *testing.T, q *idle.PromptQueue) (string, <-chan idle.Annotation) {
	t.Helper()
	sess, err := model.NewIdleSession(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 12, 40, 0, 0, time.UTC))
	require.NoError(t, err)

	answered := make(chan idle.Annotation, 1)
	go func() {
		ann, err := q.Annotate(t.Context(), sess)
		if err == nil {
			answered <- ann
		}
	}()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return q.Pending()[0].ID, answered
}

func TestAnnotations_ListAndAnswer(t *testing.T) {
	q := idle.NewPromptQueue()
	s := newServer(t, q)
	id, answered := waitForPrompt(t, q)

	w := do(t, s.Handler(), http.MethodGet, "/annotations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Reasons []string      `json:"reasons"`
		Pending []idle.Prompt `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, idle.Reasons, list.Reasons)
	require.Len(t, list.Pending, 1)
	assert.Equal(t, id, list.Pending[0].ID)
	assert.EqualValues(t, 2400, list.Pending[0].Session.DurationSeconds)

	w = do(t, s.Handler(), http.MethodPost, "/annotations/"+id, `{"reason":"Lunch","note":"canteen"}`)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case ann := <-answered:
		assert.Equal(t, idle.Annotation{Reason: "Lunch", Note: "canteen"}, ann)
	case <-time.After(2 * time.Second):
		t.Fatal("annotation was not delivered")
	}

	// answered prompts are gone
	w = do(t, s.Handler(), http.MethodPost, "/annotations/"+id, `{"reason":"Lunch"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnnotations_Rejects(t *testing.T) {
	q := idle.NewPromptQueue()
	s := newServer(t, q)
	id, _ := waitForPrompt(t, q)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown reason", "/annotations/" + id, `{"reason":"Nap"}`, http.StatusBadRequest},
		{"malformed body", "/annotations/" + id, `{"reason":`, http.StatusBadRequest},
		{"unknown prompt", "/annotations/does-not-exist", `{"reason":"Break"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
		})
	}
	// the prompt survives rejected answers
	assert.Len(t, q.Pending(), 1)
}

func TestAnnotations_NoPromptQueue(t *testing.T) {
	s := newServer(t, nil)

	w := do(t, s.Handler(), http.MethodGet, "/annotations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending":[]`)

	w = do(t, s.Handler(), http.MethodPost, "/annotations/x", `{"reason":"Break"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartShutdown(t *testing.T) {
	s := newServer(t, nil)
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestShutdown_NotStarted(t *testing.T) {
	assert.NoError(t, newServer(t, nil).Shutdown(t.Context()))
}
