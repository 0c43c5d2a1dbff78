package httpclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ctolnik/activity-agent/agent/model"
)

func newTestClient(t *testing.T, url string, retries int) *Client {
	return NewClient(Config{
		ServerURL:     url,
		APIKey:        "test-key",
		Timeout:       2 * time.Second,
		RetryAttempts: retries,
		RetryDelay:    time.Millisecond,
	}, zaptest.NewLogger(t))
}

func sampleEntries() []model.Entry {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sess, _ := model.NewIdleSession(ts.Add(-6*time.Minute), ts)
	sess.Reason = model.DefaultIdleReason
	return []model.Entry{
		{ID: 1, Kind: model.KindActivity, Activity: &model.ActivityRecord{
			Timestamp: ts, WindowTitle: "Inbox", ProcessName: "outlook.exe", Status: model.StatusActive,
		}},
		{ID: 2, Kind: model.KindIdleSession, Idle: &sess},
	}
}

func TestSubmitBatch_Success(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/activity/batch", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", 0)
	require.NoError(t, c.SubmitBatch(t.Context(), "/api/activity/batch", sampleEntries()))

	require.Len(t, got, 2)
	assert.Equal(t, "activity", got[0]["type"])
	assert.Equal(t, "Inbox", got[0]["active_window_title"])
	assert.Equal(t, "idle_session", got[1]["type"])
	assert.EqualValues(t, 360, got[1]["duration_seconds"])
}

func TestSubmitBatch_EmptyIsNoop(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 0)
	assert.NoError(t, c.SubmitBatch(t.Context(), "/batch", nil))
}

func TestPostJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	require.NoError(t, c.PostJSON(t.Context(), "/x", map[string]int{"a": 1}))
	assert.EqualValues(t, 3, calls.Load())
}

func TestPostJSON_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	err := c.PostJSON(t.Context(), "/x", 1)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
	assert.False(t, IsPermanent(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.StatusCode)
	assert.Equal(t, "boom", se.Body)
}

func TestPostJSON_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	err := c.PostJSON(t.Context(), "/x", 1)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, IsPermanent(err))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.permanent, IsPermanent(&StatusError{StatusCode: tt.status}), tt.status)
	}
	assert.False(t, IsPermanent(io.ErrUnexpectedEOF))
}

func TestPostJSON_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, 0)
	err := c.PostJSON(t.Context(), "/x", 1)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestTestConnection(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	assert.NoError(t, c.TestConnection(t.Context()))

	healthy.Store(false)
	err := c.TestConnection(t.Context())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "activity-agent", UserAgent(""))
	assert.Equal(t, "activity-agent/1.2.0", UserAgent("1.2.0"))

	var agents []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, UserAgent: UserAgent("1.2.0")}, zaptest.NewLogger(t))
	require.NoError(t, c.TestConnection(t.Context()))
	require.NoError(t, c.SubmitBatch(t.Context(), "/api/activity/batch", sampleEntries()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"activity-agent/1.2.0", "activity-agent/1.2.0"}, agents)
}
