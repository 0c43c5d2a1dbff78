package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/httpclient"
	"github.com/ctolnik/activity-agent/agent/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// collector is a fake server answering with the configured status.
type collector struct {
	status   atomic.Int32
	requests atomic.Int32
	mu       sync.Mutex
	received []map[string]any
}

func newCollector(t *testing.T, status int) (*collector, *httptest.Server) {
	c := &collector{}
	c.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		var batch []map[string]any
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		code := int(c.status.Load())
		if code/100 == 2 {
			c.mu.Lock()
			c.received = append(c.received, batch...)
			c.mu.Unlock()
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return c, srv
}

func newStore(t *testing.T, n int) *buffer.Store {
	t.Helper()
	s, err := buffer.Open(t.Context(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for i := 0; i < n; i++ {
		require.NoError(t, s.Insert(t.Context(), &model.ActivityRecord{
			Timestamp:   t0.Add(time.Duration(i) * time.Second),
			WindowTitle: fmt.Sprintf("window %d", i),
			ProcessName: "app.exe",
			Status:      model.StatusActive,
		}))
	}
	return s
}

func newProcessor(t *testing.T, store Queue, url string, batchSize int) *Processor {
	client := httpclient.NewClient(httpclient.Config{ServerURL: url, RetryAttempts: 0, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	return NewProcessor(Config{
		Endpoint:      "/api/activity/batch",
		BatchSize:     batchSize,
		Interval:      time.Minute,
		MaxBackoff:    5 * time.Minute,
		MaxRejections: 2,
		Log:           zaptest.NewLogger(t),
	}, store, client)
}

func stats(t *testing.T, s *buffer.Store) buffer.Stats {
	st, err := s.Stats(t.Context())
	require.NoError(t, err)
	return st
}

func TestTick_ServerErrorReleasesBatch(t *testing.T) {
	store := newStore(t, 50)
	c, srv := newCollector(t, http.StatusInternalServerError)
	p := newProcessor(t, store, srv.URL, 50)

	next := p.Tick(t.Context())

	assert.Equal(t, time.Minute, next)
	assert.Equal(t, buffer.Stats{Unsynced: 50}, stats(t, store))
	assert.EqualValues(t, 1, c.requests.Load())
	st := p.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "500")
}

func TestTick_SuccessCommitsBatch(t *testing.T) {
	store := newStore(t, 60)
	c, srv := newCollector(t, http.StatusOK)
	p := newProcessor(t, store, srv.URL, 50)

	// a full batch asks for a quick follow-up
	assert.Equal(t, catchUpDelay, p.Tick(t.Context()))
	assert.Equal(t, buffer.Stats{Unsynced: 10}, stats(t, store))

	assert.Equal(t, time.Minute, p.Tick(t.Context()))
	assert.Equal(t, buffer.Stats{}, stats(t, store))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.received, 60)
	for i, e := range c.received {
		assert.Equal(t, "activity", e["type"])
		assert.Equal(t, fmt.Sprintf("window %d", i), e["active_window_title"])
	}
	assert.EqualValues(t, 60, p.Status().Delivered)
	assert.False(t, p.Status().LastDeliveryAt.IsZero())
}

func TestTick_EmptyQueueIsNoop(t *testing.T) {
	store := newStore(t, 0)
	c, srv := newCollector(t, http.StatusOK)
	p := newProcessor(t, store, srv.URL, 50)

	assert.Equal(t, time.Minute, p.Tick(t.Context()))
	assert.Zero(t, c.requests.Load())
}

func TestTick_BackoffGrowsAndCaps(t *testing.T) {
	store := newStore(t, 5)
	c, srv := newCollector(t, http.StatusServiceUnavailable)
	p := newProcessor(t, store, srv.URL, 50)

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, p.Tick(t.Context()))
	}
	assert.Equal(t, []time.Duration{
		time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute, 5 * time.Minute,
	}, delays)
	assert.Equal(t, 6, p.Status().ConsecutiveFailures)

	// recovery resets the backoff
	c.status.Store(http.StatusOK)
	assert.Equal(t, time.Minute, p.Tick(t.Context()))
	assert.Zero(t, p.Status().ConsecutiveFailures)
	assert.Equal(t, buffer.Stats{}, stats(t, store))
}

func TestTick_PermanentRejectionParks(t *testing.T) {
	store := newStore(t, 3)
	_, srv := newCollector(t, http.StatusUnprocessableEntity)
	p := newProcessor(t, store, srv.URL, 50)

	p.Tick(t.Context())
	assert.Equal(t, buffer.Stats{Unsynced: 3}, stats(t, store))

	p.Tick(t.Context())
	assert.Equal(t, buffer.Stats{Parked: 3}, stats(t, store))
}

// flakyCommitQueue fails the first commit after the collector accepted.
type flakyCommitQueue struct {
	*buffer.Store
	commits atomic.Int32
}

func (q *flakyCommitQueue) CommitBatch(ctx context.Context, batchID string) error {
	if q.commits.Add(1) == 1 {
		return errors.New("database is locked")
	}
	return q.Store.CommitBatch(ctx, batchID)
}

func TestTick_RetriesPendingCommitWithoutResending(t *testing.T) {
	store := newStore(t, 4)
	c, srv := newCollector(t, http.StatusOK)
	q := &flakyCommitQueue{Store: store}
	p := newProcessor(t, q, srv.URL, 50)

	assert.Equal(t, time.Minute, p.Tick(t.Context()))
	assert.Equal(t, buffer.Stats{Claimed: 4}, stats(t, store))
	assert.Equal(t, 1, p.Status().ConsecutiveFailures)

	p.Tick(t.Context())
	assert.Equal(t, buffer.Stats{}, stats(t, store))
	assert.EqualValues(t, 1, c.requests.Load())
	assert.EqualValues(t, 4, p.Status().Delivered)
}

func TestDrain(t *testing.T) {
	store := newStore(t, 25)
	c, srv := newCollector(t, http.StatusOK)
	p := newProcessor(t, store, srv.URL, 10)

	require.NoError(t, p.Drain(t.Context(), 5*time.Second))
	assert.Equal(t, buffer.Stats{}, stats(t, store))
	assert.EqualValues(t, 3, c.requests.Load())
}

func TestDrain_FailureReleases(t *testing.T) {
	store := newStore(t, 5)
	_, srv := newCollector(t, http.StatusBadGateway)
	p := newProcessor(t, store, srv.URL, 10)

	require.Error(t, p.Drain(t.Context(), 5*time.Second))
	assert.Equal(t, buffer.Stats{Unsynced: 5}, stats(t, store))
}

func TestDrain_Timeout(t *testing.T) {
	store := newStore(t, 5)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p := newProcessor(t, store, srv.URL, 10)
	start := time.Now()
	require.Error(t, p.Drain(t.Context(), 100*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, buffer.Stats{Unsynced: 5}, stats(t, store))
}

func TestDrain_CancelsInflightTick(t *testing.T) {
	store := newStore(t, 5)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := newProcessor(t, store, srv.URL, 10)
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		p.Tick(t.Context())
	}()
	require.Eventually(t, func() bool { return requests.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.Error(t, p.Drain(t.Context(), 100*time.Millisecond))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case <-tickDone:
	case <-time.After(time.Second):
		t.Fatal("in-flight tick was not cancelled")
	}
	assert.Equal(t, buffer.Stats{Unsynced: 5}, stats(t, store))

	// no delivery starts once the drain has begun
	before := requests.Load()
	assert.Equal(t, time.Minute, p.Tick(t.Context()))
	assert.Equal(t, before, requests.Load())
}

// flakyReleaseQueue fails the first release.
type flakyReleaseQueue struct {
	*buffer.Store
	releases atomic.Int32
}

func (q *flakyReleaseQueue) ReleaseBatch(ctx context.Context, batchID string) error {
	if q.releases.Add(1) == 1 {
		return errors.New("database is locked")
	}
	return q.Store.ReleaseBatch(ctx, batchID)
}

func TestTick_RetriesFailedRelease(t *testing.T) {
	store := newStore(t, 3)
	c, srv := newCollector(t, http.StatusServiceUnavailable)
	q := &flakyReleaseQueue{Store: store}
	p := newProcessor(t, q, srv.URL, 10)

	p.Tick(t.Context())
	assert.Equal(t, buffer.Stats{Claimed: 3}, stats(t, store))

	// the next tick frees the batch first, then delivers it
	c.status.Store(http.StatusOK)
	p.Tick(t.Context())
	assert.Equal(t, buffer.Stats{}, stats(t, store))
	assert.EqualValues(t, 3, p.Status().Delivered)
}
