// Package activity merges window, input and idle signals into activity
// records and writes them to the local queue in observation order.
package activity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/idle"
	"github.com/ctolnik/activity-agent/agent/identity"
	"github.com/ctolnik/activity-agent/agent/model"
	"github.com/ctolnik/activity-agent/agent/monitoring"
)

const (
	queueSize       = 256
	writeAttempts   = 3
	writeRetryDelay = 200 * time.Millisecond
)

// Writer is the part of the local queue the aggregator writes to.
type Writer interface {
	Insert(ctx context.Context, rec *model.ActivityRecord) error
	InsertIdleSession(ctx context.Context, sess *model.IdleSession) error
}

type Config struct {
	Store     Writer
	Identity  identity.Provider
	Annotator idle.Annotator
	// AnnotationTimeout bounds how long a closed idle session waits for a reason.
	AnnotationTimeout time.Duration
	// MinReport is the shortest idle session offered for annotation.
	MinReport time.Duration
	// HoldLimit bounds entries kept in memory while the store is failing.
	HoldLimit int
	// RetryDelay is the pause between store write attempts.
	RetryDelay time.Duration
	Log        *zap.Logger
}

// Snapshot is the aggregator's view of the user's current state.
type Snapshot struct {
	Status       model.ActivityStatus `json:"status"`
	WindowTitle  string               `json:"window_title"`
	ProcessName  string               `json:"process_name"`
	LastRecordAt time.Time            `json:"last_record_at"`
	HeldEntries  int                  `json:"held_entries"`
}

type item struct {
	rec  *model.ActivityRecord
	idle *model.IdleSession
}

type Aggregator struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	snapshot Snapshot
	lastKey  model.StateKey
	hasKey   bool

	qmu    sync.RWMutex
	queue  chan item
	closed bool

	annCtx      context.Context
	annCancel   context.CancelFunc
	annotations sync.WaitGroup

	held       []item // owned by the writer goroutine
	heldCount  atomic.Int64
	holding    bool
	holdFull   bool
	lost       atomic.Int64
	writerDone chan struct{}
}

func New(cfg Config) *Aggregator {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.Static{}
	}
	if cfg.HoldLimit <= 0 {
		cfg.HoldLimit = 1000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = writeRetryDelay
	}
	return &Aggregator{
		cfg:        cfg,
		log:        cfg.Log.Named("aggregator"),
		snapshot:   Snapshot{Status: model.StatusActive},
		queue:      make(chan item, queueSize),
		writerDone: make(chan struct{}),
	}
}

// Start launches the writer goroutine. ctx bounds pending annotations.
func (a *Aggregator) Start(ctx context.Context) {
	a.annCtx, a.annCancel = context.WithCancel(ctx)
	go a.writeLoop()
}

// Run consumes source events until ctx is done. Pulses go through the
// detector, which calls back into the aggregator on transitions. Either
// channel may be nil when its source is unavailable.
func (a *Aggregator) Run(ctx context.Context, windows <-chan monitoring.WindowChanged, pulses <-chan monitoring.ActivityPulse, detector *idle.Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-windows:
			a.WindowChanged(ev)
		case p := <-pulses:
			if detector != nil {
				detector.HandlePulse(p.Timestamp)
			}
		}
	}
}

// WindowChanged records the new foreground window under the current status.
func (a *Aggregator) WindowChanged(ev monitoring.WindowChanged) {
	a.mu.Lock()
	a.snapshot.WindowTitle = ev.Title
	a.snapshot.ProcessName = ev.ProcessName
	rec := a.recordLocked(ev.Timestamp)
	a.mu.Unlock()

	if rec != nil {
		a.enqueue(item{rec: rec})
	}
}

// IdleStarted implements idle.Listener.
func (a *Aggregator) IdleStarted(at time.Time) {
	a.mu.Lock()
	a.snapshot.Status = model.StatusIdle
	rec := a.recordLocked(at)
	a.mu.Unlock()

	if rec != nil {
		a.enqueue(item{rec: rec})
	}
}

// IdleEnded implements idle.Listener. The session is annotated in the
// background so the event loop never waits on a user.
func (a *Aggregator) IdleEnded(session model.IdleSession) {
	a.mu.Lock()
	a.snapshot.Status = model.StatusActive
	rec := a.recordLocked(session.End)
	a.mu.Unlock()

	if rec != nil {
		a.enqueue(item{rec: rec})
	}

	a.annotations.Add(1)
	go func() {
		defer a.annotations.Done()
		ctx := a.annCtx
		if ctx == nil {
			ctx = context.Background()
		}
		s := idle.Annotate(ctx, a.cfg.Annotator, session, a.cfg.AnnotationTimeout, a.cfg.MinReport, a.log)
		s.UserID = a.cfg.Identity.UserID()
		s.SessionID = a.cfg.Identity.SessionID()
		a.enqueue(item{idle: &s})
	}()
}

// recordLocked builds a record for the current state unless it repeats the
// last one. Caller holds a.mu.
func (a *Aggregator) recordLocked(ts time.Time) *model.ActivityRecord {
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := &model.ActivityRecord{
		Timestamp:   ts.UTC(),
		SessionID:   a.cfg.Identity.SessionID(),
		UserID:      a.cfg.Identity.UserID(),
		WindowTitle: a.snapshot.WindowTitle,
		ProcessName: a.snapshot.ProcessName,
		Status:      a.snapshot.Status,
	}
	key := rec.Key()
	if a.hasKey && key == a.lastKey {
		return nil
	}
	a.lastKey = key
	a.hasKey = true
	a.snapshot.LastRecordAt = rec.Timestamp
	return rec
}

func (a *Aggregator) enqueue(it item) {
	a.qmu.RLock()
	defer a.qmu.RUnlock()
	if a.closed {
		a.lost.Add(1)
		a.log.Warn("Entry produced after shutdown was discarded")
		return
	}
	a.queue <- it
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	s := a.snapshot
	a.mu.Unlock()
	s.HeldEntries = int(a.heldCount.Load())
	return s
}

// Lost counts entries that could not be persisted at all.
func (a *Aggregator) Lost() int64 {
	return a.lost.Load()
}

func (a *Aggregator) writeLoop() {
	defer close(a.writerDone)
	ctx := context.Background()
	for it := range a.queue {
		a.write(ctx, it)
	}
	// one last try for anything held while the store was failing
	a.flushHeld(ctx)
}

func (a *Aggregator) write(ctx context.Context, it item) {
	if !a.flushHeld(ctx) {
		a.hold(it)
		return
	}
	if err := a.writeWithRetry(ctx, it); err != nil {
		a.log.Error("Store write failed, holding entry in memory", zap.Error(err))
		a.hold(it)
	}
}

func (a *Aggregator) writeWithRetry(ctx context.Context, it item) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryDelay
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, a.store(ctx, it)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(writeAttempts))
	return err
}

func (a *Aggregator) store(ctx context.Context, it item) error {
	if it.idle != nil {
		return a.cfg.Store.InsertIdleSession(ctx, it.idle)
	}
	return a.cfg.Store.Insert(ctx, it.rec)
}

// flushHeld writes held entries in order and reports whether none remain.
func (a *Aggregator) flushHeld(ctx context.Context) bool {
	for len(a.held) > 0 {
		if err := a.store(ctx, a.held[0]); err != nil {
			return false
		}
		a.held[0] = item{}
		a.held = a.held[1:]
		a.heldCount.Store(int64(len(a.held)))
	}
	if a.holding {
		a.log.Info("Store recovered, held entries written")
		a.holding = false
		a.holdFull = false
	}
	return true
}

func (a *Aggregator) hold(it item) {
	if len(a.held) >= a.cfg.HoldLimit {
		a.held[0] = item{}
		a.held = a.held[1:]
		a.lost.Add(1)
		if !a.holdFull {
			a.holdFull = true
			a.log.Warn("In-memory hold is full, dropping oldest entries", zap.Int("limit", a.cfg.HoldLimit))
		}
	}
	a.holding = true
	a.held = append(a.held, it)
	a.heldCount.Store(int64(len(a.held)))
}

// Close stops accepting entries, lets pending annotations fall back to the
// default reason and waits until the writer drained the queue or ctx ends.
func (a *Aggregator) Close(ctx context.Context) error {
	if a.annCancel != nil {
		a.annCancel()
	}
	a.annotations.Wait()

	a.qmu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.qmu.Unlock()

	if a.annCtx == nil {
		// never started: nothing is draining the queue
		return nil
	}

	select {
	case <-a.writerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n := a.heldCount.Load(); n > 0 {
		a.lost.Add(n)
		return fmt.Errorf("%d entries held in memory were lost at shutdown", n)
	}
	return nil
}
