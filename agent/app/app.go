// Package app wires the capture pipeline together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ctolnik/activity-agent/agent/activity"
	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/config"
	"github.com/ctolnik/activity-agent/agent/delivery"
	"github.com/ctolnik/activity-agent/agent/httpclient"
	"github.com/ctolnik/activity-agent/agent/identity"
	"github.com/ctolnik/activity-agent/agent/idle"
	"github.com/ctolnik/activity-agent/agent/monitoring"
	"github.com/ctolnik/activity-agent/agent/scheduler"
	"github.com/ctolnik/activity-agent/agent/statusapi"
	"github.com/ctolnik/activity-agent/zapctx"
)

const (
	idleTaskName     = "idle-check"
	deliveryTaskName = "delivery"
)

// WindowSource is a started-on-demand producer of foreground changes.
type WindowSource interface {
	monitoring.ActivitySource
	Events() <-chan monitoring.WindowChanged
}

// InputSource is a started-on-demand producer of input pulses.
type InputSource interface {
	monitoring.ActivitySource
	Pulses() <-chan monitoring.ActivityPulse
}

// Snapshot is the read-only state shown to the user.
type Snapshot struct {
	Status         string    `json:"status"`
	WindowTitle    string    `json:"window_title"`
	ProcessName    string    `json:"process_name"`
	PendingRecords int       `json:"pending_records"`
	ParkedRecords  int       `json:"parked_records"`
	DroppedRecords int64     `json:"dropped_records"`
	LastDeliveryAt time.Time `json:"last_delivery_at"`
	LastError      string    `json:"last_error,omitempty"`
	IdleDetection  bool      `json:"idle_detection"`
	HeldEntries    int       `json:"held_entries,omitempty"`
}

type Option func(*Agent)

// WithWindowSource replaces the native window source.
func WithWindowSource(s WindowSource) Option {
	return func(a *Agent) { a.window = s }
}

// WithInputSource replaces the native input source.
func WithInputSource(s InputSource) Option {
	return func(a *Agent) { a.input = s }
}

// WithIdentity replaces host identity detection.
func WithIdentity(p identity.Provider) Option {
	return func(a *Agent) { a.identity = p }
}

// WithTransport sets the HTTP transport used to reach the collector.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Agent) { a.transport = rt }
}

// WithVersion sets the agent version reported to the collector.
func WithVersion(version string) Option {
	return func(a *Agent) { a.version = version }
}

// WithClock replaces time.Now for idle checks.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

type Agent struct {
	cfg     *config.Config
	log     *zap.Logger
	now     func() time.Time
	version string

	identity  identity.Provider
	transport http.RoundTripper
	window    WindowSource
	input     InputSource

	store      *buffer.Store
	client     *httpclient.Client
	prompts    *idle.PromptQueue
	aggregator *activity.Aggregator
	processor  *delivery.Processor
	sched      *scheduler.Scheduler
	api        *statusapi.Server

	mu            sync.Mutex
	detector      *idle.Detector
	windowStarted bool
	inputStarted  bool
}

// New opens the local store and builds every component. Nothing runs
// until Run.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.identity == nil {
		a.identity = identity.New(identity.Config{
			UserID:       cfg.Agent.UserID,
			ComputerName: cfg.Agent.ComputerName,
		})
	}
	if a.window == nil {
		a.window = monitoring.NewWindowSource(monitoring.WindowSourceConfig{
			TrackTitles: cfg.ActivityMonitoring.TrackWindowTitles,
			Namer:       monitoring.NewProcessNamer(5 * time.Minute),
			Log:         log,
		})
	}
	if a.input == nil {
		a.input = monitoring.NewInputSource(monitoring.InputSourceConfig{
			Debounce:     cfg.ActivityMonitoring.InputDebounce(),
			PollInterval: cfg.ActivityMonitoring.InputPollInterval(),
			Log:          log,
		})
	}

	store, err := buffer.Open(ctx, cfg.Storage.Path,
		buffer.WithBacklogCeiling(cfg.Storage.BacklogCeiling),
		buffer.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.store = store

	a.client = httpclient.NewClient(httpclient.Config{
		ServerURL:     cfg.Agent.Server.URL,
		APIKey:        cfg.Agent.APIKey,
		Timeout:       time.Duration(cfg.Agent.Server.TimeoutSeconds) * time.Second,
		RetryAttempts: cfg.Agent.Server.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Agent.Server.RetryDelay) * time.Second,
		UserAgent:     httpclient.UserAgent(a.version),
		Transport:     a.transport,
	}, log)

	var annotator idle.Annotator = idle.NoAnswer{}
	if cfg.StatusAPI.Enabled {
		// prompts are only answerable through the status API
		a.prompts = idle.NewPromptQueue()
		annotator = a.prompts
	}

	a.aggregator = activity.New(activity.Config{
		Store:             store,
		Identity:          a.identity,
		Annotator:         annotator,
		AnnotationTimeout: cfg.ActivityMonitoring.AnnotationTimeout(),
		MinReport:         cfg.ActivityMonitoring.MinReport(),
		Log:               log,
	})

	a.processor = delivery.NewProcessor(delivery.Config{
		Endpoint:      cfg.Delivery.Endpoint,
		BatchSize:     cfg.Delivery.BatchSize,
		Interval:      cfg.Delivery.Interval(),
		MaxBackoff:    cfg.Delivery.MaxBackoff(),
		MaxRejections: cfg.Delivery.MaxRejections,
		Jitter:        0.2,
		Log:           log,
	}, store, a.client)

	a.sched = scheduler.New(log.Named("scheduler"))

	if cfg.StatusAPI.Enabled {
		var prompts statusapi.Prompts
		if a.prompts != nil {
			prompts = a.prompts
		}
		a.api = statusapi.New(statusapi.Config{
			Addr:    cfg.StatusAPI.Addr,
			Status:  func(ctx context.Context) (any, error) { return a.Snapshot(ctx) },
			Prompts: prompts,
			Log:     log,
		})
	}
	return a, nil
}

// Store exposes the local queue for one-shot commands.
func (a *Agent) Store() *buffer.Store { return a.store }

// Client exposes the collector client for one-shot commands.
func (a *Agent) Client() *httpclient.Client { return a.client }

// Processor exposes delivery for one-shot commands.
func (a *Agent) Processor() *delivery.Processor { return a.processor }

// Run captures and delivers activity until ctx is cancelled, then shuts
// down in order. Source failures degrade the agent instead of stopping it.
func (a *Agent) Run(ctx context.Context) error {
	ctx = zapctx.Ensure(ctx, a.log)
	// components are stopped explicitly during shutdown, not by ctx
	runCtx := context.WithoutCancel(ctx)

	a.aggregator.Start(ctx)

	var windows <-chan monitoring.WindowChanged
	var pulses <-chan monitoring.ActivityPulse
	if a.cfg.ActivityMonitoring.Enabled {
		windows = a.startWindow(runCtx)
		pulses = a.startInput(runCtx)
	} else {
		zapctx.Info(ctx, "Activity monitoring disabled, delivering backlog only")
	}

	loopCtx, stopLoop := context.WithCancel(runCtx)
	defer stopLoop()

	var g errgroup.Group
	g.Go(func() error {
		a.aggregator.Run(loopCtx, windows, pulses, a.currentDetector())
		return nil
	})
	waitLoop := func() error {
		stopLoop()
		return g.Wait()
	}

	var idleTask *scheduler.Handle
	if d := a.currentDetector(); d != nil {
		interval := a.cfg.ActivityMonitoring.IdleCheckInterval()
		h, err := a.sched.Schedule(runCtx, idleTaskName, interval, func(context.Context) time.Duration {
			d.Check(a.now())
			return interval
		})
		if err != nil {
			return multierr.Append(err, a.shutdown(waitLoop, nil, nil))
		}
		idleTask = h
	}

	deliveryTask, err := a.sched.Schedule(zapctx.WithComponent(runCtx, deliveryTaskName), a.cfg.Delivery.Interval(), a.processor.Tick)
	if err != nil {
		return multierr.Append(err, a.shutdown(waitLoop, idleTask, nil))
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			zapctx.Error(ctx, "Status API unavailable", zap.Error(err))
			a.mu.Lock()
			a.api = nil
			a.mu.Unlock()
		}
	}

	zapctx.Info(ctx, "Agent running",
		zap.String("user_id", a.identity.UserID()),
		zap.String("session_id", a.identity.SessionID()),
		zap.String("collector", a.cfg.Agent.Server.URL),
	)

	<-ctx.Done()
	zapctx.Info(ctx, "Shutting down")

	return a.shutdown(waitLoop, idleTask, deliveryTask)
}

// shutdown stops the pipeline front to back so nothing captured before the
// stop is lost: sources, idle checks, the aggregator queue, one final
// delivery, the delivery task, the status API and finally the store.
func (a *Agent) shutdown(waitLoop func() error, idleTask, deliveryTask *scheduler.Handle) error {
	timeout := a.cfg.Delivery.ShutdownTimeout()

	a.stopSources()
	errs := waitLoop()

	if idleTask != nil {
		idleTask.Stop()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := a.aggregator.Close(flushCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("flush aggregator: %w", err))
	}
	cancel()

	if err := a.processor.Drain(context.Background(), timeout); err != nil {
		// released batches are retried on the next start
		a.log.Warn("Final delivery incomplete", zap.Error(err))
	}

	if deliveryTask != nil {
		deliveryTask.Stop()
	}
	a.sched.Stop()

	if a.api != nil {
		apiCtx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = multierr.Append(errs, a.api.Shutdown(apiCtx))
		cancel()
	}

	if err := a.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close local store: %w", err))
	}

	if errs != nil {
		a.log.Error("Shutdown finished with errors", zap.Error(errs))
	} else {
		a.log.Info("Shutdown complete")
	}
	return errs
}

// Close releases the store without running the pipeline, for one-shot
// commands.
func (a *Agent) Close() error {
	return a.store.Close()
}

func (a *Agent) startWindow(ctx context.Context) <-chan monitoring.WindowChanged {
	if err := a.window.Start(ctx); err != nil {
		a.logSourceFailure(a.window.Name(), err, "window titles will not be recorded")
		return nil
	}
	a.mu.Lock()
	a.windowStarted = true
	a.mu.Unlock()
	return a.window.Events()
}

// startInput starts the input source and, with it, idle detection. Without
// input there is no way to tell idle from active.
func (a *Agent) startInput(ctx context.Context) <-chan monitoring.ActivityPulse {
	if err := a.input.Start(ctx); err != nil {
		a.logSourceFailure(a.input.Name(), err, "idle detection disabled")
		return nil
	}
	d := idle.NewDetector(a.cfg.ActivityMonitoring.IdleThreshold(), a.now(), a.aggregator, a.log)

	a.mu.Lock()
	a.inputStarted = true
	a.detector = d
	a.mu.Unlock()
	return a.input.Pulses()
}

func (a *Agent) logSourceFailure(name string, err error, consequence string) {
	fields := []zap.Field{zap.String("source", name), zap.Error(err)}
	if errors.Is(err, monitoring.ErrUnsupported) {
		a.log.Warn("Activity source unavailable on this platform, "+consequence, fields...)
		return
	}
	a.log.Error("Activity source failed to start, "+consequence, fields...)
}

func (a *Agent) stopSources() {
	a.mu.Lock()
	windowStarted, inputStarted := a.windowStarted, a.inputStarted
	a.windowStarted, a.inputStarted = false, false
	a.mu.Unlock()

	if windowStarted {
		a.window.Stop()
	}
	if inputStarted {
		a.input.Stop()
	}
}

func (a *Agent) currentDetector() *idle.Detector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detector
}

// Snapshot combines the aggregator's view with queue and delivery state.
func (a *Agent) Snapshot(ctx context.Context) (Snapshot, error) {
	current := a.aggregator.Snapshot()
	delivered := a.processor.Status()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read queue stats: %w", err)
	}

	return Snapshot{
		Status:         string(current.Status),
		WindowTitle:    current.WindowTitle,
		ProcessName:    current.ProcessName,
		PendingRecords: stats.Pending(),
		ParkedRecords:  stats.Parked,
		DroppedRecords: stats.Dropped + a.aggregator.Lost(),
		LastDeliveryAt: delivered.LastDeliveryAt,
		LastError:      delivered.LastError,
		IdleDetection:  a.currentDetector() != nil,
		HeldEntries:    current.HeldEntries,
	}, nil
}
