// Package delivery moves batches from the local queue to the collector.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/buffer"
	"github.com/ctolnik/activity-agent/agent/httpclient"
	"github.com/ctolnik/activity-agent/agent/model"
	"github.com/ctolnik/activity-agent/zapctx"
)

// catchUpDelay is used after a full batch so a backlog drains faster than
// one batch per interval.
const catchUpDelay = time.Second

// Queue is the local store side of delivery.
type Queue interface {
	ClaimBatch(ctx context.Context, max int) (string, []model.Entry, error)
	CommitBatch(ctx context.Context, batchID string) error
	ReleaseBatch(ctx context.Context, batchID string) error
	RejectBatch(ctx context.Context, batchID string, maxAttempts int) (int64, error)
}

// Submitter sends one batch to the collector.
type Submitter interface {
	SubmitBatch(ctx context.Context, endpoint string, entries []model.Entry) error
}

type Config struct {
	Endpoint      string
	BatchSize     int
	Interval      time.Duration
	MaxBackoff    time.Duration
	MaxRejections int
	// Jitter is the randomization factor applied to backoff delays.
	Jitter float64
	Log    *zap.Logger
}

// Status describes the most recent delivery outcome.
type Status struct {
	LastDeliveryAt      time.Time `json:"last_delivery_at"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Delivered           int64     `json:"delivered"`
}

type Processor struct {
	cfg    Config
	queue  Queue
	client Submitter
	log    *zap.Logger

	// sem serializes ticks and the final drain. It is a channel so the
	// drain can give up waiting for it.
	sem            chan struct{}
	pendingCommit  string
	pendingCount   int
	pendingRelease string
	backoff        *backoff.ExponentialBackOff

	// inflight cancels the running tick; draining stops new ones
	imu      sync.Mutex
	inflight context.CancelFunc
	draining bool

	smu    sync.Mutex
	status Status
	now    func() time.Time
}

func NewProcessor(cfg Config, queue Queue, client Submitter) *Processor {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.Reset()

	return &Processor{
		cfg:     cfg,
		queue:   queue,
		client:  client,
		log:     cfg.Log.Named("delivery"),
		sem:     make(chan struct{}, 1),
		backoff: b,
		now:     time.Now,
	}
}

func (p *Processor) lock(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) unlock() { <-p.sem }

func (p *Processor) Status() Status {
	p.smu.Lock()
	defer p.smu.Unlock()
	return p.status
}

// Tick delivers at most one batch and returns the delay until the next
// tick. It is the scheduler task for delivery. Once Drain has started, Tick
// does nothing.
func (p *Processor) Tick(ctx context.Context) time.Duration {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.imu.Lock()
	if p.draining {
		p.imu.Unlock()
		return p.cfg.Interval
	}
	p.inflight = cancel
	p.imu.Unlock()
	defer func() {
		p.imu.Lock()
		p.inflight = nil
		p.imu.Unlock()
	}()

	if err := p.lock(ctx); err != nil {
		return p.cfg.Interval
	}
	defer p.unlock()

	if err := p.retryPending(ctx); err != nil {
		return p.fail(err)
	}

	n, err := p.deliverOne(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return p.cfg.Interval
		}
		return p.fail(err)
	}
	if n >= p.cfg.BatchSize {
		return catchUpDelay
	}
	return p.cfg.Interval
}

// deliverOne claims, submits and settles one batch. It returns the batch
// size; 0 means the queue was empty.
func (p *Processor) deliverOne(ctx context.Context) (int, error) {
	batchID, entries, err := p.queue.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		p.succeed(0)
		return 0, nil
	}
	log := zapctx.LoggerOr(ctx, p.log).With(zap.String("batch_id", batchID), zap.Int("batch_size", len(entries)))

	if err := p.client.SubmitBatch(ctx, p.cfg.Endpoint, entries); err != nil {
		p.settleFailure(ctx, log, batchID, err)
		return 0, err
	}

	if err := p.queue.CommitBatch(ctx, batchID); err != nil {
		// the collector has the data; keep the claim and commit again next
		// tick instead of sending it twice
		p.pendingCommit = batchID
		p.pendingCount = len(entries)
		log.Error("Batch delivered but commit failed", zap.Error(err))
		return 0, err
	}

	log.Debug("Batch delivered")
	p.succeed(len(entries))
	return len(entries), nil
}

func (p *Processor) settleFailure(ctx context.Context, log *zap.Logger, batchID string, err error) {
	// settle even when ctx is already cancelled
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if httpclient.IsPermanent(err) {
		parked, rerr := p.queue.RejectBatch(settleCtx, batchID, p.cfg.MaxRejections)
		if rerr != nil {
			log.Error("Failed to reject batch", zap.Error(rerr))
			return
		}
		log.Error("Collector rejected batch", zap.Error(err), zap.Int64("parked", parked))
		return
	}

	if rerr := p.queue.ReleaseBatch(settleCtx, batchID); rerr != nil {
		// retried before the next delivery
		p.pendingRelease = batchID
		log.Error("Failed to release batch", zap.Error(rerr))
	}
	log.Warn("Batch delivery failed, will retry", zap.Error(err))
}

// retryPending settles batches left over from an earlier tick: a commit
// that failed after the collector acknowledged, or a release that failed.
func (p *Processor) retryPending(ctx context.Context) error {
	if err := p.retryPendingCommit(ctx); err != nil {
		return err
	}
	return p.retryPendingRelease(ctx)
}

func (p *Processor) retryPendingRelease(ctx context.Context) error {
	if p.pendingRelease == "" {
		return nil
	}
	err := p.queue.ReleaseBatch(ctx, p.pendingRelease)
	if err != nil && !errors.Is(err, buffer.ErrBatchNotFound) {
		return err
	}
	p.pendingRelease = ""
	return nil
}

func (p *Processor) retryPendingCommit(ctx context.Context) error {
	if p.pendingCommit == "" {
		return nil
	}
	err := p.queue.CommitBatch(ctx, p.pendingCommit)
	if err != nil && !errors.Is(err, buffer.ErrBatchNotFound) {
		return err
	}
	if err == nil {
		p.succeed(p.pendingCount)
	}
	p.pendingCommit = ""
	p.pendingCount = 0
	return nil
}

func (p *Processor) succeed(n int) {
	p.backoff.Reset()

	p.smu.Lock()
	defer p.smu.Unlock()
	p.status.ConsecutiveFailures = 0
	if n > 0 {
		p.status.LastDeliveryAt = p.now().UTC()
		p.status.LastError = ""
		p.status.Delivered += int64(n)
	}
}

func (p *Processor) fail(err error) time.Duration {
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop || delay > p.cfg.MaxBackoff {
		delay = p.cfg.MaxBackoff
	}

	p.smu.Lock()
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	failures := p.status.ConsecutiveFailures
	p.smu.Unlock()

	p.log.Info("Delivery backing off",
		zap.Int("consecutive_failures", failures),
		zap.Duration("next_attempt", delay),
	)
	return delay
}

// Drain makes one bounded final attempt to empty the queue before
// shutdown. A tick still in flight is cancelled so the whole call stays
// within timeout. Batches that fail are released, never lost. No tick runs
// after Drain.
func (p *Processor) Drain(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.imu.Lock()
	p.draining = true
	if p.inflight != nil {
		p.inflight()
	}
	p.imu.Unlock()

	if err := p.lock(ctx); err != nil {
		return fmt.Errorf("wait for in-flight delivery: %w", err)
	}
	defer p.unlock()

	if err := p.retryPending(ctx); err != nil {
		return err
	}
	for {
		n, err := p.deliverOne(ctx)
		if err != nil {
			return err
		}
		if n < p.cfg.BatchSize {
			return nil
		}
	}
}
