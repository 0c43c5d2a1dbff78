// Package scheduler runs the agent's periodic tasks. Each task decides its
// own next delay, so backoff lives with the task instead of the timer.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

const minPanicDelay = time.Millisecond

// Task runs once and returns the delay before its next run. A non-positive
// delay ends the task.
type Task func(ctx context.Context) time.Duration

// Handle controls one scheduled task.
type Handle struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

// Trigger runs the task as soon as possible instead of waiting for the
// current delay. Triggers coalesce while a run is pending.
func (h *Handle) Trigger() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the task and waits for an in-flight run to return.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the task has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type Scheduler struct {
	log *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Handle
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log, tasks: make(map[string]*Handle)}
}

// Schedule starts task after initialDelay. Names must be unique among
// running tasks.
func (s *Scheduler) Schedule(ctx context.Context, name string, initialDelay time.Duration, task Task) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.tasks[name]; ok {
		select {
		case <-h.done:
		default:
			return nil, fmt.Errorf("task %q already scheduled", name)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		name:    name,
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	s.tasks[name] = h

	go s.run(ctx, h, initialDelay, task)
	return h, nil
}

func (s *Scheduler) run(ctx context.Context, h *Handle, delay time.Duration, task Task) {
	defer close(h.done)
	log := s.log.With(zap.String("task", h.name))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-h.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next, ok := s.runOnce(ctx, log, task)
		if !ok {
			// a panicking task keeps its previous cadence
			next = max(delay, minPanicDelay)
		}
		if next <= 0 {
			log.Debug("Task finished")
			return
		}
		delay = next
		timer.Reset(delay)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, log *zap.Logger, task Task) (next time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			ok = false
		}
	}()
	return task(ctx), true
}

// Stop cancels every task and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
