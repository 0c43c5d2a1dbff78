package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type InputSourceConfig struct {
	Debounce time.Duration
	// PollInterval is used when the low-level hooks are refused.
	PollInterval time.Duration
	Log          *zap.Logger
}

// InputSource turns keyboard and mouse activity into ActivityPulse values.
type InputSource struct {
	log          *zap.Logger
	debouncer    *PulseDebouncer
	pollInterval time.Duration

	out   chan ActivityPulse
	drops dropCounter

	mu       sync.Mutex
	running  bool
	polling  bool
	keyboard uintptr
	mouse    uintptr
	threadID uint32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewInputSource(cfg InputSourceConfig) *InputSource {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &InputSource{
		log:          cfg.Log.Named("input"),
		debouncer:    NewPulseDebouncer(cfg.Debounce),
		pollInterval: cfg.PollInterval,
		out:          make(chan ActivityPulse, 16),
	}
}

func (s *InputSource) Name() string { return "input" }

func (s *InputSource) Pulses() <-chan ActivityPulse { return s.out }

// Dropped counts pulses lost to a full queue.
func (s *InputSource) Dropped() uint64 { return s.drops.Value() }

// Polling reports whether the source fell back to polling the last input time.
func (s *InputSource) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

// observe is the callback side: debounce and hand off, nothing else.
func (s *InputSource) observe(t time.Time) {
	if s.debouncer.Observe(t) {
		emit(s.out, ActivityPulse{Timestamp: t}, &s.drops)
	}
}
