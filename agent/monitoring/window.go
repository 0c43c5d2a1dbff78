package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const rawWindowBuffer = 64

type WindowSourceConfig struct {
	// TrackTitles off reports process names only.
	TrackTitles bool
	Namer       *ProcessNamer
	Log         *zap.Logger
}

// WindowSource reports foreground window changes. The OS callback only
// queues the window handle; a resolver goroutine reads title and process
// and publishes WindowChanged on Events.
type WindowSource struct {
	log         *zap.Logger
	namer       *ProcessNamer
	trackTitles bool
	debouncer   WindowDebouncer

	raw   chan uintptr
	out   chan WindowChanged
	drops dropCounter

	mu       sync.Mutex
	running  bool
	hook     uintptr
	threadID uint32
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWindowSource(cfg WindowSourceConfig) *WindowSource {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Namer == nil {
		cfg.Namer = NewProcessNamer(time.Minute)
	}
	return &WindowSource{
		log:         cfg.Log.Named("window"),
		namer:       cfg.Namer,
		trackTitles: cfg.TrackTitles,
		raw:         make(chan uintptr, rawWindowBuffer),
		out:         make(chan WindowChanged, 16),
	}
}

func (s *WindowSource) Name() string { return "window" }

func (s *WindowSource) Events() <-chan WindowChanged { return s.out }

// Dropped counts callback notifications lost to a full queue.
func (s *WindowSource) Dropped() uint64 { return s.drops.Value() }

// publish applies title settings and the debounce, then delivers ev.
// It reports whether ev was delivered.
func (s *WindowSource) publish(ctx context.Context, ev WindowChanged) bool {
	if s.trackTitles {
		ev.Title = NormalizeTitle(ev.ProcessName, ev.Title)
	} else {
		ev.Title = ""
	}
	if !s.debouncer.Accept(ev) {
		return false
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
