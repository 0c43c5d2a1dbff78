// Package monitoring hosts the OS activity sources: the foreground window
// source and the keyboard/mouse input source. Sources only report that
// something happened; key codes and pointer coordinates never leave the
// callback.
package monitoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnsupported is returned by Start on platforms without a native hook.
var ErrUnsupported = errors.New("activity source not supported on this platform")

// ActivitySource is a native event producer with an owned OS handle.
// Start registers the hook; a failing Start leaves nothing registered.
// Stop releases the handle and is safe to call more than once.
type ActivitySource interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// WindowChanged reports a new foreground window.
type WindowChanged struct {
	Title       string
	ProcessName string
	PID         uint32
	Timestamp   time.Time
}

// ActivityPulse reports that some user input happened at Timestamp.
type ActivityPulse struct {
	Timestamp time.Time
}

// WindowDebouncer drops a notification repeating the last emitted
// (title, process) pair.
type WindowDebouncer struct {
	mu          sync.Mutex
	has         bool
	title       string
	processName string
}

func (d *WindowDebouncer) Accept(ev WindowChanged) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.has && d.title == ev.Title && d.processName == ev.ProcessName {
		return false
	}
	d.has = true
	d.title = ev.Title
	d.processName = ev.ProcessName
	return true
}

// PulseDebouncer collapses input events closer than window to the last
// emitted pulse. It is lock-free so hook callbacks can call it.
type PulseDebouncer struct {
	window time.Duration
	last   atomic.Int64
}

func NewPulseDebouncer(window time.Duration) *PulseDebouncer {
	return &PulseDebouncer{window: window}
}

// Observe reports whether an event at t should be emitted as a pulse.
func (d *PulseDebouncer) Observe(t time.Time) bool {
	n := t.UnixNano()
	for {
		last := d.last.Load()
		if last != 0 && n-last < int64(d.window) {
			return false
		}
		if d.last.CompareAndSwap(last, n) {
			return true
		}
	}
}

// dropCounter counts events lost to a full channel.
type dropCounter struct {
	n atomic.Uint64
}

func (c *dropCounter) inc()          { c.n.Add(1) }
func (c *dropCounter) Value() uint64 { return c.n.Load() }

// emit sends without blocking; a callback must never wait on a consumer.
func emit[T any](ch chan<- T, v T, drops *dropCounter) {
	select {
	case ch <- v:
	default:
		drops.inc()
	}
}
