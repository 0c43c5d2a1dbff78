// Package idle turns the stream of input pulses into Active/Idle
// transitions and closed, annotatable idle sessions.
package idle

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/model"
)

type State int

const (
	Active State = iota
	Idle
)

func (s State) String() string {
	if s == Idle {
		return "idle"
	}
	return "active"
}

// Listener receives detector transitions. Calls are made with the detector
// lock held and in transition order; implementations must not call back
// into the detector.
type Listener interface {
	// IdleStarted reports Active->Idle. at is the instant the inactivity
	// crossed the threshold.
	IdleStarted(at time.Time)
	// IdleEnded reports Idle->Active with the closed session. The session
	// runs from the last activity before the gap to the pulse that ended it.
	IdleEnded(session model.IdleSession)
}

type Detector struct {
	threshold time.Duration
	listener  Listener
	log       *zap.Logger

	// lastPulse is UnixNano of the newest pulse; it only moves forward.
	lastPulse atomic.Int64

	mu        sync.Mutex
	state     State
	gapStart  time.Time
	idleSince time.Time
}

// NewDetector returns a detector in the Active state that treats start as
// the most recent activity.
func NewDetector(threshold time.Duration, start time.Time, listener Listener, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{
		threshold: threshold,
		listener:  listener,
		log:       log,
	}
	d.lastPulse.Store(start.UnixNano())
	return d
}

// advance moves lastPulse to t unless it is already newer and returns the
// value it had before.
func (d *Detector) advance(t time.Time) time.Time {
	n := t.UnixNano()
	for {
		prev := d.lastPulse.Load()
		if n <= prev {
			return time.Unix(0, prev).UTC()
		}
		if d.lastPulse.CompareAndSwap(prev, n) {
			return time.Unix(0, prev).UTC()
		}
	}
}

func (d *Detector) LastPulse() time.Time {
	return time.Unix(0, d.lastPulse.Load()).UTC()
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IdleSince returns when the current idle period crossed the threshold.
// ok is false while Active.
func (d *Detector) IdleSince() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleSince, d.state == Idle
}

// Check is the periodic evaluation: Active turns Idle once now-lastPulse
// reaches the threshold.
func (d *Detector) Check(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Active {
		return
	}
	last := d.LastPulse()
	if now.Sub(last) < d.threshold {
		return
	}
	d.enterIdle(last)
}

// HandlePulse records user input at t. A pulse while Idle closes the idle
// session. A pulse that arrives after a threshold-long gap the periodic
// check has not seen yet performs both transitions.
func (d *Detector) HandlePulse(t time.Time) {
	prev := d.advance(t)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Idle:
		d.exitIdle(t)
	case Active:
		if t.Sub(prev) >= d.threshold {
			d.enterIdle(prev)
			d.exitIdle(t)
		}
	}
}

func (d *Detector) enterIdle(last time.Time) {
	d.state = Idle
	d.gapStart = last
	d.idleSince = last.Add(d.threshold)

	d.log.Info("User is idle",
		zap.Time("last_activity", last),
		zap.Time("idle_since", d.idleSince),
	)
	if d.listener != nil {
		d.listener.IdleStarted(d.idleSince)
	}
}

func (d *Detector) exitIdle(t time.Time) {
	end := t
	if end.Before(d.idleSince) {
		// a stale pulse from before the crossing; the gap still lasted at
		// least the threshold
		end = d.idleSince
	}

	session, err := model.NewIdleSession(d.gapStart, end)
	if err != nil {
		d.log.Error("Failed to close idle session", zap.Error(err))
		session = model.IdleSession{Start: d.gapStart.UTC(), End: d.gapStart.UTC()}
	}

	d.state = Active
	d.gapStart = time.Time{}
	d.idleSince = time.Time{}

	d.log.Info("User is active again", zap.Duration("idle", session.Duration()))
	if d.listener != nil {
		d.listener.IdleEnded(session)
	}
}
