// Package model holds the entities the agent records and delivers.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityStatus is the user's presence classification.
type ActivityStatus string

const (
	StatusActive ActivityStatus = "active"
	StatusIdle   ActivityStatus = "idle"
)

// SyncState tracks a queued entry through delivery.
type SyncState string

const (
	SyncUnsynced SyncState = "unsynced"
	SyncClaimed  SyncState = "claimed"
	// SyncSynced names the terminal state. It is never stored: a committed
	// batch is deleted from the queue.
	SyncSynced SyncState = "synced"
	// SyncParked marks entries the collector rejected too many times.
	// They are kept for inspection and never delivered again automatically.
	SyncParked SyncState = "parked"
)

// EntryKind discriminates the payloads stored in the local queue.
type EntryKind string

const (
	KindActivity    EntryKind = "activity"
	KindIdleSession EntryKind = "idle_session"
)

// DefaultIdleReason is used when nobody annotates an idle session in time.
const DefaultIdleReason = "Idle"

// ActivityRecord is one observed window/status sample.
type ActivityRecord struct {
	ID          int64          `json:"-"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	WindowTitle string         `json:"active_window_title"`
	ProcessName string         `json:"process_name"`
	Status      ActivityStatus `json:"activity_status"`
	SyncState   SyncState      `json:"-"`
	BatchID     *string        `json:"-"`
}

// Key is the deduplication key of a record.
func (r ActivityRecord) Key() StateKey {
	return StateKey{Title: r.WindowTitle, ProcessName: r.ProcessName, Status: r.Status}
}

// StateKey identifies an observed state; a new record is only written
// when it changes.
type StateKey struct {
	Title       string
	ProcessName string
	Status      ActivityStatus
}

// IdleSession is a closed, annotatable span of inactivity.
type IdleSession struct {
	Start           time.Time `json:"start_time"`
	End             time.Time `json:"end_time"`
	Reason          string    `json:"reason"`
	Note            string    `json:"note,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
	UserID          string    `json:"user_id"`
	SessionID       string    `json:"session_id"`
}

// NewIdleSession builds a session for [start, end] and computes its duration.
func NewIdleSession(start, end time.Time) (IdleSession, error) {
	if end.Before(start) {
		return IdleSession{}, fmt.Errorf("idle session ends before it starts: %s < %s", end, start)
	}
	return IdleSession{
		Start:           start.UTC(),
		End:             end.UTC(),
		DurationSeconds: int64(end.Sub(start) / time.Second),
	}, nil
}

// Duration returns End-Start.
func (s IdleSession) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Entry is one item of the local queue.
type Entry struct {
	ID        int64
	Kind      EntryKind
	SyncState SyncState
	BatchID   *string
	Attempts  int

	Activity *ActivityRecord
	Idle     *IdleSession
}

// Timestamp orders entries: the sample time for activity records and the
// end of the period for idle sessions.
func (e Entry) Timestamp() time.Time {
	switch {
	case e.Activity != nil:
		return e.Activity.Timestamp
	case e.Idle != nil:
		return e.Idle.End
	}
	return time.Time{}
}

// MarshalJSON renders the wire form: the payload fields plus a "type" discriminator.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindActivity:
		if e.Activity == nil {
			return nil, fmt.Errorf("entry %d: activity payload missing", e.ID)
		}
		return json.Marshal(struct {
			Type EntryKind `json:"type"`
			ActivityRecord
		}{Type: KindActivity, ActivityRecord: *e.Activity})
	case KindIdleSession:
		if e.Idle == nil {
			return nil, fmt.Errorf("entry %d: idle payload missing", e.ID)
		}
		return json.Marshal(struct {
			Type EntryKind `json:"type"`
			IdleSession
		}{Type: KindIdleSession, IdleSession: *e.Idle})
	default:
		return nil, fmt.Errorf("entry %d: unknown kind %q", e.ID, e.Kind)
	}
}
