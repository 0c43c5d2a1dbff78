package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdleSession(t *testing.T) {
	loc := time.FixedZone("MSK", 3*60*60)
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	s, err := NewIdleSession(start, start.Add(20*time.Minute+900*time.Millisecond))
	require.NoError(t, err)
	assert.EqualValues(t, 1200, s.DurationSeconds)
	assert.Equal(t, time.UTC, s.Start.Location())
	assert.Equal(t, 20*time.Minute+900*time.Millisecond, s.Duration())

	_, err = NewIdleSession(start, start.Add(-time.Second))
	assert.Error(t, err)

	zero, err := NewIdleSession(start, start)
	require.NoError(t, err)
	assert.Zero(t, zero.DurationSeconds)
}

func TestActivityRecord_Key(t *testing.T) {
	a := ActivityRecord{WindowTitle: "Inbox", ProcessName: "outlook.exe", Status: StatusActive, Timestamp: time.Now()}
	b := a
	b.Timestamp = a.Timestamp.Add(time.Minute)
	assert.Equal(t, a.Key(), b.Key())

	b.Status = StatusIdle
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestEntry_MarshalJSON(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	data, err := json.Marshal(Entry{Kind: KindActivity, Activity: &ActivityRecord{
		ID: 7, Timestamp: ts, WindowTitle: "Inbox", ProcessName: "outlook.exe", Status: StatusActive,
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "activity",
		"timestamp": "2026-03-02T09:00:00Z",
		"session_id": "",
		"user_id": "",
		"active_window_title": "Inbox",
		"process_name": "outlook.exe",
		"activity_status": "active"
	}`, string(data))

	data, err = json.Marshal(Entry{Kind: KindIdleSession, Idle: &IdleSession{
		Start: ts, End: ts.Add(time.Hour), Reason: "Lunch", DurationSeconds: 3600, UserID: "alice",
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "idle_session",
		"start_time": "2026-03-02T09:00:00Z",
		"end_time": "2026-03-02T10:00:00Z",
		"reason": "Lunch",
		"duration_seconds": 3600,
		"user_id": "alice",
		"session_id": ""
	}`, string(data))
}

func TestEntry_MarshalJSONRejectsInconsistentEntries(t *testing.T) {
	for _, e := range []Entry{
		{Kind: KindActivity},
		{Kind: KindIdleSession},
		{Kind: "screenshot", Activity: &ActivityRecord{}},
	} {
		_, err := json.Marshal(e)
		assert.Error(t, err, e.Kind)
	}
}

func TestEntry_Timestamp(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, ts, Entry{Activity: &ActivityRecord{Timestamp: ts}}.Timestamp())
	assert.Equal(t, ts.Add(time.Hour), Entry{Idle: &IdleSession{Start: ts, End: ts.Add(time.Hour)}}.Timestamp())
	assert.True(t, Entry{}.Timestamp().IsZero())
}
