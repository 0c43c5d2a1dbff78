// Package buffer is the agent's durable local queue. Every observed record
// is written here first and only removed once the collector acknowledged
// the batch that carried it.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/model"
)

const (
	stateUnsynced = string(model.SyncUnsynced)
	stateClaimed  = string(model.SyncClaimed)
	stateParked   = string(model.SyncParked)
)

// ErrBatchNotFound is returned when no claimed records carry the batch id.
var ErrBatchNotFound = errors.New("batch not found")

// Stats is a point-in-time view of the queue.
type Stats struct {
	Unsynced int   `json:"unsynced"`
	Claimed  int   `json:"claimed"`
	Parked   int   `json:"parked"`
	Dropped  int64 `json:"dropped"`
}

// Pending is everything still waiting for delivery.
func (s Stats) Pending() int {
	return s.Unsynced + s.Claimed
}

type Option func(*Store)

// WithBacklogCeiling bounds the number of unsynced records. Zero disables
// the bound.
func WithBacklogCeiling(n int) Option {
	return func(s *Store) {
		s.ceiling = n
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Store is the SQLite backed queue.
type Store struct {
	db      *sqlx.DB
	log     *zap.Logger
	ceiling int

	// mu keeps claim, commit, release and insert mutually exclusive on top of
	// the single-connection pool.
	mu         sync.Mutex
	dropped    int64
	truncating bool
}

// Open opens (creating if needed) the queue at path, migrates the schema and
// returns claims left behind by a previous run to the unsynced state.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	if err := newMigrationRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue: %w", err)
	}

	recovered, err := s.RecoverClaimed(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		s.log.Info("Recovered records claimed by a previous run", zap.Int64("count", recovered))
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends an activity record as unsynced and sets its ID.
func (s *Store) Insert(ctx context.Context, rec *model.ActivityRecord) error {
	if rec == nil {
		return errors.New("nil activity record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTx(ctx, func(tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (kind, ts, user_id, session_id, window_title, process_name, status, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(model.KindActivity), rec.Timestamp.UnixNano(), rec.UserID, rec.SessionID,
			rec.WindowTitle, rec.ProcessName, string(rec.Status), stateUnsynced,
		)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err == nil {
			rec.ID = id
			rec.SyncState = model.SyncUnsynced
			rec.BatchID = nil
		}
		return id, err
	})
}

// InsertIdleSession appends a closed idle session as unsynced.
func (s *Store) InsertIdleSession(ctx context.Context, sess *model.IdleSession) error {
	if sess == nil {
		return errors.New("nil idle session")
	}
	if sess.End.Before(sess.Start) {
		return fmt.Errorf("idle session ends before it starts")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertTx(ctx, func(tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (kind, ts, user_id, session_id, idle_start, idle_end, reason, note, duration_seconds, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(model.KindIdleSession), sess.End.UnixNano(), sess.UserID, sess.SessionID,
			sess.Start.UnixNano(), sess.End.UnixNano(), sess.Reason, sess.Note, sess.DurationSeconds,
			stateUnsynced,
		)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
}

// insertTx runs insert and the backlog truncation in one transaction.
// Caller holds s.mu.
func (s *Store) insertTx(ctx context.Context, insert func(tx *sqlx.Tx) (int64, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := insert(tx); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	var dropped int64
	if s.ceiling > 0 {
		dropped, err = s.truncate(ctx, tx)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}

	if dropped > 0 {
		s.dropped += dropped
		if !s.truncating {
			s.truncating = true
			s.log.Warn("Backlog ceiling reached, dropping oldest unsynced records",
				zap.Int("ceiling", s.ceiling),
				zap.Int64("dropped", dropped),
			)
		}
	}
	return nil
}

func (s *Store) truncate(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var unsynced int
	if err := tx.GetContext(ctx, &unsynced,
		`SELECT COUNT(*) FROM records WHERE sync_state = ?`, stateUnsynced); err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}

	excess := unsynced - s.ceiling
	if excess <= 0 {
		if s.truncating && unsynced < s.ceiling {
			s.truncating = false
		}
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE id IN (
			SELECT id FROM records WHERE sync_state = ? ORDER BY ts, id LIMIT ?
		)`, stateUnsynced, excess)
	if err != nil {
		return 0, fmt.Errorf("truncate backlog: %w", err)
	}
	return res.RowsAffected()
}

type recordRow struct {
	ID              int64          `db:"id"`
	Kind            string         `db:"kind"`
	TS              int64          `db:"ts"`
	UserID          string         `db:"user_id"`
	SessionID       string         `db:"session_id"`
	WindowTitle     string         `db:"window_title"`
	ProcessName     string         `db:"process_name"`
	Status          string         `db:"status"`
	IdleStart       sql.NullInt64  `db:"idle_start"`
	IdleEnd         sql.NullInt64  `db:"idle_end"`
	Reason          string         `db:"reason"`
	Note            string         `db:"note"`
	DurationSeconds int64          `db:"duration_seconds"`
	SyncState       string         `db:"sync_state"`
	BatchID         sql.NullString `db:"batch_id"`
	Attempts        int            `db:"attempts"`
}

const selectColumns = `id, kind, ts, user_id, session_id, window_title, process_name, status,
	idle_start, idle_end, reason, note, duration_seconds, sync_state, batch_id, attempts`

func (r recordRow) entry() (model.Entry, error) {
	e := model.Entry{
		ID:        r.ID,
		Kind:      model.EntryKind(r.Kind),
		SyncState: model.SyncState(r.SyncState),
		Attempts:  r.Attempts,
	}
	if r.BatchID.Valid {
		id := r.BatchID.String
		e.BatchID = &id
	}

	switch e.Kind {
	case model.KindActivity:
		e.Activity = &model.ActivityRecord{
			ID:          r.ID,
			Timestamp:   time.Unix(0, r.TS).UTC(),
			SessionID:   r.SessionID,
			UserID:      r.UserID,
			WindowTitle: r.WindowTitle,
			ProcessName: r.ProcessName,
			Status:      model.ActivityStatus(r.Status),
			SyncState:   e.SyncState,
			BatchID:     e.BatchID,
		}
	case model.KindIdleSession:
		e.Idle = &model.IdleSession{
			Start:           time.Unix(0, r.IdleStart.Int64).UTC(),
			End:             time.Unix(0, r.IdleEnd.Int64).UTC(),
			Reason:          r.Reason,
			Note:            r.Note,
			DurationSeconds: r.DurationSeconds,
			UserID:          r.UserID,
			SessionID:       r.SessionID,
		}
	default:
		return e, fmt.Errorf("record %d has unknown kind %q", r.ID, r.Kind)
	}
	return e, nil
}

// ClaimBatch marks up to max of the oldest unsynced records as claimed under
// a fresh batch id and returns them oldest first. An empty queue returns an
// empty batch id and no entries.
func (s *Store) ClaimBatch(ctx context.Context, max int) (string, []model.Entry, error) {
	if max <= 0 {
		return "", nil, fmt.Errorf("invalid batch size %d", max)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []recordRow
	if err := tx.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM records WHERE sync_state = ? ORDER BY ts, id LIMIT ?`,
		stateUnsynced, max,
	); err != nil {
		return "", nil, fmt.Errorf("select batch: %w", err)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}

	// rows that cannot be decoded are parked rather than claimed, so a
	// commit never deletes a record that was not sent
	batchID := uuid.NewString()
	ids := make([]int64, 0, len(rows))
	var broken []int64
	entries := make([]model.Entry, 0, len(rows))
	for _, r := range rows {
		r.SyncState = stateClaimed
		r.BatchID = sql.NullString{String: batchID, Valid: true}
		e, err := r.entry()
		if err != nil {
			s.log.Warn("Parking undecodable record", zap.Int64("id", r.ID), zap.Error(err))
			broken = append(broken, r.ID)
			continue
		}
		ids = append(ids, r.ID)
		entries = append(entries, e)
	}

	if len(broken) > 0 {
		query, args, err := sqlx.In(`UPDATE records SET sync_state = ?, batch_id = NULL WHERE id IN (?)`,
			stateParked, broken)
		if err != nil {
			return "", nil, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return "", nil, fmt.Errorf("park undecodable records: %w", err)
		}
	}

	if len(ids) > 0 {
		query, args, err := sqlx.In(`UPDATE records SET sync_state = ?, batch_id = ? WHERE id IN (?)`,
			stateClaimed, batchID, ids)
		if err != nil {
			return "", nil, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return "", nil, fmt.Errorf("claim batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit claim: %w", err)
	}

	if len(entries) == 0 {
		return "", nil, nil
	}
	return batchID, entries, nil
}

// CommitBatch deletes every record of the batch in a single transaction. On
// any failure nothing is deleted and the batch stays claimed.
func (s *Store) CommitBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE batch_id = ? AND sync_state = ?`,
		batchID, stateClaimed)
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("commit %s: %w", batchID, ErrBatchNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	return nil
}

// ReleaseBatch returns the batch's records to unsynced without deleting them.
func (s *Store) ReleaseBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET sync_state = ?, batch_id = NULL
		WHERE batch_id = ? AND sync_state = ?`,
		stateUnsynced, batchID, stateClaimed)
	if err != nil {
		return fmt.Errorf("release batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s: %w", batchID, ErrBatchNotFound)
	}
	return nil
}

// RejectBatch handles a batch the collector refused. Every record's attempt
// counter is incremented; records still under maxAttempts go back to
// unsynced, the rest are parked. Parked records are never deleted. It
// returns how many records were parked.
func (s *Store) RejectBatch(ctx context.Context, batchID string, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reject: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE records SET attempts = attempts + 1 WHERE batch_id = ? AND sync_state = ?`,
		batchID, stateClaimed)
	if err != nil {
		return 0, fmt.Errorf("reject batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("reject %s: %w", batchID, ErrBatchNotFound)
	}

	var parked int64
	if maxAttempts > 0 {
		res, err = tx.ExecContext(ctx, `
			UPDATE records SET sync_state = ?, batch_id = NULL
			WHERE batch_id = ? AND sync_state = ? AND attempts >= ?`,
			stateParked, batchID, stateClaimed, maxAttempts)
		if err != nil {
			return 0, fmt.Errorf("park batch %s: %w", batchID, err)
		}
		parked, _ = res.RowsAffected()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET sync_state = ?, batch_id = NULL
		WHERE batch_id = ? AND sync_state = ?`,
		stateUnsynced, batchID, stateClaimed); err != nil {
		return 0, fmt.Errorf("release rejected batch %s: %w", batchID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reject %s: %w", batchID, err)
	}
	if parked > 0 {
		s.log.Error("Parked records after repeated rejection",
			zap.String("batch_id", batchID),
			zap.Int64("parked", parked),
			zap.Int("max_attempts", maxAttempts),
		)
	}
	return parked, nil
}

// RecoverClaimed returns every claimed record to unsynced. A claim only
// survives a restart when the agent stopped between claim and commit.
func (s *Store) RecoverClaimed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_state = ?, batch_id = NULL WHERE sync_state = ?`,
		stateUnsynced, stateClaimed)
	if err != nil {
		return 0, fmt.Errorf("recover claimed records: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts records per sync state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	dropped := s.dropped
	s.mu.Unlock()

	var rows []struct {
		State string `db:"sync_state"`
		Count int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT sync_state, COUNT(*) AS n FROM records GROUP BY sync_state`); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	st := Stats{Dropped: dropped}
	for _, r := range rows {
		switch model.SyncState(r.State) {
		case model.SyncUnsynced:
			st.Unsynced = r.Count
		case model.SyncClaimed:
			st.Claimed = r.Count
		case model.SyncParked:
			st.Parked = r.Count
		}
	}
	return st, nil
}

// Entries lists records in the given state, oldest first. Used by the
// status surfaces to inspect parked records.
func (s *Store) Entries(ctx context.Context, state model.SyncState, limit int) ([]model.Entry, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+selectColumns+` FROM records WHERE sync_state = ? ORDER BY ts, id LIMIT ?`,
		string(state), limit); err != nil {
		return nil, fmt.Errorf("list %s records: %w", state, err)
	}
	entries := make([]model.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
