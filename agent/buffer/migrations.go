package buffer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx *sqlx.Tx) error
}

// migrationRunner applies pending schema migrations to the queue database.
type migrationRunner struct {
	db         *sqlx.DB
	migrations []migration
}

func newMigrationRunner(db *sqlx.DB) *migrationRunner {
	return &migrationRunner{
		db: db,
		migrations: []migration{
			{Version: 1, Name: "records", Apply: migrateV001},
			{Version: 2, Name: "records_attempts", Apply: migrateV002},
		},
	}
}

func (r *migrationRunner) Run(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range r.migrations {
		applied, err := r.isApplied(ctx, m.Version)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (r *migrationRunner) isApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	return count > 0, nil
}

func (r *migrationRunner) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.Apply(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		m.Version, m.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// migrateV001 creates the queue table. Activity records and idle sessions
// share one table so claim order is a single index scan.
func migrateV001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE records (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			kind             TEXT    NOT NULL,
			ts               INTEGER NOT NULL,
			user_id          TEXT    NOT NULL DEFAULT '',
			session_id       TEXT    NOT NULL DEFAULT '',
			window_title     TEXT    NOT NULL DEFAULT '',
			process_name     TEXT    NOT NULL DEFAULT '',
			status           TEXT    NOT NULL DEFAULT '',
			idle_start       INTEGER,
			idle_end         INTEGER,
			reason           TEXT    NOT NULL DEFAULT '',
			note             TEXT    NOT NULL DEFAULT '',
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			sync_state       TEXT    NOT NULL DEFAULT 'unsynced',
			batch_id         TEXT,
			created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_records_state_ts ON records (sync_state, ts, id)`,
		`CREATE INDEX idx_records_batch ON records (batch_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV002 adds the rejection counter used to park poison batches.
func migrateV002(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE records ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`)
	return err
}
