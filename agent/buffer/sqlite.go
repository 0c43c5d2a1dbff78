package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// openDB opens the queue database with WAL and a busy timeout. The pool is
// limited to one connection so writes are serialized by database/sql.
func openDB(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create queue directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, diagnoseOpenError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, diagnoseOpenError(path, err)
	}
	return db, nil
}

func diagnoseOpenError(path string, err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code() != sqlite3.SQLITE_CANTOPEN {
		return fmt.Errorf("open queue %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	info, statErr := os.Stat(dir)
	switch {
	case statErr != nil:
		return fmt.Errorf("cannot create queue at %q: %w", path, statErr)
	case !info.IsDir():
		return fmt.Errorf("cannot create queue at %q: %q is not a directory", path, dir)
	default:
		return fmt.Errorf("cannot create queue at %q: permission denied in %q: %w", path, dir, err)
	}
}
