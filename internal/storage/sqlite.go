package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	timeArg:    func(t time.Time) any { return t.Format(storedTimeLayout) },
	isConflict: isSQLiteBusy,
	schema:     "migrations_sqlite.sql",
}

// NewSQLiteStorage opens (or creates) a SQLite database at path; ":memory:"
// gives a private in-memory database. All access goes through a single
// connection, which serialises writers and keeps round-robin updates atomic.
func NewSQLiteStorage(path string, maxConflictRetries int, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store, err := newSQLStorage(db, sqliteDialect, logger, maxConflictRetries)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func sqliteDSN(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" || path == "" {
		return "file::memory:?" + pragmas
	}
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

func isSQLiteBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
