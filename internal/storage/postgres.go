package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations_postgres.sql migrations_sqlite.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// MaxConflictRetries bounds retries of a round-robin transaction that lost a lock race.
	MaxConflictRetries int
}

var postgresDialect = dialect{
	name:       "postgres",
	numbered:   true,
	lockClause: " FOR UPDATE",
	timeArg:    func(t time.Time) any { return t },
	isConflict: isPostgresConflict,
	schema:     "migrations_postgres.sql",
}

// NewPostgresStorage connects to PostgreSQL and applies the embedded schema.
func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)
	return OpenPostgres(connStr, config.MaxConflictRetries, logger)
}

func OpenPostgres(connStr string, maxConflictRetries int, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store, err := newSQLStorage(db, postgresDialect, logger, maxConflictRetries)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// isPostgresConflict matches serialization failures, deadlocks and lock timeouts.
func isPostgresConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}
