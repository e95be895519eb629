package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"fieldsync/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a queued operation does not exist.
var ErrNotFound = domain.ErrNotFound

// DB is the durable queue store backed by SQLite.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

// NewDB opens (and creates when missing) the SQLite file at path.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("queue store initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            subtype TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL,
            payload TEXT,
            owner_user_id TEXT NOT NULL CHECK (owner_user_id <> ''),
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_failure TEXT,
            enqueued_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS entity_cache (
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            data TEXT NOT NULL,
            server_time INTEGER NOT NULL DEFAULT 0,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY (entity_type, entity_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_sync_queue_owner ON sync_queue(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity_type ON sync_queue(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_enqueued_at ON sync_queue(enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(owner_user_id, entity_type, entity_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
