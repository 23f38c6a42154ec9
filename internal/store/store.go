// Package store provides SQLite-backed persistence for contextmem.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to the contextmem SQLite database.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 1,
		context TEXT NOT NULL DEFAULT '{}',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (type, name)
	);

	CREATE TABLE IF NOT EXISTS entity_relationships (
		id TEXT PRIMARY KEY,
		source_entity_id TEXT NOT NULL,
		target_entity_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		strength REAL NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_history (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		duration_ms INTEGER,
		status TEXT NOT NULL,
		metrics TEXT NOT NULL DEFAULT '{}',
		entities_accessed TEXT NOT NULL DEFAULT '[]',
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_patterns (
		id TEXT PRIMARY KEY,
		pattern_type TEXT NOT NULL,
		description TEXT NOT NULL,
		confidence REAL NOT NULL,
		occurrences INTEGER NOT NULL DEFAULT 1,
		first_detected INTEGER NOT NULL,
		last_detected INTEGER NOT NULL,
		workflow_ids TEXT NOT NULL DEFAULT '[]',
		recommendation TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_models (
		id TEXT PRIMARY KEY,
		model_type TEXT NOT NULL UNIQUE,
		version INTEGER NOT NULL DEFAULT 1,
		trained_at INTEGER NOT NULL,
		accuracy REAL NOT NULL,
		training_samples INTEGER NOT NULL,
		parameters TEXT NOT NULL DEFAULT '{}',
		performance_history TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_suggestions (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		suggestion_type TEXT NOT NULL,
		description TEXT NOT NULL,
		confidence REAL NOT NULL,
		estimated_impact TEXT NOT NULL DEFAULT '{}',
		workflow_id TEXT,
		actionable INTEGER NOT NULL DEFAULT 0,
		auto_apply INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		applied_at INTEGER,
		feedback TEXT
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_last_seen ON entities(last_seen);
	CREATE INDEX IF NOT EXISTS idx_relationships_source ON entity_relationships(source_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON entity_relationships(target_entity_id);
	CREATE INDEX IF NOT EXISTS idx_history_workflow_started ON workflow_history(workflow_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_history_status ON workflow_history(status);
	CREATE INDEX IF NOT EXISTS idx_patterns_last_detected ON workflow_patterns(last_detected);
	CREATE INDEX IF NOT EXISTS idx_suggestions_workflow ON learning_suggestions(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_suggestions_model ON learning_suggestions(model_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as unix milliseconds so range predicates compare numerically.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
