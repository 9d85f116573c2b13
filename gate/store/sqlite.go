package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-machine datastore, backed by a SQLite
// database file under the working directory.
type SQLiteStore struct {
	*sqlCore
	path string
}

// NewSQLiteStore opens (creating if needed) the SQLite datastore at path.
// lake may be nil to disable cold-tier archival; sessionID is the current
// gateway session counter, used to decide which completed batch rows are
// old enough to archive.
//
// Example:
//
//	st, err := store.NewSQLiteStore("run/datastore/datastore.db", lake, 7)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string, lake *Lake, sessionID int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create datastore directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite requires serialized access for writes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		sqlCore: &sqlCore{db: db, lake: lake, sessionID: sessionID},
		path:    path,
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name TEXT NOT NULL,
		seq_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		doc_hash TEXT NOT NULL,
		response TEXT NOT NULL,
		response_id TEXT,
		function_calls_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_responses_identity
		ON responses(agent_name, doc_hash, seq_id);

	CREATE TABLE IF NOT EXISTS metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		response_id INTEGER NOT NULL,
		agent_name TEXT NOT NULL,
		seq_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		metadata_json TEXT,
		provider_type TEXT NOT NULL,
		tag TEXT,
		FOREIGN KEY (response_id) REFERENCES responses(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_metadata_response
		ON metadata(response_id);

	CREATE INDEX IF NOT EXISTS idx_metadata_provider
		ON metadata(provider_type);

	CREATE TABLE IF NOT EXISTS batch_pending (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name TEXT NOT NULL,
		seq_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		doc_hash TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		batch_uuid TEXT NOT NULL,
		custom_id TEXT NOT NULL,
		is_pending INTEGER NOT NULL DEFAULT 1,
		tag TEXT,
		UNIQUE (custom_id, batch_uuid)
	);

	CREATE INDEX IF NOT EXISTS idx_batch_pending_uuid
		ON batch_pending(batch_uuid);

	CREATE INDEX IF NOT EXISTS idx_batch_pending_identity
		ON batch_pending(agent_name, doc_hash, seq_id, is_pending);

	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name TEXT NOT NULL,
		seq_id INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		doc_hash TEXT NOT NULL,
		error_message TEXT NOT NULL,
		error_code TEXT,
		error_id TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
