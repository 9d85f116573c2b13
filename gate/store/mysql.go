package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a shared datastore for teams replaying against one cache.
// The schema mirrors the SQLite store; only the DDL dialect differs.
type MySQLStore struct {
	*sqlCore
}

// NewMySQLStore opens a MySQL-backed datastore.
//
// The DSN should include parseTime=true for proper time handling:
//
//	user:password@tcp(localhost:3306)/replaygate?parseTime=true
//
// lake may be nil to disable cold-tier archival.
func NewMySQLStore(dsn string, lake *Lake, sessionID int) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &MySQLStore{
		sqlCore: &sqlCore{db: db, lake: lake, sessionID: sessionID},
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS responses (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			agent_name VARCHAR(255) NOT NULL,
			seq_id INT NOT NULL,
			session_id INT NOT NULL,
			doc_hash CHAR(64) NOT NULL,
			response LONGTEXT NOT NULL,
			response_id VARCHAR(255),
			function_calls_json LONGTEXT,
			INDEX idx_responses_identity (agent_name, doc_hash, seq_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS metadata (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			response_id BIGINT NOT NULL,
			agent_name VARCHAR(255) NOT NULL,
			seq_id INT NOT NULL,
			session_id INT NOT NULL,
			metadata_json LONGTEXT,
			provider_type VARCHAR(32) NOT NULL,
			tag VARCHAR(255),
			INDEX idx_metadata_response (response_id),
			INDEX idx_metadata_provider (provider_type),
			FOREIGN KEY (response_id) REFERENCES responses(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS batch_pending (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			agent_name VARCHAR(255) NOT NULL,
			seq_id INT NOT NULL,
			session_id INT NOT NULL,
			doc_hash CHAR(64) NOT NULL,
			provider_type VARCHAR(32) NOT NULL,
			batch_uuid VARCHAR(255) NOT NULL,
			custom_id VARCHAR(512) NOT NULL,
			is_pending TINYINT NOT NULL DEFAULT 1,
			tag VARCHAR(255),
			UNIQUE KEY uq_batch_custom (custom_id(255), batch_uuid(128)),
			INDEX idx_batch_pending_uuid (batch_uuid),
			INDEX idx_batch_pending_identity (agent_name, doc_hash, seq_id, is_pending)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

		`CREATE TABLE IF NOT EXISTS errors (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			agent_name VARCHAR(255) NOT NULL,
			seq_id INT NOT NULL,
			session_id INT NOT NULL,
			doc_hash CHAR(64) NOT NULL,
			error_message TEXT NOT NULL,
			error_code VARCHAR(64),
			error_id CHAR(36) NOT NULL,
			timestamp VARCHAR(64) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
