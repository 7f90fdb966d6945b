// Package store is the durable state layer: tasks and their queue
// semantics, sessions, approvals, thread bindings, upload references, and
// the append-only audit journal. Everything lives in one embedded SQLite
// database; all components read and write through this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remotewiz/remotewiz/internal/common/logger"
)

// Sentinel errors surfaced to the engine and gateway.
var (
	ErrQueueFull       = errors.New("project queue is full")
	ErrTaskNotFound    = errors.New("task not found")
	ErrStaleTransition = errors.New("task state changed underneath the update")
)

// Store owns the SQLite handle and the schema.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New initializes the schema and returns a ready store.
func New(conn *sql.DB, log *logger.Logger) (*Store, error) {
	s := &Store{db: conn, log: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		project_path TEXT NOT NULL,
		prompt TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		adapter TEXT NOT NULL DEFAULT '',
		continue_session INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		result TEXT,
		error TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		token_budget INTEGER,
		worker_pid INTEGER,
		worker_pid_start_ts INTEGER,
		checkpoint TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS sessions (
		thread_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		session_ref TEXT NOT NULL,
		last_used_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		action_class TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at DATETIME NOT NULL,
		resolved_at DATETIME,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);

	CREATE TABLE IF NOT EXISTS thread_bindings (
		thread_id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		adapter TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		task_id TEXT,
		project TEXT,
		thread_id TEXT,
		actor TEXT NOT NULL DEFAULT 'system',
		action TEXT NOT NULL,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_log(project);

	CREATE TABLE IF NOT EXISTS upload_refs (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		original_name TEXT NOT NULL,
		server_path TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		consumed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_project ON upload_refs(project);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// The audit journal is append-only at the database level, not just by
	// convention. Mutations abort regardless of which code path issues them.
	triggers := `
	CREATE TRIGGER IF NOT EXISTS audit_log_no_update
	BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
	BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit log is append-only');
	END;
	`
	if _, err := s.db.Exec(triggers); err != nil {
		return err
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Errorf("rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func utcNow() time.Time {
	return time.Now().UTC()
}
