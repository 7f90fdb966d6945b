package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/remotewiz/remotewiz/internal/redact"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// Audit action tags. One vocabulary for the whole system so queries and
// tests can match on exact strings.
const (
	AuditTaskCreated         = "task_created"
	AuditTaskStarted         = "task_started"
	AuditTaskCompleted       = "task_completed"
	AuditTaskFailed          = "task_failed"
	AuditTaskCancelled       = "task_cancelled"
	AuditTaskReplayed        = "task_replayed"
	AuditApprovalRequested   = "approval_requested"
	AuditApprovalGranted     = "approval_granted"
	AuditApprovalDenied      = "approval_denied"
	AuditApprovalExpired     = "approval_expired"
	AuditAutoApproved        = "auto_approved"
	AuditSkipPermissions     = "skip_permissions_enabled"
	AuditSubprocessKilled    = "subprocess_killed"
	AuditOrphanKilled        = "orphan_killed"
	AuditZombiePIDReused     = "zombie_pid_reused"
	AuditSchemaDrift         = "schema_drift"
	AuditSessionSaved        = "session_saved"
	AuditSessionResumeFailed = "session_resume_failed"
	AuditThreadBound         = "thread_bound"
	AuditUploadCreated       = "upload_created"
	AuditUploadRejected      = "upload_rejected"
)

// AuditEvent is the write-side shape. Detail values are redacted
// recursively before the row is inserted; the row itself can never be
// changed afterwards (database triggers abort UPDATE and DELETE).
type AuditEvent struct {
	TaskID   string
	Project  string
	ThreadID string
	Actor    string
	Action   string
	Detail   map[string]interface{}
}

// AppendAudit writes one journal entry. Best-effort contract: the caller
// logs a returned error but does not fail its own operation over it.
func (s *Store) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.Actor == "" {
		e.Actor = "system"
	}

	var detail interface{}
	if len(e.Detail) > 0 {
		redacted := redact.Value(e.Detail)
		raw, err := json.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, task_id, project, thread_id, actor, action, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		utcNow(), nullable(e.TaskID), nullable(e.Project), nullable(e.ThreadID),
		e.Actor, e.Action, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditByTask returns a task's journal oldest-first, the natural reading
// order for a single task's history.
func (s *Store) AuditByTask(ctx context.Context, taskID string, limit int) ([]*v1.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, task_id, project, thread_id, actor, action, detail
		 FROM audit_log WHERE task_id = ? ORDER BY id ASC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit by task: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// AuditByProject returns a project's journal newest-first.
func (s *Store) AuditByProject(ctx context.Context, project string, limit int) ([]*v1.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, task_id, project, thread_id, actor, action, detail
		 FROM audit_log WHERE project = ? ORDER BY id DESC LIMIT ?`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit by project: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// AuditRecent returns the newest journal entries across all projects.
func (s *Store) AuditRecent(ctx context.Context, limit int) ([]*v1.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, task_id, project, thread_id, actor, action, detail
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows *sql.Rows) ([]*v1.AuditEntry, error) {
	var entries []*v1.AuditEntry
	for rows.Next() {
		var e v1.AuditEntry
		var taskID, project, threadID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &taskID, &project, &threadID,
			&e.Actor, &e.Action, &detail); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.Project = project.String
		e.ThreadID = threadID.String
		e.Detail = detail.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
