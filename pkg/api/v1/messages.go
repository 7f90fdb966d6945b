package v1

import "time"

// TaskUpdate is pushed to the owning adapter on every engine-driven status
// change. All strings are post-redaction.
type TaskUpdate struct {
	TaskID   string     `json:"task_id"`
	ThreadID string     `json:"thread_id"`
	Status   TaskStatus `json:"status"`
	Summary  string     `json:"summary,omitempty"`
	Error    ErrorCode  `json:"error,omitempty"`
}

// ApprovalRequest is pushed to the owning adapter exactly once per
// approval creation.
type ApprovalRequest struct {
	ApprovalID  string      `json:"approval_id"`
	TaskID      string      `json:"task_id"`
	ThreadID    string      `json:"thread_id"`
	ActionClass ActionClass `json:"action_class"`
	Description string      `json:"description"`
}

// ThreadBinding maps an adapter conversation thread to a project.
type ThreadBinding struct {
	ThreadID  string    `json:"thread_id"`
	Project   string    `json:"project"`
	Adapter   string    `json:"adapter"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is one immutable row of the audit journal.
type AuditEntry struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	TaskID   string    `json:"task_id,omitempty"`
	Project  string    `json:"project,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
}

// UploadRef is an opaque handle to a validated uploaded file. Clients only
// ever see the id and original name.
type UploadRef struct {
	ID           string     `json:"id"`
	Project      string     `json:"project"`
	OriginalName string     `json:"original_name"`
	ServerPath   string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
}
