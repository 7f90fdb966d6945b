// Package v1 defines the wire types shared by the engine, the store, and
// the adapters.
package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued        TaskStatus = "queued"
	TaskStatusRunning       TaskStatus = "running"
	TaskStatusNeedsApproval TaskStatus = "needs_approval"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusFailed        TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// ErrorCode classifies why a task failed.
type ErrorCode string

const (
	ErrorQueueFull             ErrorCode = "queue_full"
	ErrorUnknownProject        ErrorCode = "unknown_project"
	ErrorSilenceTimeout        ErrorCode = "silence_timeout"
	ErrorTimeout               ErrorCode = "timeout"
	ErrorBudgetExceeded        ErrorCode = "budget_exceeded"
	ErrorApprovalDenied        ErrorCode = "approval_denied"
	ErrorApprovalTimeout       ErrorCode = "approval_timeout"
	ErrorCancelledByUser       ErrorCode = "cancelled_by_user"
	ErrorCLIError              ErrorCode = "cli_error"
	ErrorWorkerCrashedRecovery ErrorCode = "worker_crashed_recovery"
)

// Task is a single prompt execution request tied to a project and thread.
type Task struct {
	ID              string     `json:"id"`
	Project         string     `json:"project"`
	ProjectPath     string     `json:"project_path"`
	Prompt          string     `json:"prompt"`
	ThreadID        string     `json:"thread_id"`
	Adapter         string     `json:"adapter"`
	ContinueSession bool       `json:"continue_session"`
	Status          TaskStatus `json:"status"`
	Result          *string    `json:"result,omitempty"`
	Error           *ErrorCode `json:"error,omitempty"`
	TokensUsed      int        `json:"tokens_used"`
	TokenBudget     *int       `json:"token_budget,omitempty"`
	WorkerPID       *int       `json:"worker_pid,omitempty"`
	WorkerPIDStart  *int64     `json:"worker_pid_start_ts,omitempty"`
	Checkpoint      *string    `json:"checkpoint,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TaskInput is the enqueue envelope. These are the only recognized fields;
// transports reject requests carrying anything else.
type TaskInput struct {
	Project         string `json:"project"`
	Prompt          string `json:"prompt"`
	ThreadID        string `json:"thread_id"`
	Adapter         string `json:"adapter"`
	ContinueSession bool   `json:"continue_session"`
	ActorID         string `json:"actor_id"`
}

// Checkpoint is the progress blob persisted when a task stops for approval.
// It is replayed as context after the operator approves.
type Checkpoint struct {
	OriginalPrompt  string   `json:"original_prompt"`
	ProgressSummary string   `json:"progress_summary"`
	ReplayActions   []string `json:"replay_actions"`
}

// QueueStatus is the aggregate view returned by get_queue_status.
type QueueStatus struct {
	Queued        int            `json:"queued"`
	Running       int            `json:"running"`
	NeedsApproval int            `json:"needs_approval"`
	ByProject     map[string]int `json:"by_project"` // queued per project
}

// ProjectInfo is the client-visible view of a configured project.
type ProjectInfo struct {
	Alias           string `json:"alias"`
	Path            string `json:"path"`
	Description     string `json:"description,omitempty"`
	SkipPermissions bool   `json:"skip_permissions"`
	TokenBudget     int    `json:"token_budget,omitempty"`
	TimeoutMS       int    `json:"timeout_ms,omitempty"`
}

// BudgetReport sums token spend since a cutoff, usually midnight UTC.
// An empty Project means the total across all projects.
type BudgetReport struct {
	Project    string    `json:"project,omitempty"`
	Since      time.Time `json:"since"`
	TokensUsed int       `json:"tokens_used"`
}
