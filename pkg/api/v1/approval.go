package v1

import "time"

// ApprovalStatus represents the state of an approval record.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// ActionClass categorizes what the Agent was trying to do when it hit a
// permission wall.
type ActionClass string

const (
	ActionFileDelete      ActionClass = "file_delete"
	ActionGitPush         ActionClass = "git_push"
	ActionGitForce        ActionClass = "git_force"
	ActionDestructiveCmd  ActionClass = "destructive_cmd"
	ActionExternalRequest ActionClass = "external_request"
	ActionInstallPackage  ActionClass = "install_package"
	ActionUnknown         ActionClass = "unknown"
)

// ResolverSystemTimeout is recorded as the resolver when a pending
// approval expires without a human decision.
const ResolverSystemTimeout = "system_timeout"

// Approval is a pending or resolved permission request for one task.
type Approval struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	ActionClass ActionClass    `json:"action_class"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  *string        `json:"resolved_by,omitempty"`
}
