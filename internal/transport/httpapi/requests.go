package httpapi

// Request and response shapes for the REST endpoints. Bodies are decoded
// strictly: a field not listed here fails the request.

// CreateTaskRequest enqueues a prompt. Project may be omitted when the
// thread already has a binding.
type CreateTaskRequest struct {
	Project         string `json:"project"`
	Prompt          string `json:"prompt"`
	ThreadID        string `json:"thread_id"`
	ContinueSession bool   `json:"continue_session"`
	ActorID         string `json:"actor_id"`
}

// CreateTaskResponse acknowledges an accepted task.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelTaskRequest names the actor for the audit trail. The body is
// optional.
type CancelTaskRequest struct {
	ActorID string `json:"actor_id"`
}

// ResolveApprovalRequest carries the operator verdict.
type ResolveApprovalRequest struct {
	Action  string `json:"action"`
	ActorID string `json:"actor_id"`
}

// BindThreadRequest pins a thread to a project.
type BindThreadRequest struct {
	Project string `json:"project"`
	ActorID string `json:"actor_id"`
}

// UploadResponse is all a client learns about a stored upload.
type UploadResponse struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
}
