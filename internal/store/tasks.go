package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const taskColumns = `id, project, project_path, prompt, thread_id, adapter,
	continue_session, status, result, error, tokens_used, token_budget,
	worker_pid, worker_pid_start_ts, checkpoint, created_at, started_at, completed_at`

// EnqueueTask inserts a new queued task. The per-project depth check and
// the insert happen in one transaction, so the cap cannot be raced past.
// The token budget is resolved by the caller and stamped on the row, so
// the limit that will govern the run is visible from the moment the task
// exists.
func (s *Store) EnqueueTask(ctx context.Context, in v1.TaskInput, projectPath string, tokenBudget, maxQueued int) (*v1.Task, error) {
	task := &v1.Task{
		ID:              uuid.NewString(),
		Project:         in.Project,
		ProjectPath:     projectPath,
		Prompt:          in.Prompt,
		ThreadID:        in.ThreadID,
		Adapter:         in.Adapter,
		ContinueSession: in.ContinueSession,
		Status:          v1.TaskStatusQueued,
		CreatedAt:       utcNow(),
	}
	var budget interface{}
	if tokenBudget > 0 {
		task.TokenBudget = &tokenBudget
		budget = tokenBudget
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var queued int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE project = ? AND status = ?`,
			in.Project, v1.TaskStatusQueued,
		).Scan(&queued)
		if err != nil {
			return fmt.Errorf("failed to count queued tasks: %w", err)
		}
		if queued >= maxQueued {
			return ErrQueueFull
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, project, project_path, prompt, thread_id, adapter,
				continue_session, status, token_budget, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Project, task.ProjectPath, task.Prompt, task.ThreadID,
			task.Adapter, task.ContinueSession, task.Status, budget, task.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DequeueNext atomically claims the oldest queued task whose project has
// no active task, flipping it to running. Returns (nil, nil) when every
// queued task is blocked by its project or the queue is empty.
//
// The NOT EXISTS subquery is the per-project mutual exclusion: it is part
// of the durable claim itself, so a restart cannot leak a second run into
// a project.
func (s *Store) DequeueNext(ctx context.Context) (*v1.Task, error) {
	var task *v1.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks t
			WHERE t.status = 'queued'
			  AND NOT EXISTS (
				SELECT 1 FROM tasks a
				WHERE a.project = t.project
				  AND a.status IN ('running', 'needs_approval')
			  )
			ORDER BY t.created_at ASC, t.id ASC
			LIMIT 1`)

		claimed, err := scanTask(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next task: %w", err)
		}

		now := utcNow()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = 'queued'`,
			v1.TaskStatusRunning, now, claimed.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleTransition
		}
		claimed.Status = v1.TaskStatusRunning
		claimed.StartedAt = &now
		task = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// UpdateTokens persists the current token estimate for a running task.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET tokens_used = ? WHERE id = ?`, tokens, id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// MarkDone completes a running task with its summary text.
// Returns ErrStaleTransition if the task is no longer running (for
// example, it was cancelled while the subprocess was finishing).
func (s *Store) MarkDone(ctx context.Context, id string, result string, tokens int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, result = ?, tokens_used = ?, completed_at = ?,
		     worker_pid = NULL, worker_pid_start_ts = NULL
		 WHERE id = ? AND status = ?`,
		v1.TaskStatusDone, result, tokens, utcNow(), id, v1.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkFailed fails a task that is currently running or waiting on an
// approval. Returns ErrStaleTransition when the row already reached a
// terminal state.
func (s *Store) MarkFailed(ctx context.Context, id string, code v1.ErrorCode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, error = ?, completed_at = ?,
		     worker_pid = NULL, worker_pid_start_ts = NULL
		 WHERE id = ? AND status IN ('running', 'needs_approval')`,
		v1.TaskStatusFailed, code, utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetCheckpoint persists the checkpoint blob and moves the task into
// needs_approval in the same statement, so the blob is never missing from
// a task in that state.
func (s *Store) SetCheckpoint(ctx context.Context, id string, blob string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET checkpoint = ?, status = ?, worker_pid = NULL, worker_pid_start_ts = NULL
		 WHERE id = ? AND status = ?`,
		blob, v1.TaskStatusNeedsApproval, id, v1.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkReplaying moves an approved task back to running for the replay run.
func (s *Store) MarkReplaying(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		v1.TaskStatusRunning, id, v1.TaskStatusNeedsApproval,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task replaying: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetWorkerPID records the subprocess identity before any long operation.
// Only a running task may own a pid.
func (s *Store) SetWorkerPID(ctx context.Context, id string, pid int, startTS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET worker_pid = ?, worker_pid_start_ts = ? WHERE id = ? AND status = ?`,
		pid, startTS, id, v1.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to set worker pid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ClearWorkerPID removes the subprocess identity after exit.
func (s *Store) ClearWorkerPID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET worker_pid = NULL, worker_pid_start_ts = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear worker pid: %w", err)
	}
	return nil
}

// Cancel flips a task to failed/cancelled_by_user from any non-terminal
// state. Returns true if this call performed the flip.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, error = ?, completed_at = ?,
		     worker_pid = NULL, worker_pid_start_ts = NULL
		 WHERE id = ? AND status IN ('queued', 'running', 'needs_approval')`,
		v1.TaskStatusFailed, v1.ErrorCancelledByUser, utcNow(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RunningOrphans lists tasks left in running state by a previous process.
// Only meaningful during engine startup, before any worker is launched.
func (s *Store) RunningOrphans(ctx context.Context) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC`,
		v1.TaskStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// QueuedCount returns the number of queued tasks for a project.
func (s *Store) QueuedCount(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE project = ? AND status = ?`,
		project, v1.TaskStatusQueued,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued tasks: %w", err)
	}
	return n, nil
}

// TasksByThread returns the newest tasks for a thread, newest first.
func (s *Store) TasksByThread(ctx context.Context, threadID string, limit int) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE thread_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TasksByProject returns the newest tasks for a project, newest first.
func (s *Store) TasksByProject(ctx context.Context, project string, limit int) ([]*v1.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list project tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// QueueStatusSnapshot aggregates live counts for the status endpoint.
func (s *Store) QueueStatusSnapshot(ctx context.Context) (*v1.QueueStatus, error) {
	status := &v1.QueueStatus{ByProject: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks
		 WHERE status IN ('queued', 'running', 'needs_approval')
		 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate queue status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		switch v1.TaskStatus(st) {
		case v1.TaskStatusQueued:
			status.Queued = n
		case v1.TaskStatusRunning:
			status.Running = n
		case v1.TaskStatusNeedsApproval:
			status.NeedsApproval = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	perProject, err := s.db.QueryContext(ctx,
		`SELECT project, COUNT(*) FROM tasks WHERE status = 'queued' GROUP BY project`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate per-project counts: %w", err)
	}
	defer perProject.Close()
	for perProject.Next() {
		var project string
		var n int
		if err := perProject.Scan(&project, &n); err != nil {
			return nil, err
		}
		status.ByProject[project] = n
	}
	return status, perProject.Err()
}

// TokensUsedSince sums tokens_used across tasks created at or after the
// cutoff. An empty project means all projects.
func (s *Store) TokensUsedSince(ctx context.Context, project string, since time.Time) (int, error) {
	var total sql.NullInt64
	var err error
	if project == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT SUM(tokens_used) FROM tasks WHERE created_at >= ?`, since,
		).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT SUM(tokens_used) FROM tasks WHERE project = ? AND created_at >= ?`,
			project, since,
		).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sum tokens: %w", err)
	}
	return int(total.Int64), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	var t v1.Task
	var result, errCode, checkpoint sql.NullString
	var tokenBudget, workerPID, workerStart sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Project, &t.ProjectPath, &t.Prompt, &t.ThreadID, &t.Adapter,
		&t.ContinueSession, &t.Status, &result, &errCode, &t.TokensUsed,
		&tokenBudget, &workerPID, &workerStart, &checkpoint,
		&t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		t.Result = &result.String
	}
	if errCode.Valid {
		code := v1.ErrorCode(errCode.String)
		t.Error = &code
	}
	if checkpoint.Valid {
		t.Checkpoint = &checkpoint.String
	}
	if tokenBudget.Valid {
		budget := int(tokenBudget.Int64)
		t.TokenBudget = &budget
	}
	if workerPID.Valid {
		pid := int(workerPID.Int64)
		t.WorkerPID = &pid
	}
	if workerStart.Valid {
		start := workerStart.Int64
		t.WorkerPIDStart = &start
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*v1.Task, error) {
	var tasks []*v1.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
