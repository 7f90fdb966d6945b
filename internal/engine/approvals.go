package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/store"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// replayPromptFormat scopes the post-approval run to the approved action
// before handing back the original task.
const replayPromptFormat = "[APPROVED ACTION ONLY] The user approved: %s.\nPrevious progress: %s.\nPerform the approved action, then continue the original task: %s"

// ResolveApproval applies a human decision to a pending approval. An
// approval launches the replay run immediately; a denial fails the task.
// The store flip is atomic, so concurrent resolvers cannot both win.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID, actor string, approve bool) error {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrApprovalNotFound
	}

	flipped, err := e.store.ResolveApproval(ctx, approvalID, actor, approve)
	if err != nil {
		return err
	}
	if !flipped {
		return ErrApprovalResolved
	}

	task, err := e.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return err
	}
	tlog := e.log.WithTaskID(task.ID).WithProject(task.Project)
	e.dispatcher.ApprovalResolved(a.ID, a.TaskID, actor, approve)

	if !approve {
		tlog.Info("approval denied",
			zap.String("approval_id", a.ID),
			zap.String("actor", actor))
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Actor:  actor,
			Action: store.AuditApprovalDenied,
			Detail: map[string]interface{}{
				"approval_id":  a.ID,
				"action_class": string(a.ActionClass),
			},
		})
		e.failTask(ctx, task, v1.ErrorApprovalDenied, "",
			map[string]interface{}{"approval_id": a.ID})
		return nil
	}

	tlog.Info("approval granted",
		zap.String("approval_id", a.ID),
		zap.String("actor", actor))
	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Actor:  actor,
		Action: store.AuditApprovalGranted,
		Detail: map[string]interface{}{
			"approval_id":  a.ID,
			"action_class": string(a.ActionClass),
		},
	})

	ck := e.loadCheckpoint(task)
	prompt := fmt.Sprintf(replayPromptFormat, a.Description, ck.ProgressSummary, ck.OriginalPrompt)

	if err := e.store.MarkReplaying(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return ErrTaskNotAwaiting
		}
		return err
	}
	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Actor:  actor,
		Action: store.AuditTaskReplayed,
		Detail: map[string]interface{}{"approval_id": a.ID},
	})
	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusRunning,
		Summary:  "approved action is being replayed",
	})

	if !e.startWorker(task, &replayRun{prompt: prompt, approvalID: a.ID}) {
		return ErrShuttingDown
	}
	return nil
}

// loadCheckpoint decodes the task's checkpoint blob, falling back to the
// original prompt alone when the blob is missing or unreadable.
func (e *Engine) loadCheckpoint(task *v1.Task) v1.Checkpoint {
	fallback := v1.Checkpoint{OriginalPrompt: task.Prompt, ProgressSummary: "(none)"}
	if task.Checkpoint == nil {
		return fallback
	}
	var ck v1.Checkpoint
	if err := json.Unmarshal([]byte(*task.Checkpoint), &ck); err != nil {
		e.log.WithError(err).WithTaskID(task.ID).Warn("checkpoint blob is unreadable, replaying from the prompt alone")
		return fallback
	}
	if ck.OriginalPrompt == "" {
		ck.OriginalPrompt = task.Prompt
	}
	if ck.ProgressSummary == "" {
		ck.ProgressSummary = "(none)"
	}
	return ck
}

// CancelTask aborts a task on the user's behalf. The row flips first, so
// the cancellation survives a crash even if the subprocess signal never
// goes out; orphan recovery finishes the job on the next start.
func (e *Engine) CancelTask(ctx context.Context, taskID, actor string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	flipped, err := e.store.Cancel(ctx, taskID)
	if err != nil {
		return err
	}
	if !flipped {
		return ErrNotCancellable
	}

	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Actor:  actor,
		Action: store.AuditTaskCancelled,
	})
	e.log.WithTaskID(task.ID).WithProject(task.Project).Info("task cancelled",
		zap.String("actor", actor))

	// A cancelled task must not leave its approval pending, or the expiry
	// sweep would try to fail the task a second time.
	if pending, err := e.store.PendingApprovalForTask(ctx, taskID); err == nil && pending != nil {
		if ok, err := e.store.ResolveApproval(ctx, pending.ID, actor, false); err == nil && ok {
			e.dispatcher.ApprovalResolved(pending.ID, taskID, actor, false)
		}
	}

	e.mu.Lock()
	cancelRun, live := e.inflight[taskID]
	e.mu.Unlock()
	if live {
		// The worker observes the kill and sends the final update.
		cancelRun()
		return nil
	}

	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusFailed,
		Error:    v1.ErrorCancelledByUser,
	})
	return nil
}
