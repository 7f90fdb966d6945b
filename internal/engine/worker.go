package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/agent"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/redact"
	"github.com/remotewiz/remotewiz/internal/store"
	"github.com/remotewiz/remotewiz/internal/summary"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const (
	// resumeNotice prefixes the result when the stored session could not
	// be resumed and the task ran fresh instead.
	resumeNotice = "Note: couldn't resume the previous session, so this run started fresh.\n\n"

	// checkpointExcerptLen bounds the progress summary stored in a
	// checkpoint; it is replayed inside the post-approval prompt.
	checkpointExcerptLen = 700

	// fallbackExcerptLen bounds the result when the summarizer is
	// disabled or fails.
	fallbackExcerptLen = 700

	// summarizeTimeout bounds the summarizer call so an external
	// implementation cannot stall the worker goroutine.
	summarizeTimeout = 10 * time.Second

	// failureExcerptLen bounds the partial-output excerpt attached to a
	// failed task's update.
	failureExcerptLen = 300

	// threadHistory sizing. The digest seeds a fresh session after a
	// failed resume, so it has to stay well inside one prompt. Only
	// terminal tasks count; the fetch window is wider because the thread
	// may hold queued and running rows too.
	historyEntries  = 3
	historyFetch    = 10
	historyLineLen  = 160
	historyTotalLen = 700
)

// replayRun carries the approved-action context into the worker.
type replayRun struct {
	prompt     string
	approvalID string
}

// startWorker registers the task and launches its worker goroutine.
// Returns false when the engine is stopping; the claimed row then stays
// in running state and is recovered on the next start.
func (e *Engine) startWorker(task *v1.Task, replay *replayRun) bool {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		cancel()
		return false
	}
	e.inflight[task.ID] = cancel
	e.tasks.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.tasks.Done()
		defer cancel()
		defer e.release(task.ID)
		e.runTask(runCtx, task, replay)
	}()
	return true
}

func (e *Engine) release(taskID string) {
	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()
}

// taskBudget prefers the budget stamped on the row at enqueue time; rows
// from before budgets were stamped fall back to the project setting.
func (e *Engine) taskBudget(task *v1.Task, proj *config.Project) int {
	if task.TokenBudget != nil && *task.TokenBudget > 0 {
		return *task.TokenBudget
	}
	return proj.EffectiveTokenBudget(e.cfg.Engine.DefaultTokenBudget)
}

// runTask owns one task from claim to terminal state. Persistence runs on
// a background context: a cancelled run still has results to record.
func (e *Engine) runTask(runCtx context.Context, task *v1.Task, replay *replayRun) {
	ctx := context.Background()
	tlog := e.log.WithTaskID(task.ID).WithProject(task.Project)

	proj := e.projects[task.Project]
	if proj == nil {
		tlog.Error("task references a project that is no longer configured")
		e.failTask(ctx, task, v1.ErrorUnknownProject, "", nil)
		return
	}

	if replay == nil {
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditTaskStarted,
			Detail: map[string]interface{}{"adapter": task.Adapter},
		})
		e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
			TaskID:   task.ID,
			ThreadID: task.ThreadID,
			Status:   v1.TaskStatusRunning,
		})
	}

	out := e.runner.Run(runCtx, e.buildSpec(ctx, task, proj, replay))
	e.routeOutcome(ctx, task, proj, replay, out, tlog)
}

func (e *Engine) buildSpec(ctx context.Context, task *v1.Task, proj *config.Project, replay *replayRun) agent.RunSpec {
	prompt := task.Prompt
	if replay != nil {
		prompt = replay.prompt
	}

	sessionRef := ""
	history := ""
	if task.ContinueSession || replay != nil {
		sess, err := e.store.GetSession(ctx, task.ThreadID, e.cfg.SessionTTL())
		if err != nil {
			e.log.WithError(err).WithTaskID(task.ID).Warn("failed to look up session, running fresh")
		} else if sess != nil && sess.Project == task.Project {
			sessionRef = sess.SessionRef
		}
		// Only a user continuation gets the history-prefixed fallback; a
		// replay prompt must keep its approved-action marker first.
		if sessionRef != "" && replay == nil {
			history = e.threadHistory(ctx, task)
		}
	}

	timeout := time.Duration(proj.EffectiveTimeoutMS(e.cfg.Engine.DefaultTimeoutMS)) * time.Millisecond

	return agent.RunSpec{
		TaskID:               task.ID,
		Prompt:               prompt,
		Project:              proj,
		SessionRef:           sessionRef,
		HistorySummary:       history,
		ReplayMode:           replay != nil,
		ForceSkipPermissions: replay != nil,
		TokenBudget:          e.taskBudget(task, proj),
		Timeout:              timeout,
		OnStart: func(id agent.Identity) {
			if err := e.store.SetWorkerPID(ctx, task.ID, id.PID, id.StartTS); err != nil {
				e.log.WithError(err).WithTaskID(task.ID).Warn("failed to record worker pid",
					zap.Int("pid", id.PID))
			}
		},
		OnTokens: func(tokens int) {
			if err := e.store.UpdateTokens(ctx, task.ID, tokens); err != nil {
				e.log.WithError(err).WithTaskID(task.ID).Warn("failed to persist token count")
			}
		},
	}
}

func (e *Engine) routeOutcome(ctx context.Context, task *v1.Task, proj *config.Project,
	replay *replayRun, out agent.Outcome, tlog *logger.Logger) {

	// A permission event observed while the project's unconditional skip
	// is active never blocks the run; it is journaled so the bypass stays
	// visible. Replay runs are covered by their approval entries instead.
	if out.Record.Permission != nil && out.Status != v1.TaskStatusNeedsApproval && proj.SkipPermissions {
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditAutoApproved,
			Detail: map[string]interface{}{
				"action_class": string(out.Record.Permission.ActionClass),
				"description":  redact.String(out.Record.Permission.Description),
			},
		})
	}

	// Drift and resume-failure journal entries apply to every outcome the
	// run can produce, so they are written before routing.
	if out.SchemaDrift {
		tlog.Warn("agent output did not match the expected stream format",
			zap.Int("parse_failures", out.Record.ParseFailures))
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditSchemaDrift,
			Detail: map[string]interface{}{
				"parse_failures": out.Record.ParseFailures,
				"first_line":     redact.TruncateLine(redact.String(out.Record.FirstBadLine), 200),
			},
		})
	}
	if out.ResumeFellBack {
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditSessionResumeFailed,
			Detail: map[string]interface{}{"excerpt": redact.String(out.ResumeFailure)},
		})
	}

	switch {
	case out.Canceled:
		e.finishCancelled(ctx, task, tlog)
	case out.Status == v1.TaskStatusNeedsApproval:
		e.requestApproval(ctx, task, out, tlog)
	case out.Status == v1.TaskStatusFailed:
		e.finishFailed(ctx, task, out, tlog)
	default:
		e.finishDone(ctx, task, proj, replay, out, tlog)
	}
}

// finishCancelled runs after the subprocess died to a cancellation. The
// user-initiated path has already flipped the row; the shutdown path has
// not, so the flip is attempted again here.
func (e *Engine) finishCancelled(ctx context.Context, task *v1.Task, tlog *logger.Logger) {
	flipped, err := e.store.Cancel(ctx, task.ID)
	if err != nil {
		tlog.WithError(err).Error("failed to record cancellation")
	}
	if flipped {
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditTaskCancelled,
			Detail: map[string]interface{}{"reason": "shutdown"},
		})
	}
	tlog.Info("task run cancelled")
	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusFailed,
		Error:    v1.ErrorCancelledByUser,
	})
}

// requestApproval checkpoints the task and opens the approval. The
// checkpoint lands in the same statement that flips the status, so a task
// in needs_approval always carries one.
func (e *Engine) requestApproval(ctx context.Context, task *v1.Task, out agent.Outcome, tlog *logger.Logger) {
	class := v1.ActionUnknown
	desc := "the agent requested permission for an unclassified action"
	if perm := out.Record.Permission; perm != nil {
		class = perm.ActionClass
		if perm.Description != "" {
			desc = redact.String(perm.Description)
		}
	}

	ck := v1.Checkpoint{
		OriginalPrompt:  task.Prompt,
		ProgressSummary: summary.Excerpt(redact.String(out.Record.CombinedText()), checkpointExcerptLen),
		ReplayActions:   redact.Strings(out.Record.ReplayActions),
	}
	blob, err := json.Marshal(ck)
	if err != nil {
		tlog.WithError(err).Error("failed to encode checkpoint")
		blob = []byte("{}")
	}

	if err := e.store.SetCheckpoint(ctx, task.ID, string(blob)); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			e.dispatchCancelledIfCancelled(ctx, task)
			return
		}
		tlog.WithError(err).Error("failed to persist checkpoint")
		return
	}

	approval, err := e.store.CreateApproval(ctx, task.ID, class, desc)
	if err != nil {
		tlog.WithError(err).Error("failed to create approval")
		e.failTask(ctx, task, v1.ErrorCLIError, "", nil)
		return
	}

	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Action: store.AuditApprovalRequested,
		Detail: map[string]interface{}{
			"approval_id":  approval.ID,
			"action_class": string(class),
			"description":  desc,
		},
	})
	tlog.Info("task stopped at a permission wall",
		zap.String("approval_id", approval.ID),
		zap.String("action_class", string(class)))

	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusNeedsApproval,
		Summary:  "approval required: " + desc,
	})
	e.dispatcher.ApprovalRequest(task.Adapter, v1.ApprovalRequest{
		ApprovalID:  approval.ID,
		TaskID:      task.ID,
		ThreadID:    task.ThreadID,
		ActionClass: class,
		Description: desc,
	})
}

func (e *Engine) finishFailed(ctx context.Context, task *v1.Task, out agent.Outcome, tlog *logger.Logger) {
	switch out.Error {
	case v1.ErrorSilenceTimeout, v1.ErrorTimeout, v1.ErrorBudgetExceeded:
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditSubprocessKilled,
			Detail: map[string]interface{}{
				"reason":      string(out.Error),
				"pid":         out.Identity.PID,
				"duration_ms": out.Duration.Milliseconds(),
				"tokens_used": out.TokensUsed,
			},
		})
	}

	partial := strings.TrimSpace(out.Record.CombinedText())
	if partial == "" {
		partial = out.ResultText
	}
	excerpt := ""
	if partial != "" {
		excerpt = summary.Excerpt(redact.String(partial), failureExcerptLen)
	}

	tlog.Warn("task failed",
		zap.String("error", string(out.Error)),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration))
	e.failTask(ctx, task, out.Error, excerpt, map[string]interface{}{
		"exit_code":   out.ExitCode,
		"duration_ms": out.Duration.Milliseconds(),
	})
}

func (e *Engine) finishDone(ctx context.Context, task *v1.Task, proj *config.Project,
	replay *replayRun, out agent.Outcome, tlog *logger.Logger) {

	text := redact.String(out.ResultText)
	replayActions := redact.Strings(out.Record.ReplayActions)

	resultText := text
	if e.cfg.Engine.SummarizerEnabled {
		sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
		s, err := e.summarizer.Summarize(sctx, summary.Input{
			RawText:       text,
			ToolSummaries: redact.Strings(out.Record.ToolSummaries),
			TokensUsed:    out.TokensUsed,
			TokenBudget:   e.taskBudget(task, proj),
			ReplayActions: replayActions,
		})
		cancel()
		if err != nil {
			tlog.WithError(err).Warn("summarizer failed, falling back to an excerpt")
			resultText = summary.Excerpt(text, fallbackExcerptLen)
		} else {
			resultText = s
		}
	} else {
		resultText = summary.Excerpt(text, fallbackExcerptLen)
	}
	resultText = summary.EnsureReplaySection(resultText, replayActions)

	if out.ResumeFellBack {
		resultText = resumeNotice + resultText
	}

	if err := e.store.MarkDone(ctx, task.ID, resultText, out.TokensUsed); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			e.dispatchCancelledIfCancelled(ctx, task)
			return
		}
		tlog.WithError(err).Error("failed to record task completion")
		return
	}

	e.saveSession(ctx, task, out)

	detail := map[string]interface{}{
		"tokens_used": out.TokensUsed,
		"duration_ms": out.Duration.Milliseconds(),
	}
	if replay != nil {
		detail["approval_id"] = replay.approvalID
	}
	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Action: store.AuditTaskCompleted,
		Detail: detail,
	})
	tlog.Info("task completed",
		zap.Int("tokens_used", out.TokensUsed),
		zap.Duration("duration", out.Duration))

	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusDone,
		Summary:  resultText,
	})
}

// failTask flips the task to failed, journals it, and notifies the owner.
// A stale transition means a cancellation won the race, in which case the
// cancelled update is owed instead.
func (e *Engine) failTask(ctx context.Context, task *v1.Task, code v1.ErrorCode,
	summaryText string, detail map[string]interface{}) {

	if err := e.store.MarkFailed(ctx, task.ID, code); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			e.dispatchCancelledIfCancelled(ctx, task)
			return
		}
		e.log.WithError(err).WithTaskID(task.ID).Error("failed to record task failure")
		return
	}

	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["error"] = string(code)
	e.audit(ctx, store.AuditEvent{
		TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
		Action: store.AuditTaskFailed,
		Detail: detail,
	})
	e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusFailed,
		Error:    code,
		Summary:  summaryText,
	})
}

// dispatchCancelledIfCancelled re-reads the row after a stale transition.
// When a user cancellation flipped it while a worker was live, the worker
// owes the final update; any other terminal state already sent its own.
func (e *Engine) dispatchCancelledIfCancelled(ctx context.Context, task *v1.Task) {
	cur, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		e.log.WithError(err).WithTaskID(task.ID).Error("failed to re-read task after stale transition")
		return
	}
	if cur.Status == v1.TaskStatusFailed && cur.Error != nil && *cur.Error == v1.ErrorCancelledByUser {
		e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
			TaskID:   task.ID,
			ThreadID: task.ThreadID,
			Status:   v1.TaskStatusFailed,
			Error:    v1.ErrorCancelledByUser,
		})
	}
}

// saveSession records the run's session reference for the thread. A
// fallback run that produced no reference proves the stored one dead, so
// it is removed instead.
func (e *Engine) saveSession(ctx context.Context, task *v1.Task, out agent.Outcome) {
	if out.Record.SessionID != "" {
		if err := e.store.UpsertSession(ctx, task.ThreadID, task.Project, out.Record.SessionID); err != nil {
			e.log.WithError(err).WithTaskID(task.ID).Warn("failed to save session reference")
			return
		}
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditSessionSaved,
			Detail: map[string]interface{}{"session_ref": out.Record.SessionID},
		})
		return
	}
	if out.ResumeFellBack {
		if err := e.store.DeleteSession(ctx, task.ThreadID); err != nil {
			e.log.WithError(err).WithTaskID(task.ID).Warn("failed to drop dead session reference")
		}
	}
}

// threadHistory builds a compact oldest-first digest of the last few
// finished tasks in the thread. It seeds the fresh session when a resume
// fails.
func (e *Engine) threadHistory(ctx context.Context, task *v1.Task) string {
	tasks, err := e.store.TasksByThread(ctx, task.ThreadID, historyFetch)
	if err != nil {
		e.log.WithError(err).WithTaskID(task.ID).Warn("failed to load thread history")
		return ""
	}

	// tasks arrive newest first; keep the newest terminal ones, then flip
	// them into reading order.
	var picked []*v1.Task
	for _, t := range tasks {
		if t.ID == task.ID || !t.Status.Terminal() {
			continue
		}
		picked = append(picked, t)
		if len(picked) == historyEntries {
			break
		}
	}

	var lines []string
	for i := len(picked) - 1; i >= 0; i-- {
		t := picked[i]
		body := t.Prompt
		if t.Result != nil && *t.Result != "" {
			body = *t.Result
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s",
			t.CreatedAt.UTC().Format(time.RFC3339), t.Status,
			redact.TruncateLine(redact.String(body), historyLineLen)))
	}
	if len(lines) == 0 {
		return ""
	}
	return summary.Excerpt(strings.Join(lines, " | "), historyTotalLen)
}
