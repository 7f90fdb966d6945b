// Package gateway is the adapter-facing API. Every front end, the
// built-in HTTP surface included, drives the system through this facade;
// every string it returns has passed the redactor.
package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/adapters"
	apperrors "github.com/remotewiz/remotewiz/internal/common/errors"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/engine"
	"github.com/remotewiz/remotewiz/internal/redact"
	"github.com/remotewiz/remotewiz/internal/store"
	"github.com/remotewiz/remotewiz/internal/uploads"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	defaultAuditLimit   = 50
	maxAuditLimit       = 500
)

// TaskControl is the slice of the engine the gateway drives. Kept narrow
// so gateway tests can substitute a recorder.
type TaskControl interface {
	Kick()
	CancelTask(ctx context.Context, taskID, actor string) error
	ResolveApproval(ctx context.Context, approvalID, actor string, approve bool) error
}

// Gateway wires validation, persistence, auditing and dispatch behind the
// adapter API.
type Gateway struct {
	cfg        *config.Config
	store      *store.Store
	control    TaskControl
	projects   map[string]*config.Project
	uploads    *uploads.Manager
	dispatcher *adapters.Dispatcher
	log        *logger.Logger
}

// New builds a Gateway over an already-started engine.
func New(cfg *config.Config, st *store.Store, control TaskControl,
	projects map[string]*config.Project, um *uploads.Manager,
	dispatcher *adapters.Dispatcher, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:        cfg,
		store:      st,
		control:    control,
		projects:   projects,
		uploads:    um,
		dispatcher: dispatcher,
		log:        log.WithFields(zap.String("component", "gateway")),
	}
}

// EnqueueTask validates the input, inserts the task and nudges the
// scheduler. The queued update goes out before this returns, so adapters
// that echo updates show the task immediately.
func (g *Gateway) EnqueueTask(ctx context.Context, in v1.TaskInput) (*v1.Task, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, apperrors.ValidationError("prompt", "must not be empty")
	}
	if in.ThreadID == "" {
		return nil, apperrors.ValidationError("thread_id", "must not be empty")
	}
	proj, ok := g.projects[in.Project]
	if !ok {
		return nil, apperrors.UnknownProject(in.Project)
	}

	budget := proj.EffectiveTokenBudget(g.cfg.Engine.DefaultTokenBudget)
	task, err := g.store.EnqueueTask(ctx, in, proj.CanonicalPath, budget, g.cfg.Engine.MaxQueuedPerProject)
	if errors.Is(err, store.ErrQueueFull) {
		return nil, apperrors.QueueFull(in.Project, g.cfg.Engine.MaxQueuedPerProject)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to enqueue task")
	}

	g.audit(ctx, store.AuditEvent{
		TaskID:   task.ID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Actor:    in.ActorID,
		Action:   store.AuditTaskCreated,
		Detail: map[string]interface{}{
			"adapter":          task.Adapter,
			"continue_session": task.ContinueSession,
		},
	})
	g.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
		TaskID:   task.ID,
		ThreadID: task.ThreadID,
		Status:   v1.TaskStatusQueued,
	})
	g.control.Kick()

	g.log.Info("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("project", task.Project),
		zap.String("thread_id", task.ThreadID))
	return sanitizeTask(task), nil
}

// BindThread pins a conversation thread to a project so later prompts in
// that thread need no explicit project.
func (g *Gateway) BindThread(ctx context.Context, threadID, project, adapterTag, actor string) error {
	if threadID == "" {
		return apperrors.ValidationError("thread_id", "must not be empty")
	}
	if _, ok := g.projects[project]; !ok {
		return apperrors.UnknownProject(project)
	}
	if err := g.store.BindThread(ctx, threadID, project, adapterTag, actor); err != nil {
		return apperrors.Wrap(err, "failed to bind thread")
	}
	g.audit(ctx, store.AuditEvent{
		Project:  project,
		ThreadID: threadID,
		Actor:    actor,
		Action:   store.AuditThreadBound,
		Detail:   map[string]interface{}{"adapter": adapterTag},
	})
	return nil
}

// GetBinding returns the thread's project binding, or nil when unbound.
func (g *Gateway) GetBinding(ctx context.Context, threadID string) (*v1.ThreadBinding, error) {
	return g.store.GetBinding(ctx, threadID)
}

// CancelTask cancels a queued, running or approval-blocked task.
func (g *Gateway) CancelTask(ctx context.Context, taskID, actor string) error {
	err := g.control.CancelTask(ctx, taskID, actor)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNotCancellable):
		return apperrors.Conflict("task already reached a terminal state")
	case errors.Is(err, store.ErrTaskNotFound):
		return apperrors.NotFound("task", taskID)
	default:
		return apperrors.Wrap(err, "failed to cancel task")
	}
}

// ResolveApproval applies an operator verdict. Action is the wire-level
// string, exactly "approve" or "deny".
func (g *Gateway) ResolveApproval(ctx context.Context, approvalID, actor, action string) error {
	var approve bool
	switch action {
	case "approve":
		approve = true
	case "deny":
		approve = false
	default:
		return apperrors.ValidationError("action", "must be 'approve' or 'deny'")
	}

	err := g.control.ResolveApproval(ctx, approvalID, actor, approve)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrApprovalNotFound):
		return apperrors.NotFound("approval", approvalID)
	case errors.Is(err, engine.ErrApprovalResolved):
		return apperrors.Conflict("approval was already resolved")
	case errors.Is(err, engine.ErrTaskNotAwaiting):
		return apperrors.Conflict("task is no longer awaiting approval")
	default:
		return apperrors.Wrap(err, "failed to resolve approval")
	}
}

// GetProjects lists the configured projects sorted by alias.
func (g *Gateway) GetProjects() []v1.ProjectInfo {
	infos := make([]v1.ProjectInfo, 0, len(g.projects))
	for _, p := range g.projects {
		infos = append(infos, v1.ProjectInfo{
			Alias:           p.Alias,
			Path:            p.CanonicalPath,
			Description:     p.Description,
			SkipPermissions: p.SkipPermissions,
			TokenBudget:     p.TokenBudget,
			TimeoutMS:       p.TimeoutMS,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Alias < infos[j].Alias })
	return infos
}

// GetQueueStatus returns aggregate queue depths.
func (g *Gateway) GetQueueStatus(ctx context.Context) (*v1.QueueStatus, error) {
	return g.store.QueueStatusSnapshot(ctx)
}

// GetTask returns one task by id.
func (g *Gateway) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	task, err := g.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load task")
	}
	return sanitizeTask(task), nil
}

// GetThreadTaskHistory returns the thread's tasks, newest first.
func (g *Gateway) GetThreadTaskHistory(ctx context.Context, threadID string, limit int) ([]*v1.Task, error) {
	tasks, err := g.store.TasksByThread(ctx, threadID, clamp(limit, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load thread history")
	}
	return sanitizeTasks(tasks), nil
}

// GetProjectTaskHistory returns the project's tasks, newest first.
func (g *Gateway) GetProjectTaskHistory(ctx context.Context, project string, limit int) ([]*v1.Task, error) {
	if _, ok := g.projects[project]; !ok {
		return nil, apperrors.UnknownProject(project)
	}
	tasks, err := g.store.TasksByProject(ctx, project, clamp(limit, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load project history")
	}
	return sanitizeTasks(tasks), nil
}

// GetAudit returns journal entries newest first, optionally scoped to one
// project.
func (g *Gateway) GetAudit(ctx context.Context, project string, limit int) ([]*v1.AuditEntry, error) {
	n := clamp(limit, defaultAuditLimit, maxAuditLimit)
	if project == "" {
		return g.store.AuditRecent(ctx, n)
	}
	if _, ok := g.projects[project]; !ok {
		return nil, apperrors.UnknownProject(project)
	}
	return g.store.AuditByProject(ctx, project, n)
}

// GetBudgetToday sums tokens spent on tasks created since midnight UTC.
func (g *Gateway) GetBudgetToday(ctx context.Context, project string) (*v1.BudgetReport, error) {
	if project != "" {
		if _, ok := g.projects[project]; !ok {
			return nil, apperrors.UnknownProject(project)
		}
	}
	since := time.Now().UTC().Truncate(24 * time.Hour)
	used, err := g.store.TokensUsedSince(ctx, project, since)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to sum token spend")
	}
	return &v1.BudgetReport{Project: project, Since: since, TokensUsed: used}, nil
}

// CreateUploadReference validates and stores an uploaded file, returning
// the opaque reference.
func (g *Gateway) CreateUploadReference(ctx context.Context, req uploads.SaveRequest) (*v1.UploadRef, error) {
	if _, ok := g.projects[req.Project]; !ok {
		return nil, apperrors.UnknownProject(req.Project)
	}
	return g.uploads.Save(ctx, req)
}

// ResolveUploadRef returns a live upload reference by id.
func (g *Gateway) ResolveUploadRef(ctx context.Context, id string) (*v1.UploadRef, error) {
	return g.uploads.Resolve(ctx, id)
}

// MarkUploadConsumed flags a reference as used. False means it was already
// consumed or never existed.
func (g *Gateway) MarkUploadConsumed(ctx context.Context, id string) (bool, error) {
	return g.uploads.MarkConsumed(ctx, id)
}

// CleanupTaskUploadDir removes a task's upload directory and its
// references.
func (g *Gateway) CleanupTaskUploadDir(ctx context.Context, project, taskID string) error {
	return g.uploads.CleanupScope(ctx, project, taskID)
}

func (g *Gateway) audit(ctx context.Context, ev store.AuditEvent) {
	if err := g.store.AppendAudit(ctx, ev); err != nil {
		g.log.WithError(err).Error("failed to append audit entry",
			zap.String("action", ev.Action))
	}
}

// sanitizeTask prepares a task row for the outside world: secrets
// scrubbed, internal checkpoint blob withheld. Prompts are stored raw
// because the subprocess needs them verbatim, so the scrub happens here.
func sanitizeTask(t *v1.Task) *v1.Task {
	out := *t
	out.Prompt = redact.String(t.Prompt)
	if t.Result != nil {
		r := redact.String(*t.Result)
		out.Result = &r
	}
	out.Checkpoint = nil
	return &out
}

func sanitizeTasks(tasks []*v1.Task) []*v1.Task {
	out := make([]*v1.Task, len(tasks))
	for i, t := range tasks {
		out[i] = sanitizeTask(t)
	}
	return out
}

func clamp(limit, def, max int) int {
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	default:
		return limit
	}
}
