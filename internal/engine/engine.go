// Package engine owns every task state transition after enqueue. It
// schedules queued tasks onto Agent subprocesses, routes run outcomes,
// brokers approvals, and recovers tasks stranded by a crash.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/adapters"
	"github.com/remotewiz/remotewiz/internal/agent"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	"github.com/remotewiz/remotewiz/internal/store"
	"github.com/remotewiz/remotewiz/internal/summary"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// Sentinel errors surfaced to the transports.
var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrApprovalResolved = errors.New("approval already resolved")
	ErrTaskNotAwaiting  = errors.New("task is no longer awaiting approval")
	ErrNotCancellable   = errors.New("task already reached a terminal state")
	ErrShuttingDown     = errors.New("engine is shutting down")
)

const (
	// orphanTermGrace is the SIGTERM window when killing subprocesses
	// inherited from a crashed predecessor.
	orphanTermGrace = 5 * time.Second

	// sessionPruneEvery spaces out the stale-session sweep; pruning on
	// every tick would be pointless churn.
	sessionPruneEvery = time.Minute
)

// TaskRunner runs one prompt to completion. Satisfied by *agent.Runner;
// tests substitute a scripted implementation.
type TaskRunner interface {
	Run(ctx context.Context, spec agent.RunSpec) agent.Outcome
	Binary() string
}

// Engine is the scheduler. One instance per process; the per-project
// mutual exclusion lives in the store's dequeue query, so even a second
// process pointed at the same database cannot double-run a project.
type Engine struct {
	cfg        *config.Config
	store      *store.Store
	runner     TaskRunner
	projects   map[string]*config.Project
	dispatcher *adapters.Dispatcher
	summarizer summary.Summarizer
	log        *logger.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	stopping bool

	kickCh    chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	loops     sync.WaitGroup
	tasks     sync.WaitGroup
	lastPrune time.Time
}

// New builds an Engine. Call Start before expecting any task to move.
func New(cfg *config.Config, st *store.Store, runner TaskRunner,
	projects map[string]*config.Project, dispatcher *adapters.Dispatcher,
	summarizer summary.Summarizer, log *logger.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      st,
		runner:     runner,
		projects:   projects,
		dispatcher: dispatcher,
		summarizer: summarizer,
		log:        log.WithFields(zap.String("component", "engine")),
		inflight:   make(map[string]context.CancelFunc),
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start performs crash recovery and launches the scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	e.announceSkipPermissions(ctx)
	if err := e.recoverOrphans(ctx); err != nil {
		return err
	}

	e.loops.Add(1)
	go e.run()

	e.log.Info("engine started",
		zap.Int("max_concurrent_tasks", e.cfg.Engine.MaxConcurrentTasks),
		zap.Duration("tick_interval", e.cfg.TickInterval()))
	return nil
}

// Kick nudges the scheduler to dequeue now instead of waiting for the
// next tick. Non-blocking; a pending kick absorbs further ones.
func (e *Engine) Kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

// Stop refuses new launches, waits out the grace window for in-flight
// tasks, then kills whatever remains and drains the dispatcher.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.loops.Wait()

	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace()):
		e.log.Warn("shutdown grace expired, killing in-flight tasks")
		e.cancelAll()
		<-done
	case <-ctx.Done():
		e.cancelAll()
		<-done
	}

	e.dispatcher.Drain(ctx)
	e.log.Info("engine stopped")
}

func (e *Engine) cancelAll() {
	e.mu.Lock()
	for _, cancel := range e.inflight {
		cancel()
	}
	e.mu.Unlock()
}

func (e *Engine) run() {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.kickCh:
			e.fillCapacity(context.Background())
		case <-ticker.C:
			e.tick(context.Background())
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.expireApprovals(ctx)
	e.pruneSessions(ctx)
	e.fillCapacity(ctx)
}

// fillCapacity claims queued tasks until the concurrency cap is reached
// or the queue has nothing runnable. The dequeue query itself enforces
// one active task per project.
func (e *Engine) fillCapacity(ctx context.Context) {
	for {
		e.mu.Lock()
		if e.stopping || len(e.inflight) >= e.cfg.Engine.MaxConcurrentTasks {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		task, err := e.store.DequeueNext(ctx)
		if err != nil {
			e.log.WithError(err).Error("failed to dequeue next task")
			return
		}
		if task == nil {
			return
		}
		if !e.startWorker(task, nil) {
			e.log.WithTaskID(task.ID).Warn("task claimed during shutdown, will be recovered on next start")
			return
		}
	}
}

// announceSkipPermissions logs and journals every project configured to
// bypass the approval flow, once per process start.
func (e *Engine) announceSkipPermissions(ctx context.Context) {
	aliases := make([]string, 0, len(e.projects))
	for alias := range e.projects {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		p := e.projects[alias]
		if !p.SkipPermissions {
			continue
		}
		e.log.WithProject(alias).Warn("project runs with permission prompts disabled",
			zap.String("reason", p.SkipPermissionsReason))
		e.audit(ctx, store.AuditEvent{
			Project: alias,
			Action:  store.AuditSkipPermissions,
			Detail:  map[string]interface{}{"reason": p.SkipPermissionsReason},
		})
	}
}

// recoverOrphans handles tasks left in running state by a previous
// process. Each recorded subprocess identity is re-verified against the
// live process table before any signal is sent; a reused pid is left
// untouched and journaled instead.
func (e *Engine) recoverOrphans(ctx context.Context) error {
	orphans, err := e.store.RunningOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to list orphaned tasks: %w", err)
	}

	for _, task := range orphans {
		tlog := e.log.WithTaskID(task.ID).WithProject(task.Project)

		if task.WorkerPID != nil && task.WorkerPIDStart != nil {
			id := agent.Identity{PID: *task.WorkerPID, StartTS: *task.WorkerPIDStart}
			err := agent.TerminateVerified(tlog, id, e.runner.Binary(), orphanTermGrace)
			switch {
			case errors.Is(err, agent.ErrIdentityMismatch):
				tlog.Warn("recorded pid now belongs to another process, leaving it alone",
					zap.Int("pid", id.PID))
				e.audit(ctx, store.AuditEvent{
					TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
					Action: store.AuditZombiePIDReused,
					Detail: map[string]interface{}{"pid": id.PID, "pid_start_ts": id.StartTS},
				})
			case err != nil:
				tlog.WithError(err).Error("failed to terminate orphaned subprocess",
					zap.Int("pid", id.PID))
			default:
				tlog.Info("terminated orphaned subprocess", zap.Int("pid", id.PID))
				e.audit(ctx, store.AuditEvent{
					TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
					Action: store.AuditOrphanKilled,
					Detail: map[string]interface{}{"pid": id.PID},
				})
			}
		}

		if err := e.store.MarkFailed(ctx, task.ID, v1.ErrorWorkerCrashedRecovery); err != nil {
			tlog.WithError(err).Error("failed to fail orphaned task")
			continue
		}
		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditTaskFailed,
			Detail: map[string]interface{}{"error": string(v1.ErrorWorkerCrashedRecovery)},
		})
		e.dispatcher.TaskUpdate(task.Adapter, v1.TaskUpdate{
			TaskID:   task.ID,
			ThreadID: task.ThreadID,
			Status:   v1.TaskStatusFailed,
			Error:    v1.ErrorWorkerCrashedRecovery,
		})
	}

	if len(orphans) > 0 {
		e.log.Info("recovered orphaned tasks", zap.Int("count", len(orphans)))
	}
	return nil
}

// expireApprovals denies every approval that outlived the configured
// window and fails its task.
func (e *Engine) expireApprovals(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.ApprovalTimeout())
	expired, err := e.store.ExpirePending(ctx, cutoff)
	if err != nil {
		e.log.WithError(err).Error("failed to expire approvals")
		return
	}

	for _, a := range expired {
		task, err := e.store.GetTask(ctx, a.TaskID)
		if err != nil {
			e.log.WithError(err).Error("failed to load task for expired approval",
				zap.String("approval_id", a.ID))
			continue
		}
		e.log.WithTaskID(task.ID).WithProject(task.Project).Warn("approval expired without a decision",
			zap.String("approval_id", a.ID),
			zap.String("action_class", string(a.ActionClass)))

		e.audit(ctx, store.AuditEvent{
			TaskID: task.ID, Project: task.Project, ThreadID: task.ThreadID,
			Action: store.AuditApprovalExpired,
			Detail: map[string]interface{}{
				"approval_id":  a.ID,
				"action_class": string(a.ActionClass),
			},
		})
		e.dispatcher.ApprovalResolved(a.ID, a.TaskID, v1.ResolverSystemTimeout, false)
		e.failTask(ctx, task, v1.ErrorApprovalTimeout, "",
			map[string]interface{}{"approval_id": a.ID})
	}
}

func (e *Engine) pruneSessions(ctx context.Context) {
	if time.Since(e.lastPrune) < sessionPruneEvery {
		return
	}
	e.lastPrune = time.Now()

	n, err := e.store.PruneSessions(ctx, e.cfg.SessionTTL())
	if err != nil {
		e.log.WithError(err).Error("failed to prune stale sessions")
		return
	}
	if n > 0 {
		e.log.Debug("pruned stale sessions", zap.Int("count", n))
	}
}

// audit appends a journal entry. Best-effort contract: a journal write
// failure is logged but never fails the operation that produced it.
func (e *Engine) audit(ctx context.Context, ev store.AuditEvent) {
	if err := e.store.AppendAudit(ctx, ev); err != nil {
		e.log.WithError(err).Error("failed to append audit entry",
			zap.String("action", ev.Action))
	}
}
