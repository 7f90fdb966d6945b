package adapters

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// dispatchTimeout bounds one adapter callback. A stuck chat bridge must
// not hold engine goroutines.
const dispatchTimeout = 15 * time.Second

// Dispatcher fans engine callbacks out to the task's adapter and mirrors
// every event onto the event bus. All delivery is asynchronous; panics and
// errors inside adapters are contained here.
type Dispatcher struct {
	registry *Registry
	bus      bus.EventBus
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewDispatcher wires the registry and the event bus.
func NewDispatcher(registry *Registry, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "adapter-dispatcher")),
	}
}

// TaskUpdate delivers a status change to the tagged adapter and the bus.
func (d *Dispatcher) TaskUpdate(adapterTag string, update v1.TaskUpdate) {
	d.publish(bus.SubjectTaskUpdate, "task.update", map[string]interface{}{
		"task_id":   update.TaskID,
		"thread_id": update.ThreadID,
		"status":    string(update.Status),
		"summary":   update.Summary,
		"error":     string(update.Error),
	})

	adapter, ok := d.registry.Get(adapterTag)
	if !ok {
		d.log.Warn("task update for unknown adapter",
			zap.String("adapter", adapterTag),
			zap.String("task_id", update.TaskID))
		return
	}
	d.async(adapterTag, "send_task_update", func(ctx context.Context) error {
		return adapter.SendTaskUpdate(ctx, update)
	})
}

// ApprovalRequest delivers an approval prompt to the tagged adapter and
// the bus.
func (d *Dispatcher) ApprovalRequest(adapterTag string, req v1.ApprovalRequest) {
	d.publish(bus.SubjectApprovalRequested, "approval.requested", map[string]interface{}{
		"approval_id":  req.ApprovalID,
		"task_id":      req.TaskID,
		"thread_id":    req.ThreadID,
		"action_class": string(req.ActionClass),
		"description":  req.Description,
	})

	adapter, ok := d.registry.Get(adapterTag)
	if !ok {
		d.log.Warn("approval request for unknown adapter",
			zap.String("adapter", adapterTag),
			zap.String("approval_id", req.ApprovalID))
		return
	}
	d.async(adapterTag, "request_approval", func(ctx context.Context) error {
		return adapter.RequestApproval(ctx, req)
	})
}

// ApprovalResolved mirrors an approval decision onto the bus so observers
// can close their prompts.
func (d *Dispatcher) ApprovalResolved(approvalID, taskID, resolvedBy string, approved bool) {
	d.publish(bus.SubjectApprovalResolved, "approval.resolved", map[string]interface{}{
		"approval_id": approvalID,
		"task_id":     taskID,
		"resolved_by": resolvedBy,
		"approved":    approved,
	})
}

// Drain waits for in-flight deliveries, bounded by the context.
func (d *Dispatcher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("adapter deliveries still in flight at shutdown")
	}
}

func (d *Dispatcher) publish(subject, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "engine", data)); err != nil {
		d.log.Warn("event bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (d *Dispatcher) async(adapterTag, op string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("adapter panicked",
					zap.String("adapter", adapterTag),
					zap.String("op", op),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Error("adapter delivery failed",
				zap.String("adapter", adapterTag),
				zap.String("op", op),
				zap.Error(err))
		}
	}()
}
