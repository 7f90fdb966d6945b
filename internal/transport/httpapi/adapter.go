package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

// AdapterTag is the adapter registry tag of the HTTP surface. Tasks
// enqueued over REST carry this tag and their updates come back here.
const AdapterTag = "web"

// WebAdapter receives engine callbacks for web-originated tasks and
// broadcasts them to the WebSocket clients.
type WebAdapter struct {
	hub *Hub
}

// NewWebAdapter wires the adapter to a hub.
func NewWebAdapter(hub *Hub) *WebAdapter {
	return &WebAdapter{hub: hub}
}

// Name implements adapters.Adapter.
func (a *WebAdapter) Name() string { return AdapterTag }

// SendTaskUpdate implements adapters.Adapter.
func (a *WebAdapter) SendTaskUpdate(_ context.Context, update v1.TaskUpdate) error {
	a.hub.Broadcast("task.update", update)
	return nil
}

// RequestApproval implements adapters.Adapter.
func (a *WebAdapter) RequestApproval(_ context.Context, req v1.ApprovalRequest) error {
	a.hub.Broadcast("approval.requested", req)
	return nil
}

// BridgeBusEvents forwards bus-only events to the WebSocket clients.
// Approval resolutions have no per-adapter callback, so without this
// bridge an open approval prompt would never close in the browser.
func BridgeBusEvents(eventBus bus.EventBus, hub *Hub, log *logger.Logger) bus.Subscription {
	if eventBus == nil {
		return nil
	}
	sub, err := eventBus.Subscribe(bus.SubjectApprovalResolved, func(_ context.Context, ev *bus.Event) error {
		hub.Broadcast("approval.resolved", ev.Data)
		return nil
	})
	if err != nil {
		log.Error("failed to subscribe to approval resolutions", zap.Error(err))
		return nil
	}
	return sub
}
