// Package bus carries engine events to in-process and external consumers.
// The WebSocket hub subscribes in-process; a NATS connection mirrors the
// same subjects to anything outside the gateway.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the engine. Wildcard subscribers can use
// "remotewiz.>" for everything or "remotewiz.task.*" per area.
const (
	SubjectTaskUpdate        = "remotewiz.task.update"
	SubjectApprovalRequested = "remotewiz.approval.requested"
	SubjectApprovalResolved  = "remotewiz.approval.resolved"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an event stamped with a UUID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returned errors are logged by the bus,
// never propagated to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by the in-memory bus
// and the NATS-backed one.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
