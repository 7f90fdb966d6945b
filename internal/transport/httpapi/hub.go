package httpapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/common/logger"
)

// envelope is the one frame shape pushed to WebSocket clients.
type envelope struct {
	Event string      `json:"event"`
	TS    time.Time   `json:"ts"`
	Data  interface{} `json:"data"`
}

// Hub fans server-side events out to every connected WebSocket client.
// The surface is push-only: commands arrive over the REST endpoints.
type Hub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub builds a hub; call Run to make it live.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		log:        log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run is the hub's single owner goroutine. It exits when ctx is done,
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.remove(client)

		case frame := <-h.broadcast:
			h.fanOut(frame)
		}
	}
}

// Broadcast pushes one event to all connected clients. Drops the frame
// with a warning when the hub is saturated rather than stalling the
// caller.
func (h *Hub) Broadcast(event string, data interface{}) {
	frame, err := json.Marshal(envelope{Event: event, TS: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn("broadcast queue full, dropping frame", zap.String("event", event))
	}
}

// ClientCount reports connected clients. Used by the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanOut(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			// Buffer full; the write pump will clean the client up.
		}
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.log.Debug("client disconnected", zap.String("client_id", client.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
