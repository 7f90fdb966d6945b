package httpapi

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/common/logger"
)

const (
	// writeWait bounds one frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays connected.
	pongWait = 60 * time.Second

	// pingPeriod must be under pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxInboundBytes caps client frames. Clients only ever need to send
	// control traffic, so this is tiny.
	maxInboundBytes = 1024
)

// wsClient is one WebSocket connection. The read pump exists to service
// pongs and detect closes; inbound frames are discarded.
type wsClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger
}

func newWSClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *wsClient {
	return &wsClient{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan []byte, 64),
		log:  log.WithFields(zap.String("client_id", id)),
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
