package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/happyhq/hub/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamEvents relays a session's outbound event stream over a websocket.
// GET /api/v1/sessions/:sessionId/events
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan *bus.Event, 64)
	subject := "session." + sessionID + ".events"
	sub, err := h.bus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		select {
		case send <- event:
		default:
			// Slow consumer; drop rather than stall the bus.
		}
		return nil
	})
	if err != nil {
		h.logger.Error("event subscription failed",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	h.logger.Debug("event stream opened",
		zap.String("sessionId", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
