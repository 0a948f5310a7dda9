// Package ws streams job progress over a WebSocket per session.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/progress"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves GET /ws/:session_id, pushing progress.Event messages for
// that session until the job finishes or the client disconnects.
type Handler struct {
	hub *progress.Hub
}

// NewHandler builds a progress-streaming handler bound to hub.
func NewHandler(hub *progress.Hub) *Handler {
	return &Handler{hub: hub}
}

// Serve upgrades the connection and pumps events until the subscription
// channel closes (job done) or the peer goes away.
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("session_id")
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "progress streaming disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()

	// Throwaway read pump: detects client-initiated close without
	// blocking the write loop on reads.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn("ws_write_failed", "session_id", sessionID, "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}
