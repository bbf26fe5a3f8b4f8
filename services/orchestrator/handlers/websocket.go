package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taleforge/taleforge/services/orchestrator/datatypes"
	"github.com/taleforge/taleforge/services/orchestrator/observability"
	"github.com/taleforge/taleforge/services/orchestrator/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// wsWriteTimeout bounds each outbound WebSocket write.
const wsWriteTimeout = 10 * time.Second

func sendJSON(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleStreamAttachWS attaches a WebSocket connection to the chat's live
// stream.
//
// # Description
//
// WebSocket alternative to the SSE attach endpoint for clients behind
// proxies that buffer event streams. Each fan-out record is sent as one
// JSON message; ping frames go out on the keepalive interval. The
// connection closes after the terminal record. Inbound messages are only
// read to detect client disconnects.
func (h *StreamHandlers) HandleStreamAttachWS(c *gin.Context) {
	chatID := c.Param("chatId")
	connID := uuid.New().String()

	ch, session, err := h.manager.AddConnection(chatID, connID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active stream for this chat session"})
		return
	}
	defer h.manager.RemoveConnection(chatID, connID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	slog.Info("handlers.stream: websocket attached",
		"chatSessionId", chatID, "streamId", session.StreamID(), "connectionId", connID)

	if err := sendJSON(ws, map[string]interface{}{
		"action":    "stream_attached",
		"streamId":  session.StreamID(),
		"sessionId": chatID,
	}); err != nil {
		return
	}

	// Reader goroutine: the client never sends payloads, but reading is how
	// close frames and dead connections are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			observability.ClientDisconnects.Inc()
			slog.Info("handlers.stream: websocket client disconnected",
				"chatSessionId", chatID, "connectionId", connID)
			return

		case <-c.Request.Context().Done():
			return

		case <-ticker.C:
			observability.KeepAlives.Inc()
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case ev, ok := <-ch:
			if !ok {
				snap := session.Snapshot()
				terminal := datatypes.StreamEvent{
					Type:      datatypes.StreamEventError,
					Error:     snap.StopReason,
					SessionId: chatID,
				}
				if snap.StopReason == stream.StopReasonCompleted {
					terminal = datatypes.StreamEvent{
						Type:      datatypes.StreamEventDone,
						SessionId: chatID,
					}
				}
				_ = sendJSON(ws, terminal)
				return
			}
			if err := sendJSON(ws, ev); err != nil {
				return
			}
			if ev.Type == datatypes.StreamEventDone || ev.Type == datatypes.StreamEventError {
				return
			}
		}
	}
}
