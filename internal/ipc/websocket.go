package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers run from local pages on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one server-to-client websocket message.
type wsFrame struct {
	Type  string            `json:"type"`
	Delta *projection.Delta `json:"delta,omitempty"`
	Error *APIError         `json:"error,omitempty"`
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(f wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// StreamTaskWS handles GET /api/v1/tasks/{taskID}/ws. Deltas are pushed
// as they are committed; clients may send action objects, whose results
// arrive as deltas and whose failures arrive as error frames.
func (h *Handler) StreamTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	sub, err := h.Registry.Subscribe(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Cancel()

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("websocket upgrade failed", "task_id", taskID, "error", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go h.readActions(ctx, cancel, conn, taskID)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case d, ok := <-sub.C:
			if !ok {
				conn.send(wsFrame{Type: "closed"})
				raw.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			typ := "delta"
			if d.Full != nil {
				typ = "snapshot"
			}
			if err := conn.send(wsFrame{Type: typ, Delta: &d}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readActions(ctx context.Context, cancel context.CancelFunc, conn *wsConn, taskID string) {
	defer cancel()
	raw := conn.conn
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger().Debug("websocket read failed", "task_id", taskID, "error", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var a domain.Action
		if err := json.Unmarshal(data, &a); err != nil || a.Type == "" {
			conn.send(wsFrame{Type: "error", Error: &APIError{Code: 400, Message: "invalid action"}})
			continue
		}
		if _, err := h.Registry.Apply(ctx, taskID, a); err != nil {
			_, code := statusFor(err)
			if err := conn.send(wsFrame{Type: "error", Error: &APIError{Code: code, Message: errorMessage(err)}}); err != nil {
				return
			}
		}
	}
}
