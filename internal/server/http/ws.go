package http

import (
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"foreman/internal/broadcast"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// wsClient is one WebSocket connection. gorilla conns allow a single
// concurrent writer, so all writes go through writeJSON.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu  sync.Mutex
	sub *broadcast.Subscription
}

func (w *wsClient) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

// wsClientMessage is the envelope clients send.
type wsClientMessage struct {
	Type        string            `json:"type"`
	WorkOrderID string            `json:"workOrderId,omitempty"`
	Filters     *broadcast.Filter `json:"filters,omitempty"`
}

// handleWebSocket upgrades the connection and serves the subscribe /
// unsubscribe / ping protocol. Auth tokens arrive as a query parameter
// because browsers cannot set headers on WebSocket connects.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.config.AuthToken != "" && c.Query("token") != s.config.AuthToken {
		fail(c, nethttp.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade: %v", err)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	broadcaster := s.coordinator.Broadcaster()
	s.logger.Debug("WebSocket client %s connected", client.id)

	defer func() {
		broadcaster.Drop(client.id)
		conn.Close()
		s.logger.Debug("WebSocket client %s disconnected", client.id)
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket client %s read: %v", client.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch msg.Type {
		case "subscribe":
			if msg.WorkOrderID == "" {
				s.wsError(client, "subscribe requires workOrderId")
				continue
			}
			sub := broadcaster.Subscribe(client.id, msg.WorkOrderID, msg.Filters)
			client.mu.Lock()
			fresh := client.sub != sub
			client.sub = sub
			client.mu.Unlock()
			if fresh {
				go s.wsWritePump(client, sub)
			}
		case "unsubscribe":
			if msg.WorkOrderID == "" {
				s.wsError(client, "unsubscribe requires workOrderId")
				continue
			}
			broadcaster.Unsubscribe(client.id, msg.WorkOrderID)
		case "ping":
			if err := client.writeJSON(broadcast.NewEvent(broadcast.EventPong, "", nil)); err != nil {
				return
			}
		default:
			s.wsError(client, "unknown message type: "+msg.Type)
		}
	}
}

// wsWritePump forwards subscription events until the subscription closes.
func (s *Server) wsWritePump(client *wsClient, sub *broadcast.Subscription) {
	for event := range sub.Events() {
		if err := client.writeJSON(event); err != nil {
			s.logger.Debug("WebSocket client %s write: %v", client.id, err)
			client.conn.Close()
			return
		}
	}
}

func (s *Server) wsError(client *wsClient, message string) {
	event := broadcast.NewEvent(broadcast.EventError, "", map[string]any{"message": message})
	if err := client.writeJSON(event); err != nil {
		client.conn.Close()
	}
}
