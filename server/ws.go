package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyfleet-io/skyfleet/fanout"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is what subscribers send to adjust their watch sets.
type controlMessage struct {
	Type     string `json:"type"` // monitor_job | monitor_group | unmonitor_job | ping
	JobID    string `json:"jobId,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// wsClient is one live WebSocket subscriber.
type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	sub       *fanout.Subscription
	closeOnce sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		sub:    s.hub.Subscribe(tenant),
	}
	s.logger.Debugw("websocket client connected",
		"subscriber_id", client.sub.ID, "tenant_id", tenant)

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// readPump handles control messages from the subscriber.
func (c *wsClient) readPump() {
	defer func() {
		c.server.wg.Done()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("websocket read error",
					"subscriber_id", c.sub.ID, "error", err)
			}
			break
		}

		var msg controlMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("malformed control message",
				"subscriber_id", c.sub.ID, "error", err)
			continue
		}
		c.routeMessage(&msg)
	}
}

func (c *wsClient) routeMessage(msg *controlMessage) {
	var err error
	switch msg.Type {
	case "monitor_job":
		// Ownership check before the watch lands: a foreign tenant's
		// job is indistinguishable from a missing one.
		if _, err = c.server.intake.GetJob(c.server.ctx, c.sub.TenantID, msg.JobID); err == nil {
			err = c.server.hub.MonitorJob(c.sub.ID, msg.JobID)
		}
	case "monitor_group":
		err = c.server.hub.MonitorGroup(c.sub.ID, msg.ParentID)
	case "unmonitor_job":
		err = c.server.hub.UnmonitorJob(c.sub.ID, msg.JobID)
	case "ping":
		// Deadline refresh handled by the pong handler
	default:
		c.server.logger.Debugw("unknown control message type",
			"type", msg.Type, "subscriber_id", c.sub.ID)
	}
	if err != nil {
		c.server.logger.Warnw("control message failed",
			"type", msg.Type, "subscriber_id", c.sub.ID, "error", err)
	}
}

// writePump streams fan-out events to the subscriber.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.server.wg.Done()
		c.close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return

		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Debugw("event write error",
					"subscriber_id", c.sub.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the client down exactly once: leave the hub, then close
// the subscription channel and the connection.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.server.hub.Unsubscribe(c.sub.ID)
		close(c.sub.C)
		c.conn.Close()
		c.server.logger.Debugw("websocket client disconnected", "subscriber_id", c.sub.ID)
	})
}
