package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bravethewaves/backend/pkg/response"
)

const (
	writeWait    = 10 * time.Second
	maxReadBytes = 4096
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the feed is public and read-only
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one WebSocket subscriber to a feed room.
type Client struct {
	ID       string
	Room     string
	JoinedAt time.Time
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
}

// NewClient builds a client for room that is not yet registered.
func NewClient(hub *Hub, room string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Room:     room,
		JoinedAt: time.Now(),
		hub:      hub,
		conn:     conn,
		send:     make(chan WSMessage, sendBuffer),
	}
}

// ServeWs upgrades GET /ws/donations[?team=<id>] and streams feed events.
// Without a team the client joins the global room.
func ServeWs(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		room := RoomAll
		if raw := c.Query("team"); raw != "" {
			teamID, err := uuid.Parse(raw)
			if err != nil {
				response.BadRequest(c, "invalid team id")
				return
			}
			room = TeamRoom(teamID)
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := NewClient(hub, room, conn)
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump only services control frames; clients never publish to the feed.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
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
