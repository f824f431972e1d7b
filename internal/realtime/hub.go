package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// RoomAll receives every donation.
	RoomAll = "all"
)

// TeamRoom returns the room for donations to members of teamID.
func TeamRoom(teamID uuid.UUID) string { return "team:" + teamID.String() }

// Hub maintains room -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: when Redis is configured every
// event goes through Redis and the subscriber callback does the local broadcast.
type Hub struct {
	// room -> map[clientID]*Client
	rooms    map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per room
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishRoomEvent(room, event string, payload []byte) error
}

// RedisSubscriber subscribes to room channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeRoom(room string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:    make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to its room. Starts the Redis subscription for the room if first client.
// The subscription blocks on Redis, so it runs without holding the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	first := h.rooms[c.Room] == nil
	if first {
		h.rooms[c.Room] = make(map[string]*Client)
	}
	h.rooms[c.Room][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined feed", zap.String("client_id", c.ID), zap.String("room", c.Room))

	if first && h.redisSub != nil {
		h.subscribe(c.Room)
	}
}

func (h *Hub) subscribe(room string) {
	cancel, err := h.redisSub.SubscribeRoom(room, func(event string, payload []byte) {
		h.Broadcast(room, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("room", room), zap.Error(err))
		return
	}
	h.mu.Lock()
	_, live := h.rooms[room]
	_, held := h.subs[room]
	if live && !held {
		h.subs[room] = cancel
		cancel = nil
	}
	h.mu.Unlock()
	// room emptied meanwhile, or a concurrent Register already subscribed
	if cancel != nil {
		cancel()
	}
}

// Unregister removes a client from its room. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.rooms[c.Room]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.rooms, c.Room)
			if cancel, ok := h.subs[c.Room]; ok {
				cancel()
				delete(h.subs, c.Room)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left feed", zap.String("client_id", c.ID), zap.String("room", c.Room))
}

// Broadcast sends a message to all clients in a room (local only).
func (h *Hub) Broadcast(room, event string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[room] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to a room on every instance. With Redis the
// subscriber callback performs the broadcast once (including this instance);
// without it the broadcast is local.
func (h *Hub) Publish(room, event string, payload any) {
	if h.redis == nil {
		h.Broadcast(room, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.redis.PublishRoomEvent(room, event, data); err != nil {
		h.logger.Warn("redis publish failed; broadcasting locally", zap.String("room", room), zap.Error(err))
		h.Broadcast(room, event, json.RawMessage(data))
	}
}

// ClientCount returns the number of connected clients in a room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
