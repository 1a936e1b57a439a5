// Package realtime pushes live updates to operator dashboards over
// WebSocket. Dashboards subscribe per instance; lifecycle changes and fresh
// attention flags are broadcast to every watcher of that instance. Redis
// pub/sub fans events out across server processes.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Event names pushed to dashboard clients.
const (
	EventAttentionFlag  = "attention_flag"
	EventInstanceStatus = "instance_status"
	EventSquadUpdate    = "squad_update"
	EventWatcherCount   = "watcher_count"
)

// Hub maintains instance_id -> set of connections and broadcasts messages.
// Local broadcast plus Redis publish for horizontal scaling.
type Hub struct {
	// instanceID -> map[clientID]*Client
	instances map[uuid.UUID]map[string]*Client
	subs      map[uuid.UUID]func() // cancel Redis subscription per instance
	mu        sync.RWMutex
	logger    *zap.Logger
	redis     RedisPublisher
	redisSub  RedisSubscriber
}

// RedisPublisher publishes instance events for cross-process broadcast.
type RedisPublisher interface {
	PublishInstanceEvent(instanceID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to instance channels and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeInstance(instanceID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		instances: make(map[uuid.UUID]map[string]*Client),
		subs:      make(map[uuid.UUID]func()),
		logger:    logger,
		redis:     redisPub,
		redisSub:  redisSub,
	}
}

// Register adds a client to an instance room. Starts the Redis subscription
// for this instance if it is the first watcher.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.instances[c.InstanceID] == nil {
		h.instances[c.InstanceID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeInstance(c.InstanceID, func(event string, payload []byte) {
				h.BroadcastToInstance(c.InstanceID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.InstanceID] = cancel
			}
		}
	}
	h.instances[c.InstanceID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("watcher joined instance", zap.String("client_id", c.ID), zap.String("instance_id", c.InstanceID.String()))
}

// Unregister removes a client from an instance room. Cancels the Redis
// subscription when the last watcher leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.instances[c.InstanceID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.instances, c.InstanceID)
			if cancel, ok := h.subs[c.InstanceID]; ok {
				cancel()
				delete(h.subs, c.InstanceID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("watcher left instance", zap.String("client_id", c.ID), zap.String("instance_id", c.InstanceID.String()))
}

// BroadcastToInstance sends a message to all watchers of an instance (local only).
func (h *Hub) BroadcastToInstance(instanceID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.instances[instanceID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastAndPublish sends to local watchers and publishes to Redis for
// other server processes.
func (h *Hub) BroadcastAndPublish(instanceID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToInstance(instanceID, event, payload)
	if h.redis != nil {
		_ = h.redis.PublishInstanceEvent(instanceID, event, data)
	}
}

// WatcherCount returns the number of connected dashboards for an instance.
func (h *Hub) WatcherCount(instanceID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.instances[instanceID])
}
