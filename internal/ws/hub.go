package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inbox-service/internal/models"
	"inbox-service/internal/observability"
)

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// AuditPublisher receives websocket lifecycle envelopes.
type AuditPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Client is one feed socket. A client may be subscribed to many topics.
type Client struct {
	conn   Conn
	info   ConnInfo
	writes sync.Mutex
	topics map[models.Topic]struct{}
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo { return c.info }

// Send writes one frame. Writes on a single socket are serialized.
func (c *Client) Send(v interface{}) error {
	c.writes.Lock()
	defer c.writes.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub maintains topic subscriptions for all connected feed clients.
type Hub struct {
	topics  map[models.Topic]map[*Client]bool
	clients map[*Client]bool
	audit   AuditPublisher
	log     *zap.Logger
	mu      sync.RWMutex
}

// NewHub creates an empty hub. audit may be nil.
func NewHub(log *zap.Logger, audit AuditPublisher) *Hub {
	return &Hub{
		topics:  make(map[models.Topic]map[*Client]bool),
		clients: make(map[*Client]bool),
		audit:   audit,
		log:     log,
	}
}

// Register adds a connected socket.
func (h *Hub) Register(conn Conn, info ConnInfo) *Client {
	c := &Client{conn: conn, info: info, topics: make(map[models.Topic]struct{})}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	observability.IncWSActive()
	h.publishLifecycle(c, "ws_connect", "")
	return c
}

// Subscribe adds the client to a topic room.
func (h *Hub) Subscribe(c *Client, topic models.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][c] = true
	c.topics[topic] = struct{}{}
}

// Unsubscribe removes the client from a topic room.
func (h *Hub) Unsubscribe(c *Client, topic models.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) unsubscribeLocked(c *Client, topic models.Topic) {
	if conns, ok := h.topics[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// Remove drops the client from every room. reason is empty for a clean close.
func (h *Hub) Remove(c *Client, reason string) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	for topic := range c.topics {
		h.unsubscribeLocked(c, topic)
	}
	delete(h.clients, c)
	h.mu.Unlock()

	observability.DecWSActive()
	h.publishLifecycle(c, "ws_disconnect", reason)
}

// CloseAll closes every socket. Read loops notice the closed connection and remove their clients.
func (h *Hub) CloseAll(reason string) int {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.conn.Close()
		h.Remove(c, reason)
	}
	if len(conns) > 0 {
		h.log.Info("closed feed sockets", zap.Int("count", len(conns)), zap.String("reason", reason))
	}
	return len(conns)
}

// Subscribers returns how many sockets listen on topic.
func (h *Hub) Subscribers(topic models.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// PublishEvent fans a change event out to every socket subscribed to its topic.
// Delivery is best effort: a socket that fails a write is closed and dropped,
// and its client is expected to re-fetch after reconnecting.
func (h *Hub) PublishEvent(_ context.Context, event models.ChangeEvent) error {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.topics[event.Topic]))
	for c := range h.topics[event.Topic] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	observability.IncFeedEvent(string(event.Type))
	for _, c := range conns {
		if err := c.Send(event); err != nil {
			h.log.Warn("websocket write error",
				zap.String("conn_id", c.info.ConnID),
				zap.String("topic", string(event.Topic)),
				zap.Error(err))
			_ = c.conn.Close()
			h.Remove(c, err.Error())
			observability.IncWSEvent("ws_error")
		}
	}
	return nil
}

func (h *Hub) publishLifecycle(c *Client, event, reason string) {
	observability.IncWSEvent(event)
	if h.audit == nil {
		return
	}
	envelope := observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		TraceID:   c.info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "feed",
				"event":       event,
				"conn_id":     c.info.ConnID,
				"duration_ms": time.Since(c.info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   c.info.UserID,
				"device_id": c.info.DeviceID,
				"ip":        c.info.IP,
			},
		},
	}
	if err := h.audit.Publish(context.Background(), "ws_events.feed", envelope); err != nil {
		h.log.Debug("ws lifecycle publish failed", zap.Error(err))
	}
}
