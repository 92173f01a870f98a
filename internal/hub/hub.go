package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/observability"
)

// Event is the envelope used in both directions on a realtime session.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Personalized payloads are rendered separately for every receiving session.
type Personalized interface {
	For(viewer auth.Identity) any
}

// Hub tracks live sessions and their topic subscriptions. Delivery never
// blocks on a session: frames go to a bounded per-session queue.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
}

func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		clients:   make(map[*Client]struct{}),
		byUser:    make(map[string]map[*Client]struct{}),
		topics:    make(map[string]map[*Client]struct{}),
	}
}

// Register opens a session for an authenticated identity.
func (h *Hub) Register(id auth.Identity) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: id,
		hub:      h,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		topics:   make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	set, ok := h.byUser[id.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[id.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	observability.HubConnections.Inc()
	h.logger.Debug("session opened", "conn_id", c.ID, "user_id", id.UserID, "role", id.Role)
	return c
}

// Unregister drops every subscription of c and closes it. Driver presence is
// left alone; only going off duty or the staleness sweep removes a driver.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if set := h.byUser[c.Identity.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.Identity.UserID)
		}
	}
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
	h.mu.Unlock()
	c.Close()
	observability.HubConnections.Dec()
	h.logger.Debug("session closed", "conn_id", c.ID, "user_id", c.Identity.UserID)
}

func (h *Hub) Subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Client]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	h.removeLocked(c, topic)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if set := h.topics[topic]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
}

// SubscribeUser subscribes every live session of userID to topic.
func (h *Hub) SubscribeUser(userID, topic string) {
	for _, c := range h.sessionsOf(userID) {
		h.Subscribe(c, topic)
	}
}

// Publish delivers to every session subscribed to topic and reports how many
// sessions accepted the frame.
func (h *Hub) Publish(topic, event string, payload any) int {
	return h.deliver(h.subscribersOf(topic), event, payload, "")
}

// PublishLatest is Publish for last-known-value streams: a frame still queued
// for a session under the same key is replaced instead of queued behind.
func (h *Hub) PublishLatest(topic, key, event string, payload any) int {
	return h.deliver(h.subscribersOf(topic), event, payload, key)
}

func (h *Hub) SendToUser(userID, event string, payload any) int {
	return h.deliver(h.sessionsOf(userID), event, payload, "")
}

func (h *Hub) SendError(userID string, err error) {
	h.SendToUser(userID, "error", ErrorPayloadFor(err))
}

// Send delivers to a single session.
func (h *Hub) Send(c *Client, event string, payload any) bool {
	return h.deliver([]*Client{c}, event, payload, "") == 1
}

func (h *Hub) SendErrorTo(c *Client, err error) {
	h.Send(c, "error", ErrorPayloadFor(err))
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// CloseAll ends every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Unregister(c)
	}
}

func (h *Hub) subscribersOf(topic string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.topics[topic]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) sessionsOf(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byUser[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(targets []*Client, event string, payload any, key string) int {
	if len(targets) == 0 {
		return 0
	}
	personal, isPersonal := payload.(Personalized)
	var shared []byte
	if !isPersonal {
		b, err := json.Marshal(Event{Name: event, Data: payload})
		if err != nil {
			h.logger.Error("encode event", "event", event, "error", err)
			return 0
		}
		shared = b
	}
	n := 0
	for _, c := range targets {
		frame := shared
		if isPersonal {
			b, err := json.Marshal(Event{Name: event, Data: personal.For(c.Identity)})
			if err != nil {
				h.logger.Error("encode event", "event", event, "conn_id", c.ID, "error", err)
				continue
			}
			frame = b
		}
		if c.push(key, frame) {
			n++
		}
	}
	return n
}
