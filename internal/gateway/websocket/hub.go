package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/events/bus"
)

// Hub tracks connected WebSocket clients and fans bus events out to them.
// Conversation events go only to clients subscribed to that agent; status
// and snapshot events go to everyone. Per-client ordering is preserved
// because each bus handler enqueues synchronously in arrival order.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	subs []bus.Subscription
}

// NewHub creates a hub bound to the given event bus. Call Start to begin
// routing.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws-hub")),
		clients: make(map[*Client]bool),
	}
}

// Start subscribes to every subject the UI consumes.
func (h *Hub) Start() error {
	subjects := []string{
		events.BuildConversationWildcardSubject(),
		events.BuildConversationResetWildcardSubject(),
		events.BuildAgentStatusWildcardSubject(),
		events.AgentsSnapshot,
		events.BuildBridgeStatusWildcardSubject(),
	}
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.onBusEvent)
		if err != nil {
			h.Stop()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop drops the bus subscriptions and disconnects every client.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", zap.String("subscriber_id", c.ID), zap.Int("clients", count))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Info("client disconnected", zap.String("subscriber_id", c.ID), zap.Int("clients", count))
}

// ClientCount reports how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onBusEvent converts a bus event into a wire frame and routes it. Payloads
// are re-encoded through JSON because the NATS bus delivers generic maps
// while the in-process bus delivers the original structs; both produce the
// same frame.
func (h *Hub) onBusEvent(_ context.Context, event *bus.Event) error {
	frame, err := json.Marshal(event.Data)
	if err != nil {
		h.logger.Warn("failed to encode bus payload", zap.String("event_type", event.Type), zap.Error(err))
		return nil
	}

	switch event.Type {
	case events.ConversationEvent, events.ConversationReset:
		var probe struct {
			AgentID string `json:"agentId"`
		}
		if err := json.Unmarshal(frame, &probe); err != nil || probe.AgentID == "" {
			h.logger.Warn("conversation event without agent id", zap.String("event_type", event.Type))
			return nil
		}
		h.routeThread(probe.AgentID, frame)
	case events.AgentStatusChanged, events.AgentsSnapshot, events.BridgeStatus:
		h.broadcast(frame)
	default:
		h.logger.Debug("ignoring bus event", zap.String("event_type", event.Type))
	}
	return nil
}

// routeThread delivers a conversation frame to every client subscribed to
// the agent. The subscription check runs inside the client so it cannot
// race a concurrent switch.
func (h *Hub) routeThread(agentID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.EnqueueThread(agentID, frame)
	}
}

// broadcast delivers a frame to every connected client.
func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.EnqueueControl(frame)
	}
}
