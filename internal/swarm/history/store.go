// Package history implements the per-agent conversation history store: an
// append-only bounded ring per agent with snapshot replay, served to
// subscribers when they attach or switch agents.
package history

import (
	"sync"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// DefaultCapacity is the minimum per-agent ring size.
const DefaultCapacity = 2000

// Snapshot is a point-in-time copy of one agent's history, split into the
// two projections served to subscribers.
type Snapshot struct {
	AgentID      string
	Conversation []wire.Event
	Activity     []wire.Event
}

// Store keeps per-agent conversation history in bounded rings. Entries are
// kept in strict insertion order; when a ring exceeds capacity the oldest
// entries are evicted silently.
type Store struct {
	logger   *logger.Logger
	capacity int

	mu    sync.RWMutex
	rings map[string][]wire.Event
}

// NewStore creates a store with the given per-agent capacity. Capacities
// below DefaultCapacity are raised to it.
func NewStore(capacity int, log *logger.Logger) *Store {
	if capacity < DefaultCapacity {
		capacity = DefaultCapacity
	}
	return &Store{
		logger:   log.WithFields(zap.String("component", "history-store")),
		capacity: capacity,
		rings:    make(map[string][]wire.Event),
	}
}

// Capacity returns the per-agent ring capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Append adds an event to its agent's ring, evicting the oldest entries
// when the ring is full. Timestamps are clamped so they never run backwards
// within one agent.
func (s *Store) Append(event wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.rings[event.AgentID]
	if n := len(ring); n > 0 && event.Timestamp.Before(ring[n-1].Timestamp) {
		event.Timestamp = ring[n-1].Timestamp
	}
	ring = append(ring, event)
	if len(ring) > s.capacity {
		ring = ring[len(ring)-s.capacity:]
	}
	s.rings[event.AgentID] = ring
}

// Replay returns a copy of the agent's history split into the conversation
// and activity projections. Unknown agents yield an empty snapshot.
func (s *Store) Replay(agentID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		AgentID:      agentID,
		Conversation: []wire.Event{},
		Activity:     []wire.Event{},
	}
	for _, ev := range s.rings[agentID] {
		switch {
		case ev.IsConversation():
			snap.Conversation = append(snap.Conversation, ev)
		case ev.IsActivity():
			snap.Activity = append(snap.Activity, ev)
		}
	}
	return snap
}

// Len returns the number of buffered events for the agent.
func (s *Store) Len(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rings[agentID])
}

// Reset clears the agent's history. Returns true when history existed.
// The caller is responsible for broadcasting the reset to subscribers.
func (s *Store) Reset(agentID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.rings[agentID]
	if ok {
		delete(s.rings, agentID)
		s.logger.Debug("history reset",
			zap.String("agent_id", agentID),
			zap.String("reason", reason))
	}
	return ok
}
