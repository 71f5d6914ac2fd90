// Package queue implements per-agent input queues. Each agent has one
// ordered queue plus at most one in-flight delivery; the service resolves
// the delivery mode of every enqueued input against the session's current
// state and tells the caller what to do: deliver now, cancel the in-flight
// turn, or just wait.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// Item is one queued input on its way to an agent's runtime.
type Item struct {
	ID          string
	AgentID     string
	Text        string
	Attachments []wire.Attachment
	Source      *wire.SourceContext
	Requested   wire.DeliveryMode
	Accepted    wire.DeliveryMode
	EnqueuedAt  time.Time
}

// NewItem builds a queue item with a fresh ID.
func NewItem(agentID, text string, attachments []wire.Attachment, src *wire.SourceContext, requested wire.DeliveryMode) *Item {
	return &Item{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Text:        text,
		Attachments: attachments,
		Source:      src,
		Requested:   requested,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Disposition is the scheduling decision for an enqueued item.
type Disposition struct {
	// Accepted is the delivery mode actually applied, after resolving
	// auto against the session state.
	Accepted wire.DeliveryMode
	// DeliverNow, when non-nil, must be handed to the session immediately.
	DeliverNow *Item
	// Cancel means the in-flight turn must be aborted; the item waits at
	// the head of the queue until the cancellation completes.
	Cancel bool
}

type agentQueue struct {
	pending        []*Item
	inFlight       *Item
	awaitingCancel bool
}

// Service manages the input queues of all agents. Queued inputs are
// in-memory only; they do not survive a daemon restart.
type Service struct {
	logger *logger.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue
}

// NewService creates an empty queue service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger: log.WithFields(zap.String("component", "input-queue")),
		queues: make(map[string]*agentQueue),
	}
}

func (s *Service) queueLocked(agentID string) *agentQueue {
	q, ok := s.queues[agentID]
	if !ok {
		q = &agentQueue{}
		s.queues[agentID] = q
	}
	return q
}

// Enqueue schedules an input for its agent. The streaming flag is the
// session's state at enqueue time and decides how auto and steer resolve:
// auto on a streaming session becomes steer when the input comes from the
// same channel thread as the in-flight delivery, followUp otherwise; steer
// on an idle session degrades to auto.
func (s *Service) Enqueue(item *Item, streaming bool) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queueLocked(item.AgentID)

	mode := item.Requested
	if !mode.Valid() {
		mode = wire.DeliveryAuto
	}
	switch mode {
	case wire.DeliveryAuto:
		if streaming {
			if q.inFlight != nil && item.Source.SameThread(q.inFlight.Source) {
				mode = wire.DeliverySteer
			} else {
				mode = wire.DeliveryFollowUp
			}
		}
	case wire.DeliverySteer:
		if !streaming {
			mode = wire.DeliveryAuto
		}
	}
	item.Accepted = mode

	disp := Disposition{Accepted: mode}
	switch mode {
	case wire.DeliverySteer:
		// Steer jumps the line but never skips the cancellation barrier:
		// the item sits at the head until the abort completes.
		q.pending = append([]*Item{item}, q.pending...)
		disp.Cancel = !q.awaitingCancel
		q.awaitingCancel = true
	default:
		q.pending = append(q.pending, item)
		if q.inFlight == nil && len(q.pending) == 1 {
			disp.DeliverNow = s.popLocked(q)
		}
	}

	s.logger.Info("input queued",
		zap.String("agent_id", item.AgentID),
		zap.String("queue_id", item.ID),
		zap.String("requested", string(item.Requested)),
		zap.String("accepted", string(mode)),
		zap.Bool("deliver_now", disp.DeliverNow != nil),
		zap.Bool("cancel", disp.Cancel))
	return disp
}

func (s *Service) popLocked(q *agentQueue) *Item {
	if len(q.pending) == 0 {
		return nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = item
	return item
}

// CompleteTurn clears the in-flight delivery after the delivery barrier
// (message_end or an aborted tool end) and returns the next item to
// deliver, if any.
func (s *Service) CompleteTurn(agentID string) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok {
		return nil
	}
	q.inFlight = nil
	q.awaitingCancel = false
	next := s.popLocked(q)
	if next != nil {
		s.logger.Info("input dequeued",
			zap.String("agent_id", agentID),
			zap.String("queue_id", next.ID))
	}
	return next
}

// Next pops the head item for delivery on an idle session, for example
// after a respawn. Returns nil while a delivery is in flight.
func (s *Service) Next(agentID string) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok || q.inFlight != nil {
		return nil
	}
	return s.popLocked(q)
}

// Detach clears the delivery state when the agent's session exits. Pending
// items stay queued for a possible respawn; the in-flight item died with
// the process and is not redelivered.
func (s *Service) Detach(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[agentID]; ok {
		q.inFlight = nil
		q.awaitingCancel = false
	}
}

// AwaitingCancel reports whether a steer is parked behind an abort that
// has not completed yet.
func (s *Service) AwaitingCancel(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	return ok && q.awaitingCancel
}

// PendingCount returns the number of queued items not yet delivered. The
// in-flight item is not counted.
func (s *Service) PendingCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// InFlight returns the item currently being processed by the session.
func (s *Service) InFlight(agentID string) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok {
		return nil
	}
	return q.inFlight
}

// DropPending discards all queued items of an agent, keeping the in-flight
// delivery untouched. Used on conversation resets.
func (s *Service) DropPending(agentID string) []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok || len(q.pending) == 0 {
		return nil
	}
	dropped := q.pending
	q.pending = nil
	q.awaitingCancel = false
	s.logger.Info("pending inputs dropped",
		zap.String("agent_id", agentID),
		zap.Int("count", len(dropped)))
	return dropped
}

// Remove wipes the agent's queue entirely and returns the items that were
// never delivered. Used when the agent is deleted.
func (s *Service) Remove(agentID string) []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[agentID]
	if !ok {
		return nil
	}
	delete(s.queues, agentID)
	if len(q.pending) > 0 {
		s.logger.Info("queue removed with undelivered inputs",
			zap.String("agent_id", agentID),
			zap.Int("count", len(q.pending)))
	}
	return q.pending
}
