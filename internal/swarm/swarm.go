// Package swarm implements the supervisor that owns the agent registry and
// every agent lifecycle transition. All state changes run on a single actor
// goroutine fed by an inbox of closures: registry mutations, history
// appends, event publication and subscriber replay all serialize through
// it, which is what keeps each subscriber's stream a prefix of the stored
// history without per-event sequence numbers.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/middlemanhq/middleman/internal/common/config"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/events/bus"
	"github.com/middlemanhq/middleman/internal/state"
	"github.com/middlemanhq/middleman/internal/swarm/history"
	"github.com/middlemanhq/middleman/internal/swarm/queue"
	"github.com/middlemanhq/middleman/internal/swarm/session"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// ErrShuttingDown is returned for operations posted after shutdown began.
var ErrShuttingDown = errors.New("swarm manager is shutting down")

const inboxSize = 1024

// agentEntry is the actor-owned record for one agent.
type agentEntry struct {
	descriptor  wire.AgentDescriptor
	session     *session.Session
	steerTimer  *time.Timer
	respawn     bool
	deleting    bool
	stopWaiters []chan error
}

// Manager supervises all agents: registry, sessions, queues and history.
type Manager struct {
	cfg     *config.Config
	logger  *logger.Logger
	bus     bus.EventBus
	state   *state.Store
	history *history.Store
	queues  *queue.Service

	inbox   chan func()
	closing chan struct{}
	stopped chan struct{}

	// Owned by the actor goroutine. Touch only from inbox closures.
	agents map[string]*agentEntry
	runCtx context.Context
}

// New builds the supervisor. Run must be called before any operation.
func New(cfg *config.Config, eventBus bus.EventBus, store *state.Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "swarm-manager")),
		bus:     eventBus,
		state:   store,
		history: history.NewStore(cfg.Swarm.HistoryCapacity, log),
		queues:  queue.NewService(log),
		inbox:   make(chan func(), inboxSize),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		agents:  make(map[string]*agentEntry),
	}
}

// History exposes the history store for read-side consumers.
func (m *Manager) History() *history.Store {
	return m.history
}

// Run executes the actor loop until ctx is cancelled. It restores the
// persisted registry first, then serves the inbox. On cancellation it
// persists the registry and gracefully stops every live session.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	m.boot()
	m.logger.Info("swarm manager running", zap.Int("agents", len(m.agents)))

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case fn := <-m.inbox:
			fn()
		}
	}
}

// post schedules fn on the actor. Returns false once shutdown has begun.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.closing:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.closing:
		return false
	}
}

type result[T any] struct {
	value T
	err   error
}

// request runs fn on the actor and waits for its result.
func request[T any](ctx context.Context, m *Manager, fn func() (T, error)) (T, error) {
	replyCh := make(chan result[T], 1)
	if !m.post(func() {
		v, err := fn()
		replyCh <- result[T]{value: v, err: err}
	}) {
		var zero T
		return zero, ErrShuttingDown
	}
	select {
	case r := <-replyCh:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// shutdown persists the registry with pre-stop statuses so restart-on-boot
// can tell streaming agents from idle ones, then stops every session.
func (m *Manager) shutdown() {
	m.logger.Info("swarm manager shutting down")
	m.persistRegistry()
	close(m.closing)

	g := new(errgroup.Group)
	for id, entry := range m.agents {
		if entry.session == nil {
			continue
		}
		sess := entry.session
		agentID := id
		g.Go(func() error {
			if err := sess.Stop(context.Background()); err != nil {
				m.logger.Warn("failed to stop session on shutdown",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	close(m.stopped)
	m.logger.Info("swarm manager stopped")
}

// Stopped is closed once the actor loop has exited and all sessions are
// down.
func (m *Manager) Stopped() <-chan struct{} {
	return m.stopped
}

// dispatchEvent is the single event path: append to history, persist to
// the transcript, publish on the bus, and mirror worker tool calls into
// the owning manager's activity feed. Actor-only.
func (m *Manager) dispatchEvent(ev wire.Event) {
	// Assistant replies inherit the provenance of the input that started
	// the turn, so channel bridges can route them back to their origin.
	if ev.Source == wire.SourceSpeakToUser && ev.SourceContext == nil {
		if item := m.queues.InFlight(ev.AgentID); item != nil {
			ev.SourceContext = item.Source
		}
	}
	m.appendAndPublish(ev)

	if ev.Type != wire.TypeConversationLog || ev.ToolCallID == "" {
		return
	}
	entry, ok := m.agents[ev.AgentID]
	if !ok || entry.descriptor.Role != wire.RoleWorker {
		return
	}
	mirror := wire.NewAgentToolCall(entry.descriptor.ManagerID, ev.AgentID,
		ev.Kind, ev.ToolName, ev.ToolCallID, ev.Text, ev.IsError)
	mirror.Timestamp = ev.Timestamp
	m.appendAndPublish(mirror)
}

func (m *Manager) appendAndPublish(ev wire.Event) {
	m.history.Append(ev)
	if err := m.state.AppendTranscript(ev); err != nil {
		m.logger.Warn("failed to persist transcript event",
			zap.String("agent_id", ev.AgentID), zap.Error(err))
	}
	m.publish(events.BuildConversationSubject(ev.AgentID), events.ConversationEvent, ev)
}

func (m *Manager) publish(subject, eventType string, data interface{}) {
	if err := m.bus.Publish(m.runCtx, subject, bus.NewEvent(eventType, "swarm-manager", data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func (m *Manager) persistRegistry() {
	agents := make([]wire.AgentDescriptor, 0, len(m.agents))
	for _, entry := range m.agents {
		agents = append(agents, m.describe(entry))
	}
	if err := m.state.SaveAgents(agents); err != nil {
		m.logger.Error("failed to persist agent registry", zap.Error(err))
	}
}

// describe builds the wire descriptor for an entry, folding in the live
// queue depth and context usage. Actor-only.
func (m *Manager) describe(entry *agentEntry) wire.AgentDescriptor {
	desc := entry.descriptor
	desc.PendingCount = m.queues.PendingCount(desc.AgentID)
	if entry.session != nil {
		if usage := entry.session.Usage(); usage != nil {
			desc.ContextUsage = usage
		}
	}
	return desc
}

func (m *Manager) broadcastStatus(entry *agentEntry) {
	desc := m.describe(entry)
	status := wire.NewAgentStatus(desc.AgentID, desc.Status, desc.PendingCount, desc.ContextUsage)
	m.publish(events.BuildAgentStatusSubject(desc.AgentID), events.AgentStatusChanged, status)
}

func (m *Manager) broadcastSnapshot() {
	m.publish(events.AgentsSnapshot, events.AgentsSnapshot, wire.NewAgentsSnapshot(m.snapshot()))
}

// SubscribeReplay atomically snapshots an agent's history on the actor and
// hands it to attach. Because every published event also runs on the
// actor, anything the snapshot contains will not be re-delivered and
// anything after it will: the subscriber stream starts exactly at the
// snapshot boundary.
func (m *Manager) SubscribeReplay(ctx context.Context, agentID string, attach func(snap history.Snapshot)) error {
	_, err := request(ctx, m, func() (struct{}, error) {
		entry, ok := m.agents[agentID]
		if !ok || entry.deleting {
			return struct{}{}, wire.NewProtocolError(wire.ErrorCodeUnknownAgent,
				fmt.Sprintf("agent %s not found", agentID))
		}
		attach(m.history.Replay(agentID))
		return struct{}{}, nil
	})
	return err
}
