package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/swarm/queue"
	"github.com/middlemanhq/middleman/internal/swarm/session"
	"github.com/middlemanhq/middleman/internal/tracing"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// ResetReasonUserNewCommand marks a reset issued because the user started
// a fresh command. Any in-flight input is cancelled before the clear.
const ResetReasonUserNewCommand = "user_new_command"

// Input is one inbound message for an agent, whether typed by a user on
// some channel or sent by another agent.
type Input struct {
	// AgentID targets a specific agent. Empty resolves to the primary.
	AgentID string
	// FromAgentID is set when another agent authored this input.
	FromAgentID string
	Text        string
	Attachments []wire.Attachment
	Source      *wire.SourceContext
	Delivery    wire.DeliveryMode
}

// HandleInput routes one input to its agent: the message lands in the
// conversation history immediately, the queue decides the delivery mode,
// and the session receives it now or after the current turn. Returns the
// accepted delivery mode. Inputs with no text and no attachments are
// silently dropped.
func (m *Manager) HandleInput(ctx context.Context, in Input) (wire.DeliveryMode, error) {
	return request(ctx, m, func() (wire.DeliveryMode, error) {
		return m.handleInput(in)
	})
}

func (m *Manager) handleInput(in Input) (wire.DeliveryMode, error) {
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return "", nil
	}

	agentID := in.AgentID
	if agentID == "" {
		p := m.primary()
		if p == nil {
			return "", wire.NewProtocolError(wire.ErrorCodeUnknownAgent, "no agents available")
		}
		agentID = *p
	}
	entry, ok := m.agents[agentID]
	if !ok || entry.deleting {
		return "", wire.NewProtocolError(wire.ErrorCodeUnknownAgent, fmt.Sprintf("agent %s not found", agentID))
	}

	// Input to a terminated agent brings it back first.
	if entry.session == nil {
		entry.descriptor.Status = wire.StatusSpawning
		entry.descriptor.UpdatedAt = time.Now().UTC()
		m.broadcastStatus(entry)
		if err := m.spawnSession(entry); err != nil {
			entry.descriptor.Status = wire.StatusTerminated
			entry.descriptor.UpdatedAt = time.Now().UTC()
			m.broadcastStatus(entry)
			m.persistRegistry()
			return "", wire.NewProtocolError(wire.ErrorCodeSpawnFailed, err.Error())
		}
		m.logger.Info("respawned agent for input", zap.String("agent_id", agentID))
	}

	streaming := entry.session.Status() == wire.StatusStreaming
	item := queue.NewItem(agentID, in.Text, in.Attachments, in.Source, in.Delivery)

	m.dispatchEvent(wire.NewUserMessage(agentID, in.Text, in.Source, in.Attachments))

	disp := m.queues.Enqueue(item, streaming)

	source := wire.SourceUserToAgent
	if in.FromAgentID != "" {
		source = wire.SourceAgentToAgent
	}
	requested := in.Delivery
	if !requested.Valid() {
		requested = wire.DeliveryAuto
	}
	m.dispatchEvent(wire.NewAgentMessage(entry.descriptor.ManagerID, in.FromAgentID, agentID,
		source, in.Text, requested, disp.Accepted))

	if disp.Cancel {
		if err := entry.session.Cancel(); err != nil {
			m.logger.Warn("failed to request abort",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		m.armSteer(entry)
	}
	if disp.DeliverNow != nil {
		m.deliverItem(entry, disp.DeliverNow)
	}

	m.broadcastStatus(entry)
	m.persistRegistry()
	return disp.Accepted, nil
}

// ReportChannelError records a failed outbound post or attachment download
// against the agent's conversation log. Bridges call this so channel
// trouble is visible in the thread without blocking the event stream.
func (m *Manager) ReportChannelError(ctx context.Context, agentID, text string) error {
	_, err := request(ctx, m, func() (struct{}, error) {
		if _, ok := m.agents[agentID]; !ok {
			return struct{}{}, wire.NewProtocolError(wire.ErrorCodeUnknownAgent,
				fmt.Sprintf("agent %s not found", agentID))
		}
		m.dispatchEvent(wire.NewRuntimeLog(agentID, wire.KindChannelDelivery, "", "", text, true))
		return struct{}{}, nil
	})
	return err
}

// CancelAgent aborts the current turn if one is streaming. Cancelling an
// idle agent is a no-op.
func (m *Manager) CancelAgent(ctx context.Context, agentID string) error {
	_, err := request(ctx, m, func() (struct{}, error) {
		entry, ok := m.agents[agentID]
		if !ok || entry.deleting {
			return struct{}{}, wire.NewProtocolError(wire.ErrorCodeUnknownAgent, fmt.Sprintf("agent %s not found", agentID))
		}
		if entry.session == nil {
			return struct{}{}, nil
		}
		if err := entry.session.Cancel(); err != nil {
			m.logger.Warn("failed to request abort",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		return struct{}{}, nil
	})
	return err
}

// ResetConversation clears an agent's history buffer and transcript and
// notifies subscribers. With reason user_new_command any in-flight input
// is cancelled first so the next command starts from a clean turn.
func (m *Manager) ResetConversation(ctx context.Context, agentID, reason string) error {
	_, err := request(ctx, m, func() (struct{}, error) {
		entry, ok := m.agents[agentID]
		if !ok || entry.deleting {
			return struct{}{}, wire.NewProtocolError(wire.ErrorCodeUnknownAgent, fmt.Sprintf("agent %s not found", agentID))
		}

		if reason == ResetReasonUserNewCommand && entry.session != nil && m.queues.InFlight(agentID) != nil {
			if err := entry.session.Cancel(); err != nil {
				m.logger.Warn("failed to cancel in-flight input for reset",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
		dropped := m.queues.DropPending(agentID)
		m.history.Reset(agentID, reason)
		if err := m.state.ResetTranscript(agentID); err != nil {
			m.logger.Warn("failed to reset transcript",
				zap.String("agent_id", agentID), zap.Error(err))
		}

		m.logger.Info("conversation reset",
			zap.String("agent_id", agentID),
			zap.String("reason", reason),
			zap.Int("dropped_inputs", len(dropped)))
		m.publish(events.BuildConversationResetSubject(agentID), events.ConversationReset,
			wire.NewConversationReset(agentID, reason))
		m.broadcastStatus(entry)
		return struct{}{}, nil
	})
	return err
}

// deliverItem hands one queued input to the session. Actor-only. Callers
// broadcast status afterwards.
func (m *Manager) deliverItem(entry *agentEntry, item *queue.Item) {
	if err := entry.session.Deliver(item.Text, item.Attachments); err != nil {
		m.logger.Error("failed to deliver input",
			zap.String("agent_id", item.AgentID),
			zap.String("queue_id", item.ID),
			zap.Error(err))
		m.dispatchEvent(wire.NewSystemMessage(item.AgentID, "Failed to deliver input: "+err.Error()))
		return
	}
	channel := ""
	if item.Source != nil {
		channel = string(item.Source.Channel)
	}
	tracing.TraceInputDelivery(m.runCtx, string(item.Accepted), item.AgentID, channel)
	entry.descriptor.Status = wire.StatusStreaming
	entry.descriptor.UpdatedAt = time.Now().UTC()
}

// armSteer starts the cancellation deadline for a steer barrier. If the
// runtime has not wound down the aborted turn by then, the process is
// recycled and the steer input delivered to a fresh session.
func (m *Manager) armSteer(entry *agentEntry) {
	m.disarmSteer(entry)
	agentID := entry.descriptor.AgentID
	sess := entry.session
	entry.steerTimer = time.AfterFunc(m.cfg.Swarm.SteerCancelTimeout(), func() {
		m.post(func() { m.onSteerExpired(agentID, sess) })
	})
}

func (m *Manager) disarmSteer(entry *agentEntry) {
	if entry.steerTimer != nil {
		entry.steerTimer.Stop()
		entry.steerTimer = nil
	}
}

func (m *Manager) onSteerExpired(agentID string, sess *session.Session) {
	entry, ok := m.agents[agentID]
	if !ok || entry.deleting || entry.session != sess {
		return
	}
	if !m.queues.AwaitingCancel(agentID) {
		return
	}
	m.logger.Warn("steer cancellation deadline passed, recycling runtime",
		zap.String("agent_id", agentID),
		zap.Duration("timeout", m.cfg.Swarm.SteerCancelTimeout()))
	entry.respawn = true
	go sess.Kill()
}

// onTurnEnd runs when a session finishes a turn, cleanly or aborted. The
// next queued input, if any, goes out immediately.
func (m *Manager) onTurnEnd(agentID string, sess *session.Session, aborted bool) {
	entry, ok := m.agents[agentID]
	if !ok || entry.session != sess {
		return
	}
	m.disarmSteer(entry)
	entry.descriptor.Status = wire.StatusIdle
	entry.descriptor.UpdatedAt = time.Now().UTC()
	m.logger.Debug("turn ended",
		zap.String("agent_id", agentID), zap.Bool("aborted", aborted))

	if next := m.queues.CompleteTurn(agentID); next != nil {
		m.deliverItem(entry, next)
	}
	m.broadcastStatus(entry)
	m.persistRegistry()
}

func (m *Manager) onUsage(agentID string, sess *session.Session, usage wire.ContextUsage) {
	entry, ok := m.agents[agentID]
	if !ok || entry.session != sess {
		return
	}
	entry.descriptor.ContextUsage = &usage
	m.broadcastStatus(entry)
}

// onSessionExit runs after a runtime process has been reaped. The entry
// stays registered as terminated unless the steer deadline asked for a
// respawn, in which case a fresh session comes up and takes the queue
// head.
func (m *Manager) onSessionExit(agentID string, sess *session.Session, exitErr error) {
	entry, ok := m.agents[agentID]
	if !ok || entry.session != sess {
		return
	}
	if usage := sess.Usage(); usage != nil {
		entry.descriptor.ContextUsage = usage
	}
	entry.session = nil
	m.disarmSteer(entry)
	m.queues.Detach(agentID)
	entry.descriptor.Status = wire.StatusTerminated
	entry.descriptor.UpdatedAt = time.Now().UTC()
	m.logger.Debug("session exit handled",
		zap.String("agent_id", agentID), zap.Error(exitErr))

	// During a manager delete the cascade replies to waiters once every
	// entry is gone.
	if !entry.deleting {
		waiters := entry.stopWaiters
		entry.stopWaiters = nil
		for _, w := range waiters {
			w <- nil
		}
	}

	if entry.respawn && !entry.deleting {
		entry.respawn = false
		entry.descriptor.Status = wire.StatusSpawning
		m.broadcastStatus(entry)
		if err := m.spawnSession(entry); err != nil {
			m.logger.Error("failed to respawn runtime",
				zap.String("agent_id", agentID), zap.Error(err))
			m.dispatchEvent(wire.NewSystemMessage(agentID, "Failed to respawn runtime: "+err.Error()))
			entry.descriptor.Status = wire.StatusTerminated
			entry.descriptor.UpdatedAt = time.Now().UTC()
		} else if next := m.queues.Next(agentID); next != nil {
			m.deliverItem(entry, next)
		}
	}

	m.broadcastStatus(entry)
	m.persistRegistry()
}
