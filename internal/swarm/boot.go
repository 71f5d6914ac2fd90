package swarm

import (
	"time"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/pkg/wire"
)

// boot restores the persisted registry. Agents that were streaming at the
// previous shutdown come back as stopped_on_restart and are not resumed;
// idle ones are re-spawned so their history stays readable. Terminated
// entries are kept as records only.
func (m *Manager) boot() {
	agents, err := m.state.LoadAgents()
	if err != nil {
		m.logger.Error("failed to load agent registry, starting empty", zap.Error(err))
		agents = nil
	}

	for _, desc := range agents {
		if desc.AgentID == "" {
			continue
		}
		entry := &agentEntry{descriptor: desc}
		m.agents[desc.AgentID] = entry
		m.preloadHistory(desc.AgentID)

		switch desc.Status {
		case wire.StatusStreaming:
			entry.descriptor.Status = wire.StatusStoppedOnRestart
			entry.descriptor.UpdatedAt = time.Now().UTC()
			m.logger.Info("agent was streaming at shutdown, not resuming",
				zap.String("agent_id", desc.AgentID))
		case wire.StatusSpawning, wire.StatusIdle:
			if err := m.spawnSession(entry); err != nil {
				m.logger.Warn("failed to respawn agent at boot",
					zap.String("agent_id", desc.AgentID), zap.Error(err))
				entry.descriptor.Status = wire.StatusTerminated
				entry.descriptor.UpdatedAt = time.Now().UTC()
				m.dispatchEvent(wire.NewSystemMessage(desc.AgentID,
					"Agent could not be restarted: "+err.Error()))
			}
		}
	}

	if ids, err := m.state.ListTranscriptIDs(); err == nil {
		for _, id := range ids {
			if _, ok := m.agents[id]; !ok {
				m.logger.Debug("orphan transcript retained", zap.String("agent_id", id))
			}
		}
	}

	if len(m.agents) > 0 {
		m.logger.Info("registry restored", zap.Int("agents", len(m.agents)))
	}
	m.persistRegistry()
	m.broadcastSnapshot()
}

// preloadHistory re-reads the transcript tail into the in-memory ring so
// subscribers can replay across daemon restarts.
func (m *Manager) preloadHistory(agentID string) {
	tail, err := m.state.LoadTranscript(agentID, m.history.Capacity())
	if err != nil {
		m.logger.Warn("failed to preload transcript",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	for _, ev := range tail {
		m.history.Append(ev)
	}
	if len(tail) > 0 {
		m.logger.Debug("transcript preloaded",
			zap.String("agent_id", agentID), zap.Int("events", len(tail)))
	}
}
