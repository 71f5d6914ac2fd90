package swarm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/swarm/session"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// CreateManager registers a new manager agent and spawns its runtime.
func (m *Manager) CreateManager(ctx context.Context, name, cwd string, model wire.ModelSpec) (wire.AgentDescriptor, error) {
	return request(ctx, m, func() (wire.AgentDescriptor, error) {
		name = strings.TrimSpace(name)
		if name == "" {
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeCreateManagerFailed, "manager name is empty")
		}
		for _, entry := range m.agents {
			d := &entry.descriptor
			if d.IsManager() && d.Status != wire.StatusTerminated && d.DisplayName == name {
				return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeCreateManagerFailed,
					fmt.Sprintf("manager name %q is already in use", name))
			}
		}
		if reason := invalidWorkdir(cwd); reason != "" {
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeCreateManagerFailed, reason)
		}

		id := uuid.New().String()
		now := time.Now().UTC()
		entry := &agentEntry{descriptor: wire.AgentDescriptor{
			AgentID:     id,
			ManagerID:   id,
			Role:        wire.RoleManager,
			DisplayName: name,
			Cwd:         cwd,
			Model:       model,
			CreatedAt:   now,
			UpdatedAt:   now,
			SessionFile: filepath.Join("sessions", id+".jsonl"),
			Status:      wire.StatusSpawning,
		}}
		m.agents[id] = entry

		if err := m.spawnSession(entry); err != nil {
			delete(m.agents, id)
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeSpawnFailed, err.Error())
		}

		m.logger.Info("manager created",
			zap.String("agent_id", id),
			zap.String("name", name),
			zap.String("cwd", cwd))
		m.persistRegistry()
		m.publish(events.ManagerCreated, events.ManagerCreated, m.describe(entry))
		m.broadcastSnapshot()
		return m.describe(entry), nil
	})
}

// SpawnWorker registers a worker under an existing manager and spawns its
// runtime. Workers inherit the manager's working directory and model when
// none are given.
func (m *Manager) SpawnWorker(ctx context.Context, managerID, name, cwd string, model wire.ModelSpec) (wire.AgentDescriptor, error) {
	return request(ctx, m, func() (wire.AgentDescriptor, error) {
		owner, ok := m.agents[managerID]
		if !ok || owner.deleting {
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeUnknownAgent,
				fmt.Sprintf("manager %s not found", managerID))
		}
		if !owner.descriptor.IsManager() {
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeInvalidAgent,
				fmt.Sprintf("agent %s is not a manager", managerID))
		}
		if cwd == "" {
			cwd = owner.descriptor.Cwd
		}
		if reason := invalidWorkdir(cwd); reason != "" {
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeSpawnFailed, reason)
		}
		if model.ModelID == "" {
			model = owner.descriptor.Model
		}

		id := uuid.New().String()
		now := time.Now().UTC()
		if name = strings.TrimSpace(name); name == "" {
			name = fmt.Sprintf("worker-%s", id[:8])
		}
		entry := &agentEntry{descriptor: wire.AgentDescriptor{
			AgentID:     id,
			ManagerID:   managerID,
			Role:        wire.RoleWorker,
			DisplayName: name,
			Cwd:         cwd,
			Model:       model,
			CreatedAt:   now,
			UpdatedAt:   now,
			SessionFile: filepath.Join("sessions", id+".jsonl"),
			Status:      wire.StatusSpawning,
		}}
		m.agents[id] = entry

		if err := m.spawnSession(entry); err != nil {
			delete(m.agents, id)
			return wire.AgentDescriptor{}, wire.NewProtocolError(wire.ErrorCodeSpawnFailed, err.Error())
		}

		m.logger.Info("worker spawned",
			zap.String("agent_id", id),
			zap.String("manager_id", managerID),
			zap.String("name", name))
		m.persistRegistry()
		m.broadcastSnapshot()
		return m.describe(entry), nil
	})
}

// DeleteManager cascades: it stops the manager and every worker under it,
// drops their queues, histories and transcripts, and removes them from the
// registry. Deleting an unknown manager is a no-op so retries are safe.
func (m *Manager) DeleteManager(ctx context.Context, managerID string) error {
	replyCh := make(chan error, 1)
	if !m.post(func() { m.deleteManager(managerID, replyCh) }) {
		return ErrShuttingDown
	}
	select {
	case err := <-replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deleteManager(managerID string, replyCh chan error) {
	entry, ok := m.agents[managerID]
	if !ok {
		replyCh <- nil
		return
	}
	if !entry.descriptor.IsManager() {
		replyCh <- wire.NewProtocolError(wire.ErrorCodeDeleteManagerFailed,
			fmt.Sprintf("agent %s is not a manager", managerID))
		return
	}
	if entry.deleting {
		entry.stopWaiters = append(entry.stopWaiters, replyCh)
		return
	}

	targets := m.cascadeTargets(managerID)
	sessions := make([]*session.Session, 0, len(targets))
	for _, t := range targets {
		t.deleting = true
		m.disarmSteer(t)
		if t.session != nil {
			sessions = append(sessions, t.session)
		}
	}
	entry.stopWaiters = append(entry.stopWaiters, replyCh)

	m.logger.Info("deleting manager",
		zap.String("manager_id", managerID),
		zap.Int("agents", len(targets)))

	go func() {
		g := new(errgroup.Group)
		for _, sess := range sessions {
			sess := sess
			g.Go(func() error { return sess.Stop(context.Background()) })
		}
		err := g.Wait()
		if !m.post(func() { m.finalizeDelete(managerID, err) }) {
			replyCh <- ErrShuttingDown
		}
	}()
}

func (m *Manager) finalizeDelete(managerID string, stopErr error) {
	entry, ok := m.agents[managerID]
	if !ok {
		return
	}
	waiters := entry.stopWaiters
	entry.stopWaiters = nil

	for _, t := range m.cascadeTargets(managerID) {
		id := t.descriptor.AgentID
		m.queues.Remove(id)
		m.history.Reset(id, "agent_deleted")
		if err := m.state.RemoveTranscript(id); err != nil {
			m.logger.Warn("failed to remove transcript", zap.String("agent_id", id), zap.Error(err))
		}
		delete(m.agents, id)
	}

	if stopErr != nil {
		m.logger.Warn("errors while stopping sessions for delete",
			zap.String("manager_id", managerID), zap.Error(stopErr))
	}
	m.logger.Info("manager deleted", zap.String("manager_id", managerID))
	m.persistRegistry()
	m.publish(events.ManagerDeleted, events.ManagerDeleted, managerID)
	m.broadcastSnapshot()
	for _, w := range waiters {
		w <- nil
	}
}

// cascadeTargets returns the manager entry plus every worker under it.
func (m *Manager) cascadeTargets(managerID string) []*agentEntry {
	targets := make([]*agentEntry, 0, 4)
	if entry, ok := m.agents[managerID]; ok {
		targets = append(targets, entry)
	}
	for id, entry := range m.agents {
		if id != managerID && entry.descriptor.ManagerID == managerID {
			targets = append(targets, entry)
		}
	}
	return targets
}

// KillAgent terminates one worker immediately. Managers are rejected with
// INVALID_AGENT; delete or stop them through their own operations.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	replyCh := make(chan error, 1)
	if !m.post(func() {
		entry, ok := m.agents[agentID]
		if !ok || entry.deleting {
			replyCh <- wire.NewProtocolError(wire.ErrorCodeUnknownAgent, fmt.Sprintf("agent %s not found", agentID))
			return
		}
		if entry.descriptor.IsManager() {
			replyCh <- wire.NewProtocolError(wire.ErrorCodeInvalidAgent, "kill_agent targets workers, not managers")
			return
		}
		if entry.session == nil {
			replyCh <- nil
			return
		}
		entry.stopWaiters = append(entry.stopWaiters, replyCh)
		sess := entry.session
		go sess.Kill()
	}) {
		return ErrShuttingDown
	}
	select {
	case err := <-replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAllOutcome reports what a StopAllAgents call shut down.
type StopAllOutcome struct {
	StoppedWorkerIDs []string
	ManagerStopped   bool
}

// StopAllAgents gracefully stops every live worker under a manager, then
// the manager itself. Registry entries stay, with status terminated.
func (m *Manager) StopAllAgents(ctx context.Context, managerID string) (StopAllOutcome, error) {
	type reply struct {
		outcome StopAllOutcome
		err     error
	}
	replyCh := make(chan reply, 1)

	if !m.post(func() {
		entry, ok := m.agents[managerID]
		if !ok || entry.deleting {
			replyCh <- reply{err: wire.NewProtocolError(wire.ErrorCodeUnknownAgent, fmt.Sprintf("manager %s not found", managerID))}
			return
		}
		if !entry.descriptor.IsManager() {
			replyCh <- reply{err: wire.NewProtocolError(wire.ErrorCodeStopAllAgentsFailed,
				fmt.Sprintf("agent %s is not a manager", managerID))}
			return
		}

		var workerSessions []*session.Session
		var workerIDs []string
		for id, t := range m.agents {
			if id == managerID || t.descriptor.ManagerID != managerID {
				continue
			}
			m.disarmSteer(t)
			if t.session != nil {
				workerSessions = append(workerSessions, t.session)
				workerIDs = append(workerIDs, id)
			}
		}
		m.disarmSteer(entry)
		managerSession := entry.session

		go func() {
			g := new(errgroup.Group)
			for _, sess := range workerSessions {
				sess := sess
				g.Go(func() error { return sess.Stop(context.Background()) })
			}
			err := g.Wait()
			managerStopped := false
			if managerSession != nil {
				if stopErr := managerSession.Stop(context.Background()); stopErr == nil {
					managerStopped = true
				}
			}
			if err != nil {
				replyCh <- reply{err: wire.NewProtocolError(wire.ErrorCodeStopAllAgentsFailed, err.Error())}
				return
			}
			sort.Strings(workerIDs)
			replyCh <- reply{outcome: StopAllOutcome{StoppedWorkerIDs: workerIDs, ManagerStopped: managerStopped}}
			m.post(m.broadcastSnapshot)
		}()
	}) {
		return StopAllOutcome{}, ErrShuttingDown
	}

	select {
	case r := <-replyCh:
		return r.outcome, r.err
	case <-ctx.Done():
		return StopAllOutcome{}, ctx.Err()
	}
}

// Snapshot returns every registered agent in deterministic order.
func (m *Manager) Snapshot(ctx context.Context) ([]wire.AgentDescriptor, error) {
	return request(ctx, m, func() ([]wire.AgentDescriptor, error) {
		return m.snapshot(), nil
	})
}

// snapshot builds the ordered descriptor list. Actor-only.
func (m *Manager) snapshot() []wire.AgentDescriptor {
	agents := make([]wire.AgentDescriptor, 0, len(m.agents))
	for _, entry := range m.agents {
		agents = append(agents, m.describe(entry))
	}
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].AgentID < agents[j].AgentID
	})
	return agents
}

// PrimaryAgentID resolves the default subscription target: the earliest
// created manager wins, then the earliest live agent of any role, then
// nil when the swarm is empty.
func (m *Manager) PrimaryAgentID(ctx context.Context) (*string, error) {
	return request(ctx, m, func() (*string, error) {
		return m.primary(), nil
	})
}

// primary implements the default-agent selection. Actor-only.
func (m *Manager) primary() *string {
	var best *wire.AgentDescriptor
	better := func(d *wire.AgentDescriptor) bool {
		if best == nil {
			return true
		}
		if !d.CreatedAt.Equal(best.CreatedAt) {
			return d.CreatedAt.Before(best.CreatedAt)
		}
		return d.AgentID < best.AgentID
	}

	for _, entry := range m.agents {
		d := entry.descriptor
		if entry.deleting || !d.IsManager() {
			continue
		}
		if better(&d) {
			best = &d
		}
	}
	if best == nil {
		for _, entry := range m.agents {
			d := entry.descriptor
			if entry.deleting || !d.Status.Live() {
				continue
			}
			if better(&d) {
				best = &d
			}
		}
	}
	if best == nil {
		return nil
	}
	id := best.AgentID
	return &id
}

// spawnSession launches the runtime for an entry and flips it idle.
// Actor-only.
func (m *Manager) spawnSession(entry *agentEntry) error {
	d := entry.descriptor
	var sess *session.Session
	hooks := session.Hooks{
		OnEvent: func(ev wire.Event) {
			m.post(func() { m.dispatchEvent(ev) })
		},
		OnTurnEnd: func(aborted bool) {
			m.post(func() { m.onTurnEnd(d.AgentID, sess, aborted) })
		},
		OnUsage: func(usage wire.ContextUsage) {
			m.post(func() { m.onUsage(d.AgentID, sess, usage) })
		},
		OnExit: func(err error) {
			m.post(func() { m.onSessionExit(d.AgentID, sess, err) })
		},
	}
	sess = session.New(session.Config{
		AgentID:         d.AgentID,
		ManagerID:       d.ManagerID,
		Role:            d.Role,
		Cwd:             d.Cwd,
		Command:         m.cfg.Swarm.RuntimeCommand,
		Model:           d.Model,
		GracefulTimeout: m.cfg.Swarm.GracefulStopTimeout(),
	}, hooks, m.logger)

	if err := sess.Start(m.runCtx); err != nil {
		return err
	}
	entry.session = sess
	entry.descriptor.Status = wire.StatusIdle
	entry.descriptor.UpdatedAt = time.Now().UTC()
	return nil
}

func invalidWorkdir(cwd string) string {
	if strings.TrimSpace(cwd) == "" {
		return "working directory is empty"
	}
	if !filepath.IsAbs(cwd) {
		return "working directory must be an absolute path"
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return fmt.Sprintf("working directory %s does not exist", cwd)
	}
	if !info.IsDir() {
		return fmt.Sprintf("%s is not a directory", cwd)
	}
	return ""
}
