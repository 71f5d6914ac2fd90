package swarm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemanhq/middleman/internal/common/config"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/events/bus"
	"github.com/middlemanhq/middleman/internal/state"
	"github.com/middlemanhq/middleman/internal/swarm/history"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// echoTurnScript answers every input with one short turn.
const echoTurnScript = `while read line; do
echo '{"type":"message_start"}'
echo '{"type":"speak_to_user","text":"ack"}'
echo '{"type":"message_end"}'
done
`

// slowTurnScript holds each turn open long enough for queueing decisions
// to observe a streaming session.
const slowTurnScript = `while read line; do
echo '{"type":"message_start"}'
sleep 1
echo '{"type":"speak_to_user","text":"ack"}'
echo '{"type":"message_end"}'
done
`

// abortAwareScript opens a tool call on the first input, finishes the turn
// only once the abort frame arrives, then serves one clean turn.
const abortAwareScript = `read line
echo '{"type":"message_start"}'
echo '{"type":"tool_execution_start","toolName":"Bash","toolCallId":"tc-1","text":"running"}'
read abort
echo '{"type":"message_end"}'
read line2
echo '{"type":"message_start"}'
echo '{"type":"speak_to_user","text":"steered"}'
echo '{"type":"message_end"}'
cat >/dev/null
`

// stuckScript starts streaming and then ignores everything, including
// abort frames.
const stuckScript = `read line
echo '{"type":"message_start"}'
while true; do sleep 1; done
`

// toolTurnScript runs one tool call per input.
const toolTurnScript = `while read line; do
echo '{"type":"message_start"}'
echo '{"type":"tool_execution_start","toolName":"Bash","toolCallId":"tc-1","text":"make"}'
echo '{"type":"tool_execution_end","toolName":"Bash","toolCallId":"tc-1","text":"done"}'
echo '{"type":"message_end"}'
done
`

type swarmHarness struct {
	manager *Manager
	store   *state.Store
	bus     *bus.MemoryEventBus
	stop    func()
}

func writeRuntimeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func startSwarm(t *testing.T, script, stateDir string) *swarmHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	store, err := state.NewStore(stateDir, log)
	require.NoError(t, err)

	cfg := &config.Config{Swarm: config.SwarmConfig{
		RuntimeCommand:      script,
		HistoryCapacity:     2000,
		SubscriberQueueSize: 1000,
		GracefulStopSeconds: 5,
		SteerCancelSeconds:  1,
		RPCTimeoutSeconds:   300,
		TelegramPollSeconds: 25,
	}}
	m := New(cfg, memBus, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-m.Stopped():
			case <-time.After(15 * time.Second):
				t.Error("swarm manager did not stop in time")
			}
			_ = store.Close()
		})
	}
	t.Cleanup(stop)
	return &swarmHarness{manager: m, store: store, bus: memBus, stop: stop}
}

func setupSwarm(t *testing.T, script string) *swarmHarness {
	t.Helper()
	return startSwarm(t, script, t.TempDir())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *swarmHarness) agentStatus(t *testing.T, agentID string) wire.AgentStatus {
	t.Helper()
	agents, err := h.manager.Snapshot(context.Background())
	require.NoError(t, err)
	for _, a := range agents {
		if a.AgentID == agentID {
			return a.Status
		}
	}
	return ""
}

func conversationTexts(snap history.Snapshot) []string {
	texts := make([]string, 0, len(snap.Conversation))
	for _, ev := range snap.Conversation {
		texts = append(texts, ev.Text)
	}
	return texts
}

func webSource(channelID string) *wire.SourceContext {
	return &wire.SourceContext{Channel: wire.ChannelWeb, ChannelID: channelID}
}

func protocolCode(t *testing.T, err error) string {
	t.Helper()
	var pe *wire.ProtocolError
	require.ErrorAs(t, err, &pe)
	return pe.Code
}

func TestManager_CreateManager(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()
	cwd := t.TempDir()

	t.Run("creates and spawns", func(t *testing.T) {
		desc, err := h.manager.CreateManager(ctx, "alpha", cwd, wire.ModelSpec{Provider: "anthropic", ModelID: "opus"})
		require.NoError(t, err)
		assert.Equal(t, desc.AgentID, desc.ManagerID)
		assert.Equal(t, wire.RoleManager, desc.Role)
		assert.Equal(t, "alpha", desc.DisplayName)
		assert.Equal(t, wire.StatusIdle, desc.Status)
		assert.Equal(t, filepath.Join("sessions", desc.AgentID+".jsonl"), desc.SessionFile)

		agents, err := h.manager.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, desc.AgentID, agents[0].AgentID)
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		_, err := h.manager.CreateManager(ctx, "alpha", cwd, wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeCreateManagerFailed, protocolCode(t, err))
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := h.manager.CreateManager(ctx, "   ", cwd, wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeCreateManagerFailed, protocolCode(t, err))
	})

	t.Run("rejects missing directory", func(t *testing.T) {
		_, err := h.manager.CreateManager(ctx, "beta", filepath.Join(cwd, "missing"), wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeCreateManagerFailed, protocolCode(t, err))
	})

	t.Run("rejects relative directory", func(t *testing.T) {
		_, err := h.manager.CreateManager(ctx, "beta", "relative/path", wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeCreateManagerFailed, protocolCode(t, err))
	})
}

func TestManager_InputDelivery(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	accepted, err := h.manager.HandleInput(ctx, Input{
		AgentID: desc.AgentID,
		Text:    "build it",
		Source:  webSource("main"),
	})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryAuto, accepted)

	waitFor(t, "turn to complete", func() bool {
		snap := h.manager.History().Replay(desc.AgentID)
		return len(snap.Conversation) >= 4 && h.agentStatus(t, desc.AgentID) == wire.StatusIdle
	})

	snap := h.manager.History().Replay(desc.AgentID)
	texts := conversationTexts(snap)
	assert.Contains(t, texts, "build it")
	assert.Contains(t, texts, "ack")
	require.NotEmpty(t, snap.Conversation)
	assert.Equal(t, wire.TypeConversationMessage, snap.Conversation[0].Type)
	assert.Equal(t, wire.RoleUser, snap.Conversation[0].Role)

	// The manager's activity feed shows the routed input.
	require.NotEmpty(t, snap.Activity)
	assert.Equal(t, wire.TypeAgentMessage, snap.Activity[0].Type)
	assert.Equal(t, desc.AgentID, snap.Activity[0].ToAgentID)
	assert.Equal(t, wire.SourceUserToAgent, snap.Activity[0].Source)
	assert.Equal(t, wire.DeliveryAuto, snap.Activity[0].AcceptedMode)
}

func TestManager_EmptyInputDropped(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	accepted, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, accepted)
	assert.Empty(t, h.manager.History().Replay(desc.AgentID).Conversation)

	// Attachments alone are enough to carry an input.
	accepted, err = h.manager.HandleInput(ctx, Input{
		AgentID:     desc.AgentID,
		Attachments: []wire.Attachment{{Kind: wire.AttachmentText, MimeType: "text/plain", Text: "notes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryAuto, accepted)
	waitFor(t, "attachment input to land", func() bool {
		return len(h.manager.History().Replay(desc.AgentID).Conversation) > 0
	})
}

func TestManager_FollowUpQueue(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, slowTurnScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	first, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "one", Source: webSource("main")})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryAuto, first)

	second, err := h.manager.HandleInput(ctx, Input{
		AgentID:  desc.AgentID,
		Text:     "two",
		Source:   webSource("main"),
		Delivery: wire.DeliveryFollowUp,
	})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryFollowUp, second)

	waitFor(t, "both turns to complete", func() bool {
		snap := h.manager.History().Replay(desc.AgentID)
		acks := 0
		for _, text := range conversationTexts(snap) {
			if text == "ack" {
				acks++
			}
		}
		return acks == 2 && h.agentStatus(t, desc.AgentID) == wire.StatusIdle
	})

	// The queued input went out only after the first turn finished: user
	// messages land at enqueue time, so the order is one, two, ack, ack in
	// the message view.
	var messages []string
	for _, ev := range h.manager.History().Replay(desc.AgentID).Conversation {
		if ev.Type == wire.TypeConversationMessage {
			messages = append(messages, ev.Text)
		}
	}
	assert.Equal(t, []string{"one", "two", "ack", "ack"}, messages)
}

func TestManager_AutoDemotionWhileStreaming(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, abortAwareScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	first, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "start", Source: webSource("main")})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryAuto, first)

	// Different thread while streaming: queue behind.
	second, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "later", Source: webSource("other")})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryFollowUp, second)

	// Same thread while streaming: interrupt.
	third, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "actually this", Source: webSource("main")})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliverySteer, third)

	waitFor(t, "steered turn to complete", func() bool {
		texts := conversationTexts(h.manager.History().Replay(desc.AgentID))
		for _, text := range texts {
			if text == "steered" {
				return true
			}
		}
		return false
	})

	// The interrupted tool call was closed out as aborted.
	var sawAbortedEnd bool
	for _, ev := range h.manager.History().Replay(desc.AgentID).Conversation {
		if ev.Kind == wire.KindToolExecutionEnd && ev.IsError && ev.DenotesCancellation() {
			sawAbortedEnd = true
		}
	}
	assert.True(t, sawAbortedEnd, "expected a synthesized aborted tool end")
}

func TestManager_SteerOnIdleBecomesAuto(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	accepted, err := h.manager.HandleInput(ctx, Input{
		AgentID:  desc.AgentID,
		Text:     "no stream to interrupt",
		Source:   webSource("main"),
		Delivery: wire.DeliverySteer,
	})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliveryAuto, accepted)
}

func TestManager_SteerDeadlineRecyclesRuntime(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, stuckScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	_, err = h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "start", Source: webSource("main")})
	require.NoError(t, err)
	waitFor(t, "agent to stream", func() bool {
		return h.agentStatus(t, desc.AgentID) == wire.StatusStreaming
	})

	accepted, err := h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "interrupt", Source: webSource("main")})
	require.NoError(t, err)
	assert.Equal(t, wire.DeliverySteer, accepted)

	// The runtime ignores the abort, so after the cancellation deadline the
	// process is recycled and the steer input delivered to the fresh one.
	waitFor(t, "runtime recycle and steer delivery", func() bool {
		texts := conversationTexts(h.manager.History().Replay(desc.AgentID))
		sawExit := false
		for _, text := range texts {
			if text == "Agent terminated: runtime stopped" {
				sawExit = true
			}
		}
		return sawExit && h.agentStatus(t, desc.AgentID) == wire.StatusStreaming
	})
}

func TestManager_WorkerLifecycle(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, toolTurnScript))
	ctx := context.Background()

	mgr, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{Provider: "anthropic", ModelID: "opus"})
	require.NoError(t, err)

	var worker wire.AgentDescriptor
	t.Run("spawn inherits manager defaults", func(t *testing.T) {
		worker, err = h.manager.SpawnWorker(ctx, mgr.AgentID, "builder", "", wire.ModelSpec{})
		require.NoError(t, err)
		assert.Equal(t, wire.RoleWorker, worker.Role)
		assert.Equal(t, mgr.AgentID, worker.ManagerID)
		assert.Equal(t, mgr.Cwd, worker.Cwd)
		assert.Equal(t, mgr.Model, worker.Model)
		assert.Equal(t, wire.StatusIdle, worker.Status)
	})

	t.Run("spawn under unknown manager fails", func(t *testing.T) {
		_, err := h.manager.SpawnWorker(ctx, "nope", "builder", "", wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeUnknownAgent, protocolCode(t, err))
	})

	t.Run("spawn under a worker fails", func(t *testing.T) {
		_, err := h.manager.SpawnWorker(ctx, worker.AgentID, "builder", "", wire.ModelSpec{})
		assert.Equal(t, wire.ErrorCodeInvalidAgent, protocolCode(t, err))
	})

	t.Run("worker tool calls mirror into the manager activity feed", func(t *testing.T) {
		_, err := h.manager.HandleInput(ctx, Input{
			AgentID:     worker.AgentID,
			FromAgentID: mgr.AgentID,
			Text:        "run the build",
		})
		require.NoError(t, err)

		waitFor(t, "mirrored tool call", func() bool {
			for _, ev := range h.manager.History().Replay(mgr.AgentID).Activity {
				if ev.Type == wire.TypeAgentToolCall && ev.ActorAgentID == worker.AgentID {
					return true
				}
			}
			return false
		})

		managerActivity := h.manager.History().Replay(mgr.AgentID).Activity
		var sawMessage, sawTool bool
		for _, ev := range managerActivity {
			switch ev.Type {
			case wire.TypeAgentMessage:
				if ev.FromAgentID == mgr.AgentID && ev.ToAgentID == worker.AgentID {
					sawMessage = true
					assert.Equal(t, wire.SourceAgentToAgent, ev.Source)
				}
			case wire.TypeAgentToolCall:
				if ev.ToolName == "Bash" {
					sawTool = true
				}
			}
		}
		assert.True(t, sawMessage, "expected the routed message in the activity feed")
		assert.True(t, sawTool, "expected the mirrored tool call")

		// The worker's own activity feed stays empty; the mirror belongs to
		// the owning manager.
		assert.Empty(t, h.manager.History().Replay(worker.AgentID).Activity)
	})

	t.Run("kill worker", func(t *testing.T) {
		require.NoError(t, h.manager.KillAgent(ctx, worker.AgentID))
		assert.Equal(t, wire.StatusTerminated, h.agentStatus(t, worker.AgentID))

		// Idempotent.
		require.NoError(t, h.manager.KillAgent(ctx, worker.AgentID))
	})

	t.Run("kill manager is rejected", func(t *testing.T) {
		err := h.manager.KillAgent(ctx, mgr.AgentID)
		assert.Equal(t, wire.ErrorCodeInvalidAgent, protocolCode(t, err))
	})

	t.Run("kill unknown agent", func(t *testing.T) {
		err := h.manager.KillAgent(ctx, "nope")
		assert.Equal(t, wire.ErrorCodeUnknownAgent, protocolCode(t, err))
	})

	t.Run("input to a terminated worker respawns it", func(t *testing.T) {
		before := len(conversationTexts(h.manager.History().Replay(worker.AgentID)))
		_, err := h.manager.HandleInput(ctx, Input{AgentID: worker.AgentID, Text: "back to work"})
		require.NoError(t, err)
		waitFor(t, "respawned worker to answer", func() bool {
			return len(conversationTexts(h.manager.History().Replay(worker.AgentID))) > before &&
				h.agentStatus(t, worker.AgentID) == wire.StatusIdle
		})
	})
}

func TestManager_StopAllAgents(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	mgr, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)
	w1, err := h.manager.SpawnWorker(ctx, mgr.AgentID, "w1", "", wire.ModelSpec{})
	require.NoError(t, err)
	w2, err := h.manager.SpawnWorker(ctx, mgr.AgentID, "w2", "", wire.ModelSpec{})
	require.NoError(t, err)

	outcome, err := h.manager.StopAllAgents(ctx, mgr.AgentID)
	require.NoError(t, err)
	assert.True(t, outcome.ManagerStopped)
	assert.ElementsMatch(t, []string{w1.AgentID, w2.AgentID}, outcome.StoppedWorkerIDs)

	// Entries survive as terminated records.
	waitFor(t, "all agents terminated", func() bool {
		agents, err := h.manager.Snapshot(ctx)
		require.NoError(t, err)
		if len(agents) != 3 {
			return false
		}
		for _, a := range agents {
			if a.Status != wire.StatusTerminated {
				return false
			}
		}
		return true
	})

	t.Run("unknown manager", func(t *testing.T) {
		_, err := h.manager.StopAllAgents(ctx, "nope")
		assert.Equal(t, wire.ErrorCodeUnknownAgent, protocolCode(t, err))
	})

	t.Run("worker target is rejected", func(t *testing.T) {
		_, err := h.manager.StopAllAgents(ctx, w1.AgentID)
		assert.Equal(t, wire.ErrorCodeStopAllAgentsFailed, protocolCode(t, err))
	})
}

func TestManager_DeleteManagerCascade(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	mgr, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)
	worker, err := h.manager.SpawnWorker(ctx, mgr.AgentID, "builder", "", wire.ModelSpec{})
	require.NoError(t, err)

	_, err = h.manager.HandleInput(ctx, Input{AgentID: mgr.AgentID, Text: "hello"})
	require.NoError(t, err)
	waitFor(t, "transcript to exist", func() bool {
		events, err := h.store.LoadTranscript(mgr.AgentID, 0)
		return err == nil && len(events) > 0
	})

	require.NoError(t, h.manager.DeleteManager(ctx, mgr.AgentID))

	agents, err := h.manager.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
	assert.Empty(t, h.manager.History().Replay(mgr.AgentID).Conversation)
	assert.Empty(t, h.manager.History().Replay(worker.AgentID).Conversation)

	events, err := h.store.LoadTranscript(mgr.AgentID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, h.manager.DeleteManager(ctx, mgr.AgentID))
	})

	t.Run("worker target is rejected", func(t *testing.T) {
		w2mgr, err := h.manager.CreateManager(ctx, "beta", t.TempDir(), wire.ModelSpec{})
		require.NoError(t, err)
		w2, err := h.manager.SpawnWorker(ctx, w2mgr.AgentID, "builder", "", wire.ModelSpec{})
		require.NoError(t, err)
		err = h.manager.DeleteManager(ctx, w2.AgentID)
		assert.Equal(t, wire.ErrorCodeDeleteManagerFailed, protocolCode(t, err))
	})
}

func TestManager_PrimaryAgent(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	primary, err := h.manager.PrimaryAgentID(ctx)
	require.NoError(t, err)
	assert.Nil(t, primary)

	_, err = h.manager.HandleInput(ctx, Input{Text: "anyone there"})
	assert.Equal(t, wire.ErrorCodeUnknownAgent, protocolCode(t, err))

	first, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)
	_, err = h.manager.CreateManager(ctx, "beta", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	primary, err = h.manager.PrimaryAgentID(ctx)
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, first.AgentID, *primary)

	// Unaddressed input routes to the primary.
	_, err = h.manager.HandleInput(ctx, Input{Text: "do the thing", Source: webSource("main")})
	require.NoError(t, err)
	waitFor(t, "primary to receive the input", func() bool {
		texts := conversationTexts(h.manager.History().Replay(first.AgentID))
		for _, text := range texts {
			if text == "do the thing" {
				return true
			}
		}
		return false
	})
}

func TestManager_ResetConversation(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	desc, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	_, err = h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "hello"})
	require.NoError(t, err)
	waitFor(t, "turn to complete", func() bool {
		return len(h.manager.History().Replay(desc.AgentID).Conversation) >= 4
	})

	require.NoError(t, h.manager.ResetConversation(ctx, desc.AgentID, "user_cleared"))
	assert.Empty(t, h.manager.History().Replay(desc.AgentID).Conversation)

	events, err := h.store.LoadTranscript(desc.AgentID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The agent keeps running and accepts new input after the reset.
	_, err = h.manager.HandleInput(ctx, Input{AgentID: desc.AgentID, Text: "fresh start"})
	require.NoError(t, err)
	waitFor(t, "fresh turn", func() bool {
		return len(h.manager.History().Replay(desc.AgentID).Conversation) >= 4
	})

	t.Run("unknown agent", func(t *testing.T) {
		err := h.manager.ResetConversation(ctx, "nope", "user_cleared")
		assert.Equal(t, wire.ErrorCodeUnknownAgent, protocolCode(t, err))
	})
}

func TestManager_RestartOnBoot(t *testing.T) {
	stateDir := t.TempDir()
	script := writeRuntimeScript(t, stuckScript)
	ctx := context.Background()

	h := startSwarm(t, script, stateDir)
	streaming, err := h.manager.CreateManager(ctx, "streaming-one", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)
	idle, err := h.manager.CreateManager(ctx, "idle-one", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	_, err = h.manager.HandleInput(ctx, Input{AgentID: streaming.AgentID, Text: "go"})
	require.NoError(t, err)
	waitFor(t, "agent to stream", func() bool {
		return h.agentStatus(t, streaming.AgentID) == wire.StatusStreaming
	})

	// Daemon restart: the registry was persisted with pre-stop statuses.
	h.stop()

	h2 := startSwarm(t, script, stateDir)
	agents, err := h2.manager.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	byID := map[string]wire.AgentDescriptor{}
	for _, a := range agents {
		byID[a.AgentID] = a
	}
	assert.Equal(t, wire.StatusStoppedOnRestart, byID[streaming.AgentID].Status,
		"streaming agents are not auto-resumed")
	assert.Equal(t, wire.StatusIdle, byID[idle.AgentID].Status,
		"idle agents come back up")

	// History survived the restart through the transcript.
	texts := conversationTexts(h2.manager.History().Replay(streaming.AgentID))
	assert.Contains(t, texts, "go")
}

func TestManager_ShutdownRejectsNewWork(t *testing.T) {
	h := setupSwarm(t, writeRuntimeScript(t, echoTurnScript))
	ctx := context.Background()

	_, err := h.manager.CreateManager(ctx, "alpha", t.TempDir(), wire.ModelSpec{})
	require.NoError(t, err)

	h.stop()

	_, err = h.manager.CreateManager(ctx, "beta", t.TempDir(), wire.ModelSpec{})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = h.manager.HandleInput(ctx, Input{Text: "anyone"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
