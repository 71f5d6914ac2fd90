package websocket

import (
	"context"
	"strings"
	"testing"

	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/events/bus"
	"github.com/middlemanhq/middleman/pkg/wire"
)

func TestHub_Routing(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	h := NewHub(memBus, log)
	if err := h.Start(); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(h.Stop)

	ctx := context.Background()
	alpha := newClient("c-alpha", nil, h, 64, log)
	beta := newClient("c-beta", nil, h, 64, log)
	h.register(alpha)
	h.register(beta)
	if h.ClientCount() != 2 {
		t.Fatalf("client count = %d, want 2", h.ClientCount())
	}

	alpha.Attach("a1", []byte("ready"), []byte("history"))
	beta.Attach("a2", []byte("ready"), []byte("history"))
	drain(alpha)
	drain(beta)

	publish := func(subject, eventType string, payload interface{}) {
		t.Helper()
		if err := memBus.Publish(ctx, subject, bus.NewEvent(eventType, "test", payload)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// Conversation events reach only the subscriber of that agent.
	publish(events.BuildConversationSubject("a1"), events.ConversationEvent,
		wire.NewAssistantMessage("a1", "hello alpha"))
	if got := drain(alpha); len(got) != 1 || !strings.Contains(got[0], "hello alpha") {
		t.Errorf("alpha frames = %v", got)
	}
	if got := drain(beta); len(got) != 0 {
		t.Errorf("beta received another thread's event: %v", got)
	}

	// Resets are routed the same way.
	publish(events.BuildConversationResetSubject("a2"), events.ConversationReset,
		wire.NewConversationReset("a2", "agent_deleted"))
	if got := drain(beta); len(got) != 1 || !strings.Contains(got[0], "conversation_reset") {
		t.Errorf("beta frames = %v", got)
	}
	if got := drain(alpha); len(got) != 0 {
		t.Errorf("alpha received another thread's reset: %v", got)
	}

	// Status deltas and snapshots go to everyone regardless of thread.
	publish(events.BuildAgentStatusSubject("a1"), events.AgentStatusChanged,
		wire.NewAgentStatus("a1", wire.StatusStreaming, 1, nil))
	publish(events.AgentsSnapshot, events.AgentsSnapshot,
		wire.NewAgentsSnapshot([]wire.AgentDescriptor{}))
	if got := drain(alpha); len(got) != 2 {
		t.Errorf("alpha broadcast frames = %v", got)
	}
	if got := drain(beta); len(got) != 2 {
		t.Errorf("beta broadcast frames = %v", got)
	}

	// Unregistered clients stop receiving.
	h.unregister(alpha)
	if h.ClientCount() != 1 {
		t.Fatalf("client count after unregister = %d, want 1", h.ClientCount())
	}
	publish(events.BuildConversationSubject("a1"), events.ConversationEvent,
		wire.NewAssistantMessage("a1", "late"))
	if got := drain(alpha); len(got) != 0 {
		t.Errorf("closed client still receives events: %v", got)
	}
}
