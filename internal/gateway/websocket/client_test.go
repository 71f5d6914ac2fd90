package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

// queueClient builds a client without pumps so tests can drive the queue
// directly.
func queueClient(t *testing.T, limit int) *Client {
	t.Helper()
	return newClient("sub-1", nil, nil, limit, testLogger(t))
}

func drain(c *Client) []string {
	var out []string
	for {
		data, ok := c.nextFrame()
		if !ok {
			return out
		}
		out = append(out, string(data))
	}
}

func threadEvent(t *testing.T, agentID, text string) []byte {
	t.Helper()
	data, err := wire.Encode(wire.NewAssistantMessage(agentID, text))
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	return data
}

func TestClient_AttachDeliversReadyThenHistory(t *testing.T) {
	c := queueClient(t, 8)
	c.Attach("a1", []byte("ready-1"), []byte("history-1"))

	got := drain(c)
	want := []string{"ready-1", "history-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
	if c.CurrentAgent() != "a1" {
		t.Errorf("current agent = %q, want a1", c.CurrentAgent())
	}
}

func TestClient_SwitchDiscardsOldThreadKeepsControl(t *testing.T) {
	c := queueClient(t, 16)
	c.Attach("a1", []byte("ready-1"), []byte("history-1"))
	drain(c)

	c.EnqueueThread("a1", threadEvent(t, "a1", "one"))
	c.EnqueueThread("a1", threadEvent(t, "a1", "two"))
	c.EnqueueControl([]byte("control-1"))

	c.Attach("a2", []byte("ready-2"), []byte("history-2"))

	got := drain(c)
	if len(got) != 3 {
		t.Fatalf("expected 3 frames after switch, got %d: %v", len(got), got)
	}
	if got[0] != "ready-2" || got[1] != "history-2" || got[2] != "control-1" {
		t.Errorf("unexpected frames after switch: %v", got)
	}

	// Late events for the old thread are not delivered.
	c.EnqueueThread("a1", threadEvent(t, "a1", "stale"))
	if got := drain(c); len(got) != 0 {
		t.Errorf("expected no frames for old thread, got %v", got)
	}
	c.EnqueueThread("a2", threadEvent(t, "a2", "fresh"))
	if got := drain(c); len(got) != 1 {
		t.Errorf("expected one frame for new thread, got %v", got)
	}
}

func TestClient_SameAgentResubscribe(t *testing.T) {
	c := queueClient(t, 16)
	c.Attach("a1", []byte("ready-1"), []byte("history-1"))

	// The first snapshot has not been delivered yet, so a repeat subscribe
	// only refreshes the acknowledgement.
	c.Attach("a1", []byte("ready-2"), []byte("history-2"))
	got := drain(c)
	histories := 0
	for _, frame := range got {
		if strings.HasPrefix(frame, "history") {
			histories++
		}
	}
	if histories != 1 {
		t.Fatalf("expected 1 history while replay pending, got %d: %v", histories, got)
	}

	// Once the queue drained, a repeat subscribe replays again.
	c.Attach("a1", []byte("ready-3"), []byte("history-3"))
	got = drain(c)
	if len(got) != 2 || got[0] != "ready-3" || got[1] != "history-3" {
		t.Errorf("expected fresh replay after drain, got %v", got)
	}
}

func TestClient_OverflowDropsOldestKeepsHistory(t *testing.T) {
	c := queueClient(t, 4)
	c.Attach("a1", []byte("ready-1"), []byte(`{"type":"conversation_history"}`))

	for i := 0; i < 100; i++ {
		c.EnqueueThread("a1", threadEvent(t, "a1", fmt.Sprintf("event-%d", i)))
	}

	got := drain(c)
	if len(got) > 4 {
		t.Errorf("queue exceeded its bound: %d frames", len(got))
	}

	var sawHistory bool
	throttleNotices := 0
	var lastText string
	for _, frame := range got {
		var probe struct {
			Type   string    `json:"type"`
			Role   wire.Role `json:"role"`
			Text   string    `json:"text"`
			Source string    `json:"source"`
		}
		if err := json.Unmarshal([]byte(frame), &probe); err != nil {
			continue
		}
		switch {
		case probe.Type == "conversation_history":
			sawHistory = true
		case probe.Role == wire.RoleSystem && strings.Contains(probe.Text, "throttled"):
			throttleNotices++
		default:
			lastText = probe.Text
		}
	}
	if !sawHistory {
		t.Error("history snapshot was dropped during overflow")
	}
	if throttleNotices != 1 {
		t.Errorf("expected exactly one throttle notice for the burst, got %d", throttleNotices)
	}
	// The freshest event survives; the oldest ones were dropped.
	if lastText != "event-99" {
		t.Errorf("expected newest event to survive, got %q", lastText)
	}
}

func TestClient_ThrottleNoticeReturnsAfterDrain(t *testing.T) {
	c := queueClient(t, 4)
	c.Attach("a1", []byte("ready-1"), []byte(`{"type":"conversation_history"}`))
	drain(c)

	countNotices := func(frames []string) int {
		n := 0
		for _, frame := range frames {
			if strings.Contains(frame, "throttled") {
				n++
			}
		}
		return n
	}

	for i := 0; i < 10; i++ {
		c.EnqueueThread("a1", threadEvent(t, "a1", "burst-one"))
	}
	if n := countNotices(drain(c)); n != 1 {
		t.Fatalf("first burst: expected 1 notice, got %d", n)
	}

	for i := 0; i < 10; i++ {
		c.EnqueueThread("a1", threadEvent(t, "a1", "burst-two"))
	}
	if n := countNotices(drain(c)); n != 1 {
		t.Fatalf("second burst: expected a fresh notice after drain, got %d", n)
	}
}

func TestClient_CloseDropsPendingWork(t *testing.T) {
	c := queueClient(t, 8)
	c.Attach("a1", []byte("ready-1"), []byte("history-1"))
	c.close()
	c.close()

	if got := drain(c); len(got) != 0 {
		t.Errorf("expected empty queue after close, got %v", got)
	}
	c.Attach("a2", []byte("ready-2"), []byte("history-2"))
	c.EnqueueThread("a2", threadEvent(t, "a2", "late"))
	c.EnqueueControl([]byte("late-control"))
	if got := drain(c); len(got) != 0 {
		t.Errorf("expected enqueue after close to be ignored, got %v", got)
	}
}
