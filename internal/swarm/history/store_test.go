package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/pkg/wire"
)

func setupStore(t *testing.T, capacity int) *Store {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewStore(capacity, log)
}

func TestStore_AppendAndReplay(t *testing.T) {
	store := setupStore(t, DefaultCapacity)

	t.Run("preserves insertion order", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			store.Append(wire.NewUserMessage("agent-1", fmt.Sprintf("msg-%d", i), nil, nil))
		}

		snap := store.Replay("agent-1")
		require.Len(t, snap.Conversation, 5)
		for i, ev := range snap.Conversation {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), ev.Text)
		}
	})

	t.Run("splits projections", func(t *testing.T) {
		store.Append(wire.NewAssistantMessage("agent-2", "hello"))
		store.Append(wire.NewRuntimeLog("agent-2", wire.KindToolExecutionStart, "Read", "tc-1", "reading", false))
		store.Append(wire.NewAgentToolCall("agent-2", "worker-1", wire.KindToolExecutionEnd, "Read", "tc-1", "done", false))

		snap := store.Replay("agent-2")
		require.Len(t, snap.Conversation, 2)
		assert.Equal(t, wire.TypeConversationMessage, snap.Conversation[0].Type)
		assert.Equal(t, wire.TypeConversationLog, snap.Conversation[1].Type)
		require.Len(t, snap.Activity, 1)
		assert.Equal(t, wire.TypeAgentToolCall, snap.Activity[0].Type)
	})

	t.Run("unknown agent yields empty non-nil slices", func(t *testing.T) {
		snap := store.Replay("nobody")
		assert.NotNil(t, snap.Conversation)
		assert.NotNil(t, snap.Activity)
		assert.Empty(t, snap.Conversation)
		assert.Empty(t, snap.Activity)
	})

	t.Run("replay copies are independent", func(t *testing.T) {
		store.Append(wire.NewUserMessage("agent-3", "original", nil, nil))
		snap := store.Replay("agent-3")
		snap.Conversation[0].Text = "mutated"

		again := store.Replay("agent-3")
		assert.Equal(t, "original", again.Conversation[0].Text)
	})
}

func TestStore_CapacityEviction(t *testing.T) {
	store := setupStore(t, 100)

	// Capacities below the default are raised to it.
	require.Equal(t, DefaultCapacity, store.Capacity())

	for i := 0; i < DefaultCapacity+5; i++ {
		store.Append(wire.NewUserMessage("agent-1", fmt.Sprintf("msg-%d", i), nil, nil))
	}

	assert.Equal(t, DefaultCapacity, store.Len("agent-1"))

	snap := store.Replay("agent-1")
	require.Len(t, snap.Conversation, DefaultCapacity)
	assert.Equal(t, "msg-5", snap.Conversation[0].Text, "oldest entries should be evicted first")
	assert.Equal(t, fmt.Sprintf("msg-%d", DefaultCapacity+4), snap.Conversation[len(snap.Conversation)-1].Text)
}

func TestStore_TimestampsNeverRunBackwards(t *testing.T) {
	store := setupStore(t, DefaultCapacity)

	first := wire.NewUserMessage("agent-1", "first", nil, nil)
	first.Timestamp = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	store.Append(first)

	second := wire.NewUserMessage("agent-1", "second", nil, nil)
	second.Timestamp = first.Timestamp.Add(-time.Hour)
	store.Append(second)

	snap := store.Replay("agent-1")
	require.Len(t, snap.Conversation, 2)
	assert.False(t, snap.Conversation[1].Timestamp.Before(snap.Conversation[0].Timestamp))
	assert.Equal(t, first.Timestamp, snap.Conversation[1].Timestamp)
}

func TestStore_Reset(t *testing.T) {
	store := setupStore(t, DefaultCapacity)

	store.Append(wire.NewUserMessage("agent-1", "hello", nil, nil))
	store.Append(wire.NewUserMessage("agent-2", "untouched", nil, nil))

	assert.True(t, store.Reset("agent-1", "user_new_command"))
	assert.False(t, store.Reset("agent-1", "user_new_command"), "second reset finds nothing")

	assert.Zero(t, store.Len("agent-1"))
	assert.Equal(t, 1, store.Len("agent-2"), "other agents keep their history")
}

func TestStore_AgentsAreIsolated(t *testing.T) {
	store := setupStore(t, DefaultCapacity)

	store.Append(wire.NewUserMessage("agent-1", "one", nil, nil))
	store.Append(wire.NewUserMessage("agent-2", "two", nil, nil))
	store.Append(wire.NewUserMessage("agent-1", "three", nil, nil))

	require.Equal(t, 2, store.Len("agent-1"))
	require.Equal(t, 1, store.Len("agent-2"))

	snap := store.Replay("agent-2")
	require.Len(t, snap.Conversation, 1)
	assert.Equal(t, "two", snap.Conversation[0].Text)
}
