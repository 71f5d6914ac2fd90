// Package runtime implements the stdio protocol between the daemon and its
// agent runtime subprocesses: newline-framed JSON input frames on stdin and
// newline-framed JSON event frames on stdout.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/middlemanhq/middleman/pkg/wire"
)

// EventType represents the type of a runtime stdout frame.
type EventType string

const (
	EventMessageStart        EventType = "message_start"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventSpeakToUser         EventType = "speak_to_user"
	EventContextUsage        EventType = "context_usage"
)

// EventFrame is one event read from a runtime's stdout.
type EventFrame struct {
	Type        EventType `json:"type"`
	Text        string    `json:"text,omitempty"`
	ToolName    string    `json:"toolName,omitempty"`
	ToolCallID  string    `json:"toolCallId,omitempty"`
	IsError     bool      `json:"isError,omitempty"`
	UsedTokens  int       `json:"usedTokens,omitempty"`
	TotalTokens int       `json:"totalTokens,omitempty"`
}

// Parse decodes a single stdout line into an event frame.
func Parse(line []byte) (*EventFrame, error) {
	var frame EventFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("parse runtime frame: %w", err)
	}
	return &frame, nil
}

// IsValid reports whether the frame carries a known event type.
func (f *EventFrame) IsValid() bool {
	switch f.Type {
	case EventMessageStart, EventMessageEnd,
		EventToolExecutionStart, EventToolExecutionUpdate, EventToolExecutionEnd,
		EventSpeakToUser, EventContextUsage:
		return true
	}
	return false
}

// TerminatesTurn reports whether the frame ends the current delivery.
func (f *EventFrame) TerminatesTurn() bool {
	return f.Type == EventMessageEnd
}

// Aborted reports whether a terminal frame marks the turn as cancelled
// rather than completed.
func (f *EventFrame) Aborted() bool {
	if f.Type != EventMessageEnd && f.Type != EventToolExecutionEnd {
		return false
	}
	text := strings.ToLower(f.Text)
	return strings.Contains(text, "[aborted]") || strings.Contains(text, "cancel")
}

// InputFrame is written to the runtime's stdin to start a turn.
type InputFrame struct {
	Text        string            `json:"text"`
	Attachments []wire.Attachment `json:"attachments"`
	Cwd         string            `json:"cwd"`
}

// AbortFrame asks the runtime to cancel the in-flight turn. The runtime
// answers with a terminal message_end or an aborted tool_execution_end.
type AbortFrame struct {
	Abort bool `json:"abort"`
}
