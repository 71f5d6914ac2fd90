package wire

import (
	"strings"
	"time"
)

// Role is the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventSource tells where a conversation event originated.
type EventSource string

const (
	// Sources for conversation_message.
	SourceUserInput   EventSource = "user_input"
	SourceSpeakToUser EventSource = "speak_to_user"
	SourceSystem      EventSource = "system"
	// Source for conversation_log.
	SourceRuntimeLog EventSource = "runtime_log"
	// Sources for agent_message.
	SourceUserToAgent  EventSource = "user_to_agent"
	SourceAgentToAgent EventSource = "agent_to_agent"
)

// LogKind is the runtime stream phase reported by conversation_log and
// agent_tool_call events.
type LogKind string

const (
	KindMessageStart        LogKind = "message_start"
	KindMessageEnd          LogKind = "message_end"
	KindToolExecutionStart  LogKind = "tool_execution_start"
	KindToolExecutionUpdate LogKind = "tool_execution_update"
	KindToolExecutionEnd    LogKind = "tool_execution_end"
	// KindChannelDelivery records outbound channel posts and attachment
	// downloads that failed; always paired with IsError.
	KindChannelDelivery LogKind = "channel_delivery"
)

// Event is a conversation event: one of conversation_message,
// conversation_log, agent_message or agent_tool_call. The Type field
// selects the variant; fields not belonging to the variant stay zero.
// Every event carries the agent whose history it belongs to and an
// ISO-8601 timestamp.
type Event struct {
	Type      MessageType `json:"type"`
	AgentID   string      `json:"agentId"`
	Timestamp time.Time   `json:"timestamp"`
	Text      string      `json:"text"`

	// conversation_message
	Role          Role           `json:"role,omitempty"`
	Source        EventSource    `json:"source,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`

	// conversation_log and agent_tool_call
	Kind       LogKind `json:"kind,omitempty"`
	ToolName   string  `json:"toolName,omitempty"`
	ToolCallID string  `json:"toolCallId,omitempty"`
	IsError    bool    `json:"isError,omitempty"`

	// agent_message
	FromAgentID       string       `json:"fromAgentId,omitempty"`
	ToAgentID         string       `json:"toAgentId,omitempty"`
	RequestedDelivery DeliveryMode `json:"requestedDelivery,omitempty"`
	AcceptedMode      DeliveryMode `json:"acceptedMode,omitempty"`

	// agent_tool_call
	ActorAgentID string `json:"actorAgentId,omitempty"`
}

// IsConversation reports whether the event belongs to the conversation
// projection (messages and runtime logs).
func (e *Event) IsConversation() bool {
	return e.Type == TypeConversationMessage || e.Type == TypeConversationLog
}

// IsActivity reports whether the event belongs to the activity projection
// (inter-agent messages and mirrored tool calls).
func (e *Event) IsActivity() bool {
	return e.Type == TypeAgentMessage || e.Type == TypeAgentToolCall
}

// DenotesCancellation reports whether a tool_execution_end payload marks an
// aborted execution rather than a failure.
func (e *Event) DenotesCancellation() bool {
	if e.Kind != KindToolExecutionEnd && e.Kind != KindMessageEnd {
		return false
	}
	text := strings.ToLower(e.Text)
	return strings.Contains(text, "[aborted]") || strings.Contains(text, "cancel")
}

// NewUserMessage builds a conversation_message for text entered by a user.
func NewUserMessage(agentID, text string, src *SourceContext, attachments []Attachment) Event {
	return Event{
		Type:          TypeConversationMessage,
		AgentID:       agentID,
		Timestamp:     time.Now().UTC(),
		Text:          text,
		Role:          RoleUser,
		Source:        SourceUserInput,
		SourceContext: src,
		Attachments:   attachments,
	}
}

// NewAssistantMessage builds a conversation_message for text the agent
// speaks to the user.
func NewAssistantMessage(agentID, text string) Event {
	return Event{
		Type:      TypeConversationMessage,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Text:      text,
		Role:      RoleAssistant,
		Source:    SourceSpeakToUser,
	}
}

// NewSystemMessage builds a conversation_message announcing a daemon-side
// condition (crash, throttling, reset).
func NewSystemMessage(agentID, text string) Event {
	return Event{
		Type:      TypeConversationMessage,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Text:      text,
		Role:      RoleSystem,
		Source:    SourceSystem,
	}
}

// NewRuntimeLog builds a conversation_log for a runtime stream phase.
func NewRuntimeLog(agentID string, kind LogKind, toolName, toolCallID, text string, isError bool) Event {
	return Event{
		Type:       TypeConversationLog,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Text:       text,
		Source:     SourceRuntimeLog,
		Kind:       kind,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		IsError:    isError,
	}
}

// NewAgentMessage builds an agent_message routed between a user or agent
// and another agent.
func NewAgentMessage(agentID, fromAgentID, toAgentID string, source EventSource, text string, requested, accepted DeliveryMode) Event {
	return Event{
		Type:              TypeAgentMessage,
		AgentID:           agentID,
		Timestamp:         time.Now().UTC(),
		Text:              text,
		Source:            source,
		FromAgentID:       fromAgentID,
		ToAgentID:         toAgentID,
		RequestedDelivery: requested,
		AcceptedMode:      accepted,
	}
}

// NewAgentToolCall builds an agent_tool_call mirroring a tool execution
// into an activity feed, attributed to the acting agent.
func NewAgentToolCall(agentID, actorAgentID string, kind LogKind, toolName, toolCallID, text string, isError bool) Event {
	return Event{
		Type:         TypeAgentToolCall,
		AgentID:      agentID,
		Timestamp:    time.Now().UTC(),
		Text:         text,
		Kind:         kind,
		ToolName:     toolName,
		ToolCallID:   toolCallID,
		IsError:      isError,
		ActorAgentID: actorAgentID,
	}
}
