// Package wire defines the WebSocket protocol spoken between the daemon and
// UI clients: message type discriminators, command and event schemas, and the
// dispatcher that routes decoded frames to handlers.
//
// Every frame is a single JSON object carrying a "type" field. Client
// commands and server events share one namespace; the direction is implied
// by the type.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates every frame on the client WebSocket.
type MessageType string

// Client -> server commands.
const (
	TypeSubscribe         MessageType = "subscribe"
	TypeUserMessage       MessageType = "user_message"
	TypeKillAgent         MessageType = "kill_agent"
	TypeCreateManager     MessageType = "create_manager"
	TypeDeleteManager     MessageType = "delete_manager"
	TypeStopAllAgents     MessageType = "stop_all_agents"
	TypeListDirectories   MessageType = "list_directories"
	TypeValidateDirectory MessageType = "validate_directory"
	TypePickDirectory     MessageType = "pick_directory"
	TypePing              MessageType = "ping"
)

// Server -> client events.
const (
	TypeReady               MessageType = "ready"
	TypeAgentsSnapshot      MessageType = "agents_snapshot"
	TypeAgentStatus         MessageType = "agent_status"
	TypeConversationHistory MessageType = "conversation_history"
	TypeConversationMessage MessageType = "conversation_message"
	TypeConversationLog     MessageType = "conversation_log"
	TypeAgentMessage        MessageType = "agent_message"
	TypeAgentToolCall       MessageType = "agent_tool_call"
	TypeConversationReset   MessageType = "conversation_reset"
	TypeManagerCreated      MessageType = "manager_created"
	TypeManagerDeleted      MessageType = "manager_deleted"
	TypeStopAllAgentsResult MessageType = "stop_all_agents_result"
	TypeDirectoriesListed   MessageType = "directories_listed"
	TypeDirectoryValidated  MessageType = "directory_validated"
	TypeDirectoryPicked     MessageType = "directory_picked"
	TypeSlackStatus         MessageType = "slack_status"
	TypeTelegramStatus      MessageType = "telegram_status"
	TypeError               MessageType = "error"
	TypePong                MessageType = "pong"
)

// Error codes carried in error events.
const (
	ErrorCodeSpawnFailed               = "SPAWN_FAILED"
	ErrorCodeUnknownAgent              = "UNKNOWN_AGENT"
	ErrorCodeInvalidAgent              = "INVALID_AGENT"
	ErrorCodeCreateManagerFailed       = "CREATE_MANAGER_FAILED"
	ErrorCodeDeleteManagerFailed       = "DELETE_MANAGER_FAILED"
	ErrorCodeStopAllAgentsFailed       = "STOP_ALL_AGENTS_FAILED"
	ErrorCodeInvalidDirectory          = "INVALID_DIRECTORY"
	ErrorCodeRPCTimeout                = "RPC_TIMEOUT"
	ErrorCodeIntegrationAuthFailed     = "INTEGRATION_AUTH_FAILED"
	ErrorCodeIntegrationTransportError = "INTEGRATION_TRANSPORT_ERROR"
	ErrorCodeAttachmentRejected        = "ATTACHMENT_REJECTED"
	ErrorCodeRuntimeProtocolError      = "RUNTIME_PROTOCOL_ERROR"
	ErrorCodeUnknownType               = "UNKNOWN_TYPE"
	ErrorCodeBadRequest                = "BAD_REQUEST"
)

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("frame has no type field")

// ProtocolError is a wire-level failure that should be surfaced to the
// client as an error event with a stable code.
type ProtocolError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewProtocolError builds a ProtocolError with the given code and message.
func NewProtocolError(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// WithRequestID returns a copy of the error tagged with the request id so
// the client can correlate it.
func (e *ProtocolError) WithRequestID(requestID string) *ProtocolError {
	return &ProtocolError{Code: e.Code, Message: e.Message, RequestID: requestID}
}

// Peek extracts the type discriminator without decoding the full frame.
func Peek(data []byte) (MessageType, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &probe); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return "", ErrMissingType
	}
	return probe.Type, nil
}

// Encode marshals a command or event into a single JSON frame.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode unmarshals a frame into the given struct. Trailing newlines from
// newline-delimited transports are tolerated.
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(bytes.TrimSpace(data), v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
