package wire

import "errors"

// Ready acknowledges a subscribe. SubscribedAgentID is null when no agent
// exists yet. ReconnectBackoffMillis tells clients the starting delay for
// their reconnect loop.
type Ready struct {
	Type                   MessageType `json:"type"`
	SubscriberID           string      `json:"subscriberId"`
	SubscribedAgentID      *string     `json:"subscribedAgentId"`
	ReconnectBackoffMillis int         `json:"reconnectBackoffMillis,omitempty"`
}

// NewReady builds a ready event.
func NewReady(subscriberID string, agentID *string, backoffMillis int) Ready {
	return Ready{
		Type:                   TypeReady,
		SubscriberID:           subscriberID,
		SubscribedAgentID:      agentID,
		ReconnectBackoffMillis: backoffMillis,
	}
}

// AgentsSnapshot is the full registry state, broadcast after every mutation.
type AgentsSnapshot struct {
	Type   MessageType       `json:"type"`
	Agents []AgentDescriptor `json:"agents"`
}

// NewAgentsSnapshot builds an agents_snapshot event.
func NewAgentsSnapshot(agents []AgentDescriptor) AgentsSnapshot {
	return AgentsSnapshot{Type: TypeAgentsSnapshot, Agents: agents}
}

// AgentStatusEvent is a single-agent status delta.
type AgentStatusEvent struct {
	Type         MessageType   `json:"type"`
	AgentID      string        `json:"agentId"`
	Status       AgentStatus   `json:"status"`
	PendingCount int           `json:"pendingCount"`
	ContextUsage *ContextUsage `json:"contextUsage,omitempty"`
}

// NewAgentStatus builds an agent_status event.
func NewAgentStatus(agentID string, status AgentStatus, pendingCount int, usage *ContextUsage) AgentStatusEvent {
	return AgentStatusEvent{
		Type:         TypeAgentStatus,
		AgentID:      agentID,
		Status:       status,
		PendingCount: pendingCount,
		ContextUsage: usage,
	}
}

// ConversationHistory replays an agent's history in both projections.
// Sent once when a subscriber attaches or switches agents.
type ConversationHistory struct {
	Type         MessageType `json:"type"`
	AgentID      string      `json:"agentId"`
	Conversation []Event     `json:"conversation"`
	Activity     []Event     `json:"activity"`
}

// NewConversationHistory builds a conversation_history replay payload.
func NewConversationHistory(agentID string, conversation, activity []Event) ConversationHistory {
	if conversation == nil {
		conversation = []Event{}
	}
	if activity == nil {
		activity = []Event{}
	}
	return ConversationHistory{
		Type:         TypeConversationHistory,
		AgentID:      agentID,
		Conversation: conversation,
		Activity:     activity,
	}
}

// ConversationReset announces that an agent's history was cleared.
type ConversationReset struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
	Reason  string      `json:"reason,omitempty"`
}

// NewConversationReset builds a conversation_reset event.
func NewConversationReset(agentID, reason string) ConversationReset {
	return ConversationReset{Type: TypeConversationReset, AgentID: agentID, Reason: reason}
}

// ManagerCreated is the success response to create_manager.
type ManagerCreated struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Manager   AgentDescriptor `json:"manager"`
}

// NewManagerCreated builds a manager_created response.
func NewManagerCreated(requestID string, manager AgentDescriptor) ManagerCreated {
	return ManagerCreated{Type: TypeManagerCreated, RequestID: requestID, Manager: manager}
}

// ManagerDeleted is the success response to delete_manager.
type ManagerDeleted struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	ManagerID string      `json:"managerId"`
}

// NewManagerDeleted builds a manager_deleted response.
func NewManagerDeleted(requestID, managerID string) ManagerDeleted {
	return ManagerDeleted{Type: TypeManagerDeleted, RequestID: requestID, ManagerID: managerID}
}

// StopAllAgentsResult reports which workers stopped and whether the manager
// itself stopped.
type StopAllAgentsResult struct {
	Type             MessageType `json:"type"`
	RequestID        string      `json:"requestId,omitempty"`
	ManagerID        string      `json:"managerId"`
	StoppedWorkerIDs []string    `json:"stoppedWorkerIds"`
	ManagerStopped   bool        `json:"managerStopped"`
}

// NewStopAllAgentsResult builds a stop_all_agents_result response.
func NewStopAllAgentsResult(requestID, managerID string, stopped []string, managerStopped bool) StopAllAgentsResult {
	if stopped == nil {
		stopped = []string{}
	}
	return StopAllAgentsResult{
		Type:             TypeStopAllAgentsResult,
		RequestID:        requestID,
		ManagerID:        managerID,
		StoppedWorkerIDs: stopped,
		ManagerStopped:   managerStopped,
	}
}

// DirectoriesListed is the response to list_directories.
type DirectoriesListed struct {
	Type      MessageType      `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Path      string           `json:"path"`
	Entries   []DirectoryEntry `json:"entries"`
}

// NewDirectoriesListed builds a directories_listed response.
func NewDirectoriesListed(requestID, path string, entries []DirectoryEntry) DirectoriesListed {
	if entries == nil {
		entries = []DirectoryEntry{}
	}
	return DirectoriesListed{Type: TypeDirectoriesListed, RequestID: requestID, Path: path, Entries: entries}
}

// DirectoryValidated is the response to validate_directory.
type DirectoryValidated struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Path      string      `json:"path"`
	Valid     bool        `json:"valid"`
	Reason    string      `json:"reason,omitempty"`
}

// NewDirectoryValidated builds a directory_validated response.
func NewDirectoryValidated(requestID, path string, valid bool, reason string) DirectoryValidated {
	return DirectoryValidated{Type: TypeDirectoryValidated, RequestID: requestID, Path: path, Valid: valid, Reason: reason}
}

// DirectoryPicked is the response to pick_directory. Cancelled is true when
// the user dismissed the picker without choosing.
type DirectoryPicked struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Path      string      `json:"path,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`
}

// NewDirectoryPicked builds a directory_picked response.
func NewDirectoryPicked(requestID, path string, cancelled bool) DirectoryPicked {
	return DirectoryPicked{Type: TypeDirectoryPicked, RequestID: requestID, Path: path, Cancelled: cancelled}
}

// IntegrationStatus reports a bridge profile's connection state. The Type
// field selects slack_status or telegram_status.
type IntegrationStatus struct {
	Type      MessageType      `json:"type"`
	ManagerID string           `json:"managerId,omitempty"`
	State     IntegrationState `json:"state"`
	Detail    string           `json:"detail,omitempty"`
}

// NewSlackStatus builds a slack_status event.
func NewSlackStatus(managerID string, state IntegrationState, detail string) IntegrationStatus {
	return IntegrationStatus{Type: TypeSlackStatus, ManagerID: managerID, State: state, Detail: detail}
}

// NewTelegramStatus builds a telegram_status event.
func NewTelegramStatus(managerID string, state IntegrationState, detail string) IntegrationStatus {
	return IntegrationStatus{Type: TypeTelegramStatus, ManagerID: managerID, State: state, Detail: detail}
}

// ErrorEvent carries a wire-level failure back to the client.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"requestId,omitempty"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(code, message, requestID string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message, RequestID: requestID}
}

// ErrorEventFrom converts any error into an error event, preserving the
// code and request id of ProtocolErrors.
func ErrorEventFrom(err error) ErrorEvent {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return NewErrorEvent(pe.Code, pe.Message, pe.RequestID)
	}
	return NewErrorEvent(ErrorCodeBadRequest, err.Error(), "")
}

// Pong answers a ping command.
type Pong struct {
	Type MessageType `json:"type"`
}

// NewPong builds a pong event.
func NewPong() Pong {
	return Pong{Type: TypePong}
}
