// Package events provides event types and utilities for the Middleman event system.
package events

// Event types for agent lifecycle
const (
	AgentSpawned       = "agent.spawned"
	AgentStatusChanged = "agent.status_changed"
	AgentTerminated    = "agent.terminated"
	AgentsSnapshot     = "agents.snapshot"
)

// Event types for managers
const (
	ManagerCreated = "manager.created"
	ManagerDeleted = "manager.deleted"
)

// Event types for conversation streams
const (
	ConversationEvent = "conversation.event" // Base subject for per-agent conversation events
	ConversationReset = "conversation.reset"
)

// Event types for channel bridges
const (
	BridgeStatus  = "bridge.status"  // Integration status changes (slack, telegram)
	BridgeInbound = "bridge.inbound" // Normalized inbound messages from external channels
)

// BuildConversationSubject creates a conversation event subject for a specific agent
func BuildConversationSubject(agentID string) string {
	return ConversationEvent + "." + agentID
}

// BuildConversationWildcardSubject creates a wildcard subscription for all conversation events
func BuildConversationWildcardSubject() string {
	return ConversationEvent + ".*"
}

// BuildConversationResetSubject creates a conversation reset subject for a specific agent
func BuildConversationResetSubject(agentID string) string {
	return ConversationReset + "." + agentID
}

// BuildConversationResetWildcardSubject creates a wildcard subscription for all reset events
func BuildConversationResetWildcardSubject() string {
	return ConversationReset + ".*"
}

// BuildAgentStatusSubject creates a status subject for a specific agent
func BuildAgentStatusSubject(agentID string) string {
	return AgentStatusChanged + "." + agentID
}

// BuildAgentStatusWildcardSubject creates a wildcard subscription for all agent status events
func BuildAgentStatusWildcardSubject() string {
	return AgentStatusChanged + ".*"
}

// BuildBridgeStatusSubject creates a bridge status subject for a specific channel
func BuildBridgeStatusSubject(channel string) string {
	return BridgeStatus + "." + channel
}

// BuildBridgeStatusWildcardSubject creates a wildcard subscription for all bridge status events
func BuildBridgeStatusWildcardSubject() string {
	return BridgeStatus + ".*"
}

// BuildBridgeInboundSubject creates an inbound message subject for a specific channel
func BuildBridgeInboundSubject(channel string) string {
	return BridgeInbound + "." + channel
}

// BuildBridgeInboundWildcardSubject creates a wildcard subscription for all inbound channel messages
func BuildBridgeInboundWildcardSubject() string {
	return BridgeInbound + ".*"
}
