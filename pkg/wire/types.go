package wire

import "time"

// AgentRole distinguishes managers from the workers they own.
type AgentRole string

const (
	RoleManager AgentRole = "manager"
	RoleWorker  AgentRole = "worker"
)

// AgentStatus is the lifecycle state of an agent session.
type AgentStatus string

const (
	StatusSpawning         AgentStatus = "spawning"
	StatusIdle             AgentStatus = "idle"
	StatusStreaming        AgentStatus = "streaming"
	StatusTerminated       AgentStatus = "terminated"
	StatusStoppedOnRestart AgentStatus = "stopped_on_restart"
)

// Live reports whether the agent can still accept input.
func (s AgentStatus) Live() bool {
	return s == StatusSpawning || s == StatusIdle || s == StatusStreaming
}

// DeliveryMode controls how an input is scheduled onto a busy agent.
type DeliveryMode string

const (
	// DeliveryAuto resolves to steer or followUp based on whether the
	// input came from the same channel thread as the one streaming.
	DeliveryAuto DeliveryMode = "auto"
	// DeliveryFollowUp queues behind the current stream.
	DeliveryFollowUp DeliveryMode = "followUp"
	// DeliverySteer cancels the current stream and jumps the queue.
	DeliverySteer DeliveryMode = "steer"
)

// Valid reports whether the mode is one of the three known values.
func (m DeliveryMode) Valid() bool {
	return m == DeliveryAuto || m == DeliveryFollowUp || m == DeliverySteer
}

// Channel identifies the origin surface of an input.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelSlack    Channel = "slack"
	ChannelTelegram Channel = "telegram"
)

// IntegrationState is the connection state of a channel bridge profile.
type IntegrationState string

const (
	IntegrationDisabled   IntegrationState = "disabled"
	IntegrationConnecting IntegrationState = "connecting"
	IntegrationConnected  IntegrationState = "connected"
	IntegrationError      IntegrationState = "error"
)

// ModelSpec names the model an agent runs. Opaque to the daemon core.
type ModelSpec struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"modelId"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// ContextUsage reports how much of the model context window is consumed.
type ContextUsage struct {
	UsedTokens  int `json:"usedTokens"`
	TotalTokens int `json:"totalTokens"`
}

// AgentDescriptor is the wire representation of one agent.
type AgentDescriptor struct {
	AgentID      string        `json:"agentId"`
	ManagerID    string        `json:"managerId"`
	Role         AgentRole     `json:"role"`
	DisplayName  string        `json:"displayName"`
	Cwd          string        `json:"cwd"`
	Model        ModelSpec     `json:"model"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SessionFile  string        `json:"sessionFile,omitempty"`
	Status       AgentStatus   `json:"status"`
	PendingCount int           `json:"pendingCount"`
	ContextUsage *ContextUsage `json:"contextUsage,omitempty"`
}

// IsManager reports whether the descriptor is a self-owned manager.
func (d *AgentDescriptor) IsManager() bool {
	return d.Role == RoleManager && d.ManagerID == d.AgentID
}

// AttachmentKind classifies attachment payload encoding.
type AttachmentKind string

const (
	AttachmentImage  AttachmentKind = "image"
	AttachmentText   AttachmentKind = "text"
	AttachmentBinary AttachmentKind = "binary"
)

// Attachment is an input payload accompanying user text. Images and binary
// blobs carry base64 in Data; text blobs carry UTF-8 in Text.
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	MimeType string         `json:"mimeType"`
	Data     string         `json:"data,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// SourceContext identifies the external origin of an input so replies can
// be routed back to the same channel thread.
type SourceContext struct {
	Channel     Channel `json:"channel"`
	ChannelID   string  `json:"channelId,omitempty"`
	ChannelType string  `json:"channelType,omitempty"`
	UserID      string  `json:"userId,omitempty"`
	ThreadTS    string  `json:"threadTs,omitempty"`
}

// SameThread reports whether two contexts refer to the same channel
// conversation. Used to decide steer-vs-followUp for auto deliveries.
func (c *SourceContext) SameThread(other *SourceContext) bool {
	if c == nil || other == nil {
		return false
	}
	return c.Channel == other.Channel && c.ChannelID == other.ChannelID
}

// DirectoryEntry is one row of a list_directories result.
type DirectoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
