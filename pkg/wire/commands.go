package wire

// Subscribe attaches the connection to an agent's event stream. With no
// agentId the daemon picks the primary manager.
type Subscribe struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId,omitempty"`
}

// UserMessage submits user input to an agent. With no agentId the input
// goes to the connection's currently subscribed agent.
type UserMessage struct {
	Type        MessageType  `json:"type"`
	Text        string       `json:"text"`
	AgentID     string       `json:"agentId,omitempty"`
	Delivery    DeliveryMode `json:"delivery,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// KillAgent stops a single worker. Managers are rejected with INVALID_AGENT.
type KillAgent struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
}

// CreateManager spawns a new manager agent in the given directory.
type CreateManager struct {
	Type      MessageType `json:"type"`
	Name      string      `json:"name"`
	Cwd       string      `json:"cwd"`
	Model     ModelSpec   `json:"model"`
	RequestID string      `json:"requestId,omitempty"`
}

// DeleteManager stops a manager and every worker it owns.
type DeleteManager struct {
	Type      MessageType `json:"type"`
	ManagerID string      `json:"managerId"`
	RequestID string      `json:"requestId,omitempty"`
}

// StopAllAgents stops every worker under a manager, then the manager.
type StopAllAgents struct {
	Type      MessageType `json:"type"`
	ManagerID string      `json:"managerId"`
	RequestID string      `json:"requestId,omitempty"`
}

// ListDirectories lists the subdirectories of a path (home when empty).
type ListDirectories struct {
	Type      MessageType `json:"type"`
	Path      string      `json:"path,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ValidateDirectory checks that a path exists and is a directory.
type ValidateDirectory struct {
	Type      MessageType `json:"type"`
	Path      string      `json:"path"`
	RequestID string      `json:"requestId,omitempty"`
}

// PickDirectory asks the desktop shell to open a directory picker.
type PickDirectory struct {
	Type        MessageType `json:"type"`
	DefaultPath string      `json:"defaultPath,omitempty"`
	RequestID   string      `json:"requestId,omitempty"`
}

// Ping is answered with a pong event.
type Ping struct {
	Type MessageType `json:"type"`
}
