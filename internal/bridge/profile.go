package bridge

import (
	"fmt"
	"strings"

	"github.com/middlemanhq/middleman/pkg/wire"
)

// DefaultMaxFileBytes caps inbound attachment downloads when a profile
// leaves maxFileBytes unset. 10 MiB covers typical chat uploads.
const DefaultMaxFileBytes = 10 << 20

// SlackProfile configures one manager's Slack connection. Persisted in
// integrations/slack.json keyed by manager id.
type SlackProfile struct {
	Enabled         bool   `json:"enabled"`
	BotToken        string `json:"botToken"`
	AppToken        string `json:"appToken"`
	RespondInThread bool   `json:"respondInThread"`
	ReplyBroadcast  bool   `json:"replyBroadcast"`
	AllowImages     bool   `json:"allowImages"`
	AllowText       bool   `json:"allowText"`
	AllowBinary     bool   `json:"allowBinary"`
	MaxFileBytes    int64  `json:"maxFileBytes"`
}

// Masked returns a copy safe to return over the API: tokens reduced to a
// four-character preview.
func (p SlackProfile) Masked() SlackProfile {
	p.BotToken = maskSecret(p.BotToken)
	p.AppToken = maskSecret(p.AppToken)
	return p
}

// FilePolicy derives the attachment admission rules for this profile.
func (p SlackProfile) FilePolicy() FilePolicy {
	return FilePolicy{
		AllowImages:  p.AllowImages,
		AllowText:    p.AllowText,
		AllowBinary:  p.AllowBinary,
		MaxFileBytes: p.MaxFileBytes,
	}
}

// TelegramProfile configures one manager's Telegram bot. Persisted in
// integrations/telegram.json keyed by manager id.
type TelegramProfile struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`

	// AllowedUserIDs restricts who the bot listens to. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowedUserIds,omitempty"`

	// ReplyToInboundMessageByDefault makes every reply quote the Telegram
	// message that triggered the turn.
	ReplyToInboundMessageByDefault bool `json:"replyToInboundMessageByDefault"`

	AllowImages  bool  `json:"allowImages"`
	AllowText    bool  `json:"allowText"`
	AllowBinary  bool  `json:"allowBinary"`
	MaxFileBytes int64 `json:"maxFileBytes"`
}

// Masked returns a copy safe to return over the API.
func (p TelegramProfile) Masked() TelegramProfile {
	p.Token = maskSecret(p.Token)
	return p
}

// Allows reports whether the given Telegram user may talk to the bot.
func (p TelegramProfile) Allows(userID int64) bool {
	if len(p.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range p.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// FilePolicy derives the attachment admission rules for this profile.
func (p TelegramProfile) FilePolicy() FilePolicy {
	return FilePolicy{
		AllowImages:  p.AllowImages,
		AllowText:    p.AllowText,
		AllowBinary:  p.AllowBinary,
		MaxFileBytes: p.MaxFileBytes,
	}
}

// GSuiteConfig is the daemon-wide Google Workspace configuration. The daemon
// only stores and serves it; agent skills read it through the settings API.
// Persisted in integrations/gsuite.json.
type GSuiteConfig struct {
	Enabled         bool   `json:"enabled"`
	ClientEmail     string `json:"clientEmail"`
	PrivateKey      string `json:"privateKey"`
	ImpersonateUser string `json:"impersonateUser,omitempty"`
}

// Masked returns a copy safe to return over the API.
func (c GSuiteConfig) Masked() GSuiteConfig {
	c.PrivateKey = maskSecret(c.PrivateKey)
	return c
}

// FilePolicy decides which inbound channel files become attachments.
type FilePolicy struct {
	AllowImages  bool
	AllowText    bool
	AllowBinary  bool
	MaxFileBytes int64
}

// Admit classifies a file by mime type and checks it against the policy.
// The returned kind tells the transport how to encode the payload. Size is
// checked before any download happens, so callers pass the advertised size.
func (p FilePolicy) Admit(mimeType string, size int64) (wire.AttachmentKind, error) {
	limit := p.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	if size > limit {
		return "", wire.NewProtocolError(wire.ErrorCodeAttachmentRejected,
			fmt.Sprintf("file of %d bytes exceeds the %d byte limit", size, limit))
	}

	kind := classifyMime(mimeType)
	allowed := false
	switch kind {
	case wire.AttachmentImage:
		allowed = p.AllowImages
	case wire.AttachmentText:
		allowed = p.AllowText
	case wire.AttachmentBinary:
		allowed = p.AllowBinary
	}
	if !allowed {
		return "", wire.NewProtocolError(wire.ErrorCodeAttachmentRejected,
			fmt.Sprintf("%s attachments are disabled for this profile", kind))
	}
	return kind, nil
}

// classifyMime buckets a mime type into the three attachment kinds. Unknown
// and empty types count as binary.
func classifyMime(mimeType string) wire.AttachmentKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(mt, ";"); idx >= 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return wire.AttachmentImage
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/x-yaml",
		mt == "application/yaml":
		return wire.AttachmentText
	default:
		return wire.AttachmentBinary
	}
}

// maskSecret reduces a credential to a short preview. Empty stays empty so
// the UI can tell unset from configured.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// isMasked reports whether a submitted value is one of our own previews,
// which means the client echoed the stored secret back unchanged.
func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}

// mergeSecret keeps the stored secret when the update carries an empty or
// masked value.
func mergeSecret(updated, stored string) string {
	if updated == "" || isMasked(updated) {
		return stored
	}
	return updated
}
