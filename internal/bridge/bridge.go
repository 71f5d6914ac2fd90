// Package bridge connects external chat channels to the swarm. Each manager
// can carry one Slack and one Telegram profile; the Supervisor owns the
// profile store, runs one transport per enabled profile with reconnect
// backoff, and routes assistant replies back to the channel thread their
// originating input came from.
package bridge

import (
	"context"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/pkg/wire"
)

// Sink is the swarm surface a transport delivers into. *swarm.Manager
// satisfies it; tests substitute a recorder.
type Sink interface {
	// HandleInput routes one normalized inbound message to its agent.
	HandleInput(ctx context.Context, in swarm.Input) (wire.DeliveryMode, error)
	// ReportChannelError records a failed post or attachment download in the
	// agent's conversation log.
	ReportChannelError(ctx context.Context, agentID, text string) error
}

// Transport is one live channel connection bound to a single manager.
type Transport interface {
	// Run connects and consumes inbound traffic until ctx is cancelled or
	// the connection dies. Returning nil means the remote closed cleanly;
	// the supervisor restarts either way.
	Run(ctx context.Context) error

	// Post delivers one assistant reply to the thread named by the event's
	// source context.
	Post(ctx context.Context, ev wire.Event) error
}

// Deps carries what a transport needs from its supervisor.
type Deps struct {
	Sink Sink

	// Status reports connection state changes. The supervisor broadcasts
	// them to every subscriber as slack_status / telegram_status events.
	Status func(state wire.IntegrationState, detail string)

	Logger *logger.Logger
}

// SlackFactory builds a Slack transport for one manager's profile. The
// daemon wires the real Socket Mode implementation; tests wire fakes.
type SlackFactory func(managerID string, profile SlackProfile, deps Deps) Transport

// TelegramFactory builds a Telegram transport for one manager's profile.
type TelegramFactory func(managerID string, profile TelegramProfile, deps Deps) Transport
