package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/events"
	"github.com/middlemanhq/middleman/internal/events/bus"
	"github.com/middlemanhq/middleman/internal/state"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/internal/tracing"
	"github.com/middlemanhq/middleman/pkg/wire"
)

const (
	slackChannel    = "slack"
	telegramChannel = "telegram"
	gsuiteName      = "gsuite"

	// Reconnect backoff for a dead transport.
	reconnectMin = time.Second
	reconnectMax = time.Minute

	// errorAfterFailures is how many consecutive failed runs flip a profile
	// from connecting to error. Reconnect attempts continue either way.
	errorAfterFailures = 3

	// Outbound post retry schedule.
	postAttempts   = 3
	postRetryDelay = 500 * time.Millisecond
	postTimeout    = 15 * time.Second

	// outboundQueueSize bounds undelivered replies per profile. Bus handlers
	// must never block, so overflow drops the reply and records an error in
	// the conversation instead.
	outboundQueueSize = 64

	// stopWait caps how long a reconfigure waits for the old transport to
	// wind down before the replacement starts.
	stopWait = 5 * time.Second
)

var errNotConnected = errors.New("transport not connected")

// InboundRecord is the bus payload for one accepted inbound channel
// message. Attachment payloads stay off the bus; only the count travels.
type InboundRecord struct {
	Channel      string              `json:"channel"`
	ManagerID    string              `json:"managerId"`
	Text         string              `json:"text"`
	Attachments  int                 `json:"attachments"`
	Source       *wire.SourceContext `json:"sourceContext,omitempty"`
	AcceptedMode wire.DeliveryMode   `json:"acceptedMode,omitempty"`
}

type instanceKey struct {
	channel   string
	managerID string
}

// instance is one running transport plus its outbound reply queue.
type instance struct {
	channel   string
	managerID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	posts  chan wire.Event

	mu        sync.Mutex
	transport Transport
	state     wire.IntegrationState
	detail    string
	connected bool
}

func (i *instance) setTransport(t Transport) {
	i.mu.Lock()
	i.transport = t
	i.mu.Unlock()
}

func (i *instance) currentTransport() Transport {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transport
}

func (i *instance) status() (wire.IntegrationState, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.detail
}

func (i *instance) beginRun() {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
}

func (i *instance) sawConnected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected
}

// Supervisor owns every channel profile and its transport. It loads
// profiles from the state store, keeps enabled transports alive with
// reconnect backoff, routes assistant replies back to their channel and
// serves the settings API.
type Supervisor struct {
	bus    bus.EventBus
	store  *state.Store
	sink   Sink
	logger *logger.Logger

	newSlack    SlackFactory
	newTelegram TelegramFactory

	// Retry pacing, overridable in tests.
	reconnectMin   time.Duration
	reconnectMax   time.Duration
	postRetryDelay time.Duration

	mu        sync.Mutex
	slack     map[string]SlackProfile
	telegram  map[string]TelegramProfile
	gsuite    GSuiteConfig
	instances map[instanceKey]*instance

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []bus.Subscription
}

// NewSupervisor wires a supervisor. Transports are built through the
// factories so the daemon can inject the real Slack and Telegram
// implementations and tests can inject fakes.
func NewSupervisor(eventBus bus.EventBus, store *state.Store, sink Sink, newSlack SlackFactory, newTelegram TelegramFactory, log *logger.Logger) *Supervisor {
	return &Supervisor{
		bus:            eventBus,
		store:          store,
		sink:           sink,
		logger:         log.WithFields(zap.String("component", "bridge-supervisor")),
		newSlack:       newSlack,
		newTelegram:    newTelegram,
		reconnectMin:   reconnectMin,
		reconnectMax:   reconnectMax,
		postRetryDelay: postRetryDelay,
		slack:          make(map[string]SlackProfile),
		telegram:       make(map[string]TelegramProfile),
		instances:      make(map[instanceKey]*instance),
	}
}

// Start loads persisted profiles, launches every enabled transport and
// begins routing outbound replies.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadProfilesLocked(); err != nil {
		return err
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	type subscription struct {
		subject string
		handler bus.EventHandler
	}
	for _, sub := range []subscription{
		{events.BuildConversationWildcardSubject(), s.onConversationEvent},
		{events.ManagerDeleted, s.onManagerDeleted},
	} {
		handle, err := s.bus.Subscribe(sub.subject, sub.handler)
		if err != nil {
			s.cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, handle)
	}

	for managerID, profile := range s.slack {
		if profile.Enabled {
			s.startSlackLocked(managerID, profile)
		}
	}
	for managerID, profile := range s.telegram {
		if profile.Enabled {
			s.startTelegramLocked(managerID, profile)
		}
	}

	s.logger.Info("bridge supervisor started",
		zap.Int("slack_profiles", len(s.slack)),
		zap.Int("telegram_profiles", len(s.telegram)))
	return nil
}

// Stop cancels every transport and waits for them to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.logger.Info("bridge supervisor stopped")
}

func (s *Supervisor) loadProfilesLocked() error {
	if _, err := s.store.LoadIntegration(slackChannel, &s.slack); err != nil {
		return fmt.Errorf("failed to load slack profiles: %w", err)
	}
	if _, err := s.store.LoadIntegration(telegramChannel, &s.telegram); err != nil {
		return fmt.Errorf("failed to load telegram profiles: %w", err)
	}
	if _, err := s.store.LoadIntegration(gsuiteName, &s.gsuite); err != nil {
		return fmt.Errorf("failed to load gsuite config: %w", err)
	}
	if s.slack == nil {
		s.slack = make(map[string]SlackProfile)
	}
	if s.telegram == nil {
		s.telegram = make(map[string]TelegramProfile)
	}
	return nil
}

func (s *Supervisor) startSlackLocked(managerID string, profile SlackProfile) {
	if s.runCtx == nil {
		return
	}
	key := instanceKey{slackChannel, managerID}
	if _, ok := s.instances[key]; ok {
		return
	}
	inst := s.newInstanceLocked(slackChannel, managerID)
	s.wg.Add(2)
	go s.runTransport(inst, func(deps Deps) Transport {
		return s.newSlack(managerID, profile, deps)
	})
	go s.postLoop(inst)
}

func (s *Supervisor) startTelegramLocked(managerID string, profile TelegramProfile) {
	if s.runCtx == nil {
		return
	}
	key := instanceKey{telegramChannel, managerID}
	if _, ok := s.instances[key]; ok {
		return
	}
	inst := s.newInstanceLocked(telegramChannel, managerID)
	s.wg.Add(2)
	go s.runTransport(inst, func(deps Deps) Transport {
		return s.newTelegram(managerID, profile, deps)
	})
	go s.postLoop(inst)
}

func (s *Supervisor) newInstanceLocked(channel, managerID string) *instance {
	ctx, cancel := context.WithCancel(s.runCtx)
	inst := &instance{
		channel:   channel,
		managerID: managerID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		posts:     make(chan wire.Event, outboundQueueSize),
		state:     wire.IntegrationDisabled,
	}
	s.instances[instanceKey{channel, managerID}] = inst
	return inst
}

func (s *Supervisor) stopInstanceLocked(channel, managerID string) *instance {
	key := instanceKey{channel, managerID}
	inst, ok := s.instances[key]
	if !ok {
		return nil
	}
	delete(s.instances, key)
	inst.cancel()
	return inst
}

// awaitInstance waits briefly for a cancelled transport to wind down so a
// replacement does not race the old connection for the same token.
func (s *Supervisor) awaitInstance(inst *instance) {
	if inst == nil {
		return
	}
	select {
	case <-inst.done:
	case <-time.After(stopWait):
		s.logger.Warn("old transport slow to stop",
			zap.String("channel", inst.channel),
			zap.String("manager_id", inst.managerID))
	}
}

// runTransport keeps one transport alive until its instance is cancelled.
// Failed runs back off exponentially; after errorAfterFailures consecutive
// failures the profile status flips to error while retries continue.
func (s *Supervisor) runTransport(inst *instance, build func(Deps) Transport) {
	defer s.wg.Done()
	defer close(inst.done)

	deps := Deps{
		Sink: &recordingSink{s: s, inst: inst},
		Status: func(state wire.IntegrationState, detail string) {
			s.setStatus(inst, state, detail)
		},
		Logger: s.logger.WithFields(
			zap.String("channel", inst.channel),
			zap.String("manager_id", inst.managerID)),
	}

	backoff := s.reconnectMin
	failures := 0
	for {
		inst.beginRun()
		s.setStatus(inst, wire.IntegrationConnecting, "")

		transport := build(deps)
		inst.setTransport(transport)
		err := transport.Run(inst.ctx)
		inst.setTransport(nil)

		if inst.ctx.Err() != nil {
			return
		}

		// A run that made it to connected starts a fresh failure count.
		if inst.sawConnected() {
			failures = 0
			backoff = s.reconnectMin
		}
		failures++

		detail := "connection closed"
		if err != nil {
			detail = err.Error()
		}
		if failures >= errorAfterFailures {
			s.setStatus(inst, wire.IntegrationError, detail)
		} else {
			s.setStatus(inst, wire.IntegrationConnecting, detail)
		}
		s.logger.Warn("bridge transport exited",
			zap.String("channel", inst.channel),
			zap.String("manager_id", inst.managerID),
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_in", backoff),
			zap.Error(err))

		select {
		case <-inst.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.reconnectMax {
			backoff = s.reconnectMax
		}
	}
}

// postLoop drains one instance's outbound replies.
func (s *Supervisor) postLoop(inst *instance) {
	defer s.wg.Done()
	for {
		select {
		case <-inst.ctx.Done():
			return
		case ev := <-inst.posts:
			s.postWithRetry(inst, ev)
		}
	}
}

// postWithRetry delivers one reply with bounded retries. Exhausted retries
// surface in the conversation as an isError log; they never block or kill
// the event stream.
func (s *Supervisor) postWithRetry(inst *instance, ev wire.Event) {
	delay := s.postRetryDelay
	var lastErr error
	for attempt := 0; attempt < postAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-inst.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		transport := inst.currentTransport()
		if transport == nil {
			lastErr = errNotConnected
			continue
		}
		ctx, cancel := context.WithTimeout(inst.ctx, postTimeout)
		sctx, span := tracing.TraceBridgeSend(ctx, inst.channel, ev.AgentID)
		err := transport.Post(sctx, ev)
		tracing.TraceBridgeResult(span, err)
		span.End()
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.logger.Warn("outbound post failed",
			zap.String("channel", inst.channel),
			zap.String("manager_id", inst.managerID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	text := fmt.Sprintf("failed to deliver reply to %s: %v", inst.channel, lastErr)
	if err := s.sink.ReportChannelError(ctx, ev.AgentID, text); err != nil {
		s.logger.Warn("failed to report channel error",
			zap.String("agent_id", ev.AgentID), zap.Error(err))
	}
}

// setStatus records a state change and broadcasts it when it differs from
// the previous one.
func (s *Supervisor) setStatus(inst *instance, st wire.IntegrationState, detail string) {
	inst.mu.Lock()
	changed := inst.state != st || inst.detail != detail
	inst.state = st
	inst.detail = detail
	if st == wire.IntegrationConnected {
		inst.connected = true
	}
	inst.mu.Unlock()
	if !changed {
		return
	}
	s.publishStatus(inst.channel, inst.managerID, st, detail)
}

func (s *Supervisor) publishStatus(channel, managerID string, st wire.IntegrationState, detail string) {
	var payload interface{}
	if channel == slackChannel {
		payload = wire.NewSlackStatus(managerID, st, detail)
	} else {
		payload = wire.NewTelegramStatus(managerID, st, detail)
	}
	subject := events.BuildBridgeStatusSubject(channel)
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(events.BridgeStatus, "bridge-supervisor", payload)); err != nil {
		s.logger.Warn("failed to publish bridge status",
			zap.String("subject", subject), zap.Error(err))
	}
	s.logger.Info("bridge status changed",
		zap.String("channel", channel),
		zap.String("manager_id", managerID),
		zap.String("state", string(st)),
		zap.String("detail", detail))
}

// onConversationEvent picks out assistant replies whose originating input
// came from Slack or Telegram and queues them for the owning profile. The
// handler runs on the publisher's goroutine and must never block.
func (s *Supervisor) onConversationEvent(_ context.Context, event *bus.Event) error {
	var ev wire.Event
	if err := rebind(event.Data, &ev); err != nil {
		s.logger.Warn("undecodable conversation event", zap.Error(err))
		return nil
	}
	if ev.Type != wire.TypeConversationMessage || ev.Role != wire.RoleAssistant || ev.Source != wire.SourceSpeakToUser {
		return nil
	}
	if ev.SourceContext == nil || strings.TrimSpace(ev.Text) == "" {
		return nil
	}

	var channel string
	switch ev.SourceContext.Channel {
	case wire.ChannelSlack:
		channel = slackChannel
	case wire.ChannelTelegram:
		channel = telegramChannel
	default:
		return nil
	}

	s.mu.Lock()
	inst := s.instances[instanceKey{channel, ev.AgentID}]
	s.mu.Unlock()
	if inst == nil {
		s.logger.Debug("no bridge for outbound reply",
			zap.String("channel", channel), zap.String("agent_id", ev.AgentID))
		return nil
	}

	select {
	case inst.posts <- ev:
	default:
		s.logger.Warn("outbound queue full, dropping reply",
			zap.String("channel", channel), zap.String("manager_id", inst.managerID))
		s.reportAsync(ev.AgentID, fmt.Sprintf("reply to %s dropped: outbound queue full", channel))
	}
	return nil
}

// onManagerDeleted tears down the deleted manager's profiles. Transports
// are cancelled but not awaited here: the handler can run inside the swarm
// actor, and a transport goroutine may be blocked on a call back into it.
func (s *Supervisor) onManagerDeleted(_ context.Context, event *bus.Event) error {
	managerID, ok := event.Data.(string)
	if !ok {
		if err := rebind(event.Data, &managerID); err != nil {
			s.logger.Warn("undecodable manager.deleted event", zap.Error(err))
			return nil
		}
	}

	s.mu.Lock()
	_, hadSlack := s.slack[managerID]
	_, hadTelegram := s.telegram[managerID]
	if hadSlack {
		delete(s.slack, managerID)
		if err := s.store.SaveIntegration(slackChannel, s.slack); err != nil {
			s.logger.Error("failed to persist slack profiles", zap.Error(err))
		}
	}
	if hadTelegram {
		delete(s.telegram, managerID)
		if err := s.store.SaveIntegration(telegramChannel, s.telegram); err != nil {
			s.logger.Error("failed to persist telegram profiles", zap.Error(err))
		}
	}
	s.stopInstanceLocked(slackChannel, managerID)
	s.stopInstanceLocked(telegramChannel, managerID)
	s.mu.Unlock()

	if hadSlack || hadTelegram {
		s.logger.Info("removed bridge profiles for deleted manager",
			zap.String("manager_id", managerID),
			zap.Bool("slack", hadSlack),
			zap.Bool("telegram", hadTelegram))
	}
	return nil
}

// reportAsync records a delivery failure without blocking the caller. Bus
// handlers can run inside the swarm actor, where a synchronous
// ReportChannelError would deadlock.
func (s *Supervisor) reportAsync(agentID, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := s.sink.ReportChannelError(ctx, agentID, text); err != nil {
			s.logger.Warn("failed to report channel error",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}()
}

// ConfigureSlack creates or updates a manager's Slack profile and restarts
// its transport. Masked or empty secrets keep their stored values, so the
// UI can echo a config back without ever holding the real tokens.
func (s *Supervisor) ConfigureSlack(managerID string, p SlackProfile) (SlackProfile, error) {
	s.mu.Lock()
	stored := s.slack[managerID]
	p.BotToken = mergeSecret(p.BotToken, stored.BotToken)
	p.AppToken = mergeSecret(p.AppToken, stored.AppToken)
	if p.Enabled && (p.BotToken == "" || p.AppToken == "") {
		s.mu.Unlock()
		return SlackProfile{}, wire.NewProtocolError(wire.ErrorCodeIntegrationAuthFailed,
			"slack profile needs botToken and appToken")
	}

	next := maps.Clone(s.slack)
	next[managerID] = p
	if err := s.store.SaveIntegration(slackChannel, next); err != nil {
		s.mu.Unlock()
		return SlackProfile{}, fmt.Errorf("failed to persist slack profiles: %w", err)
	}
	s.slack = next
	old := s.stopInstanceLocked(slackChannel, managerID)
	s.mu.Unlock()

	s.awaitInstance(old)
	if p.Enabled {
		s.mu.Lock()
		s.startSlackLocked(managerID, p)
		s.mu.Unlock()
	} else {
		s.publishStatus(slackChannel, managerID, wire.IntegrationDisabled, "")
	}
	return p.Masked(), nil
}

// ConfigureTelegram creates or updates a manager's Telegram profile and
// restarts its transport.
func (s *Supervisor) ConfigureTelegram(managerID string, p TelegramProfile) (TelegramProfile, error) {
	s.mu.Lock()
	stored := s.telegram[managerID]
	p.Token = mergeSecret(p.Token, stored.Token)
	if p.Enabled && p.Token == "" {
		s.mu.Unlock()
		return TelegramProfile{}, wire.NewProtocolError(wire.ErrorCodeIntegrationAuthFailed,
			"telegram profile needs a bot token")
	}

	next := maps.Clone(s.telegram)
	next[managerID] = p
	if err := s.store.SaveIntegration(telegramChannel, next); err != nil {
		s.mu.Unlock()
		return TelegramProfile{}, fmt.Errorf("failed to persist telegram profiles: %w", err)
	}
	s.telegram = next
	old := s.stopInstanceLocked(telegramChannel, managerID)
	s.mu.Unlock()

	s.awaitInstance(old)
	if p.Enabled {
		s.mu.Lock()
		s.startTelegramLocked(managerID, p)
		s.mu.Unlock()
	} else {
		s.publishStatus(telegramChannel, managerID, wire.IntegrationDisabled, "")
	}
	return p.Masked(), nil
}

// DeleteSlack removes a manager's Slack profile entirely.
func (s *Supervisor) DeleteSlack(managerID string) error {
	s.mu.Lock()
	if _, ok := s.slack[managerID]; !ok {
		s.mu.Unlock()
		return nil
	}
	next := maps.Clone(s.slack)
	delete(next, managerID)
	if err := s.store.SaveIntegration(slackChannel, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist slack profiles: %w", err)
	}
	s.slack = next
	old := s.stopInstanceLocked(slackChannel, managerID)
	s.mu.Unlock()

	s.awaitInstance(old)
	s.publishStatus(slackChannel, managerID, wire.IntegrationDisabled, "")
	return nil
}

// DeleteTelegram removes a manager's Telegram profile entirely.
func (s *Supervisor) DeleteTelegram(managerID string) error {
	s.mu.Lock()
	if _, ok := s.telegram[managerID]; !ok {
		s.mu.Unlock()
		return nil
	}
	next := maps.Clone(s.telegram)
	delete(next, managerID)
	if err := s.store.SaveIntegration(telegramChannel, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist telegram profiles: %w", err)
	}
	s.telegram = next
	old := s.stopInstanceLocked(telegramChannel, managerID)
	s.mu.Unlock()

	s.awaitInstance(old)
	s.publishStatus(telegramChannel, managerID, wire.IntegrationDisabled, "")
	return nil
}

// SlackSettings returns the masked profile and live status for one manager.
// A manager with no profile reads as a zero profile in the disabled state.
func (s *Supervisor) SlackSettings(managerID string) (SlackProfile, wire.IntegrationState, string) {
	s.mu.Lock()
	profile := s.slack[managerID]
	inst := s.instances[instanceKey{slackChannel, managerID}]
	s.mu.Unlock()

	if !profile.Enabled || inst == nil {
		return profile.Masked(), wire.IntegrationDisabled, ""
	}
	st, detail := inst.status()
	return profile.Masked(), st, detail
}

// TelegramSettings returns the masked profile and live status for one
// manager.
func (s *Supervisor) TelegramSettings(managerID string) (TelegramProfile, wire.IntegrationState, string) {
	s.mu.Lock()
	profile := s.telegram[managerID]
	inst := s.instances[instanceKey{telegramChannel, managerID}]
	s.mu.Unlock()

	if !profile.Enabled || inst == nil {
		return profile.Masked(), wire.IntegrationDisabled, ""
	}
	st, detail := inst.status()
	return profile.Masked(), st, detail
}

// GSuiteSettings returns the masked Google Workspace config.
func (s *Supervisor) GSuiteSettings() GSuiteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gsuite.Masked()
}

// ConfigureGSuite persists the Google Workspace config. The daemon does not
// hold a connection for it, so there is no transport to restart.
func (s *Supervisor) ConfigureGSuite(c GSuiteConfig) (GSuiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.PrivateKey = mergeSecret(c.PrivateKey, s.gsuite.PrivateKey)
	if c.Enabled && (c.ClientEmail == "" || c.PrivateKey == "") {
		return GSuiteConfig{}, wire.NewProtocolError(wire.ErrorCodeIntegrationAuthFailed,
			"gsuite config needs clientEmail and privateKey")
	}
	if err := s.store.SaveIntegration(gsuiteName, c); err != nil {
		return GSuiteConfig{}, fmt.Errorf("failed to persist gsuite config: %w", err)
	}
	s.gsuite = c
	return c.Masked(), nil
}

// DeleteGSuite clears the Google Workspace config.
func (s *Supervisor) DeleteGSuite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteIntegration(gsuiteName); err != nil {
		return fmt.Errorf("failed to delete gsuite config: %w", err)
	}
	s.gsuite = GSuiteConfig{}
	return nil
}

// recordingSink wraps the swarm sink so every accepted inbound message also
// lands on the bus as a normalized bridge.inbound record.
type recordingSink struct {
	s    *Supervisor
	inst *instance
}

func (r *recordingSink) HandleInput(ctx context.Context, in swarm.Input) (wire.DeliveryMode, error) {
	mode, err := r.s.sink.HandleInput(ctx, in)
	if err != nil {
		return mode, err
	}
	record := InboundRecord{
		Channel:      r.inst.channel,
		ManagerID:    r.inst.managerID,
		Text:         in.Text,
		Attachments:  len(in.Attachments),
		Source:       in.Source,
		AcceptedMode: mode,
	}
	subject := events.BuildBridgeInboundSubject(r.inst.channel)
	if err := r.s.bus.Publish(ctx, subject, bus.NewEvent(events.BridgeInbound, "bridge-supervisor", record)); err != nil {
		r.s.logger.Warn("failed to publish inbound record",
			zap.String("subject", subject), zap.Error(err))
	}
	return mode, nil
}

func (r *recordingSink) ReportChannelError(ctx context.Context, agentID, text string) error {
	return r.s.sink.ReportChannelError(ctx, agentID, text)
}

// rebind converts a bus payload into a concrete type. The memory bus hands
// back the original struct, NATS hands back generic maps; one JSON round
// trip normalizes both.
func rebind(data interface{}, v interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
