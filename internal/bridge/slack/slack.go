// Package slack runs one Slack Socket Mode connection per configured
// manager profile. Direct messages and app mentions become swarm inputs;
// assistant replies post back into the originating channel or thread.
package slack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/bridge"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/pkg/wire"
)

var errSlackNotConnected = errors.New("slack client not connected")

// Bridge is one Socket Mode connection bound to a single manager.
type Bridge struct {
	managerID string
	profile   bridge.SlackProfile
	deps      bridge.Deps
	log       *logger.Logger

	mu        sync.Mutex
	api       *slack.Client
	botUserID string
}

// New builds the transport. The client connects when Run starts.
func New(managerID string, profile bridge.SlackProfile, deps bridge.Deps) *Bridge {
	return &Bridge{
		managerID: managerID,
		profile:   profile,
		deps:      deps,
		log:       deps.Logger,
	}
}

// Run authenticates, opens the Socket Mode connection and consumes events
// until ctx is cancelled or the connection dies.
func (b *Bridge) Run(ctx context.Context) error {
	api := slack.New(b.profile.BotToken, slack.OptionAppLevelToken(b.profile.AppToken))
	auth, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}
	socket := socketmode.New(api)

	b.mu.Lock()
	b.api = api
	b.botUserID = auth.UserID
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.api = nil
		b.mu.Unlock()
	}()

	b.log.Info("slack bot authenticated",
		zap.String("bot_user_id", auth.UserID), zap.String("team", auth.Team))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.consumeEvents(runCtx, socket)
	return socket.RunContext(runCtx)
}

// Post sends one assistant reply to the channel or thread the originating
// input came from.
func (b *Bridge) Post(ctx context.Context, ev wire.Event) error {
	api := b.currentAPI()
	if api == nil {
		return errSlackNotConnected
	}
	sc := ev.SourceContext
	if sc == nil || sc.ChannelID == "" {
		return errors.New("reply carries no slack channel id")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(ev.Text, false)}
	if b.profile.RespondInThread && sc.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(sc.ThreadTS))
		if b.profile.ReplyBroadcast {
			opts = append(opts, slack.MsgOptionBroadcast())
		}
	}
	if _, _, err := api.PostMessageContext(ctx, sc.ChannelID, opts...); err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}

func (b *Bridge) currentAPI() *slack.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.api
}

func (b *Bridge) currentBotUserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.botUserID
}

func (b *Bridge) consumeEvents(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			b.handleSocketEvent(ctx, socket, evt)
		}
	}
}

func (b *Bridge) handleSocketEvent(ctx context.Context, socket *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.log.Debug("slack socket mode connecting")
	case socketmode.EventTypeConnected:
		b.deps.Status(wire.IntegrationConnected, "")
		b.log.Info("slack socket mode connected")
	case socketmode.EventTypeConnectionError:
		b.deps.Status(wire.IntegrationConnecting, "connection error")
		b.log.Warn("slack socket mode connection error")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		b.handleEventsAPI(ctx, evt, apiEvent)
	}
}

func (b *Bridge) handleEventsAPI(ctx context.Context, evt socketmode.Event, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		b.handleMessage(ctx, evt, ev)
	case *slackevents.AppMentionEvent:
		b.handleMention(ctx, evt, ev)
	}
}

// handleMessage routes direct messages. Channel traffic lands here too, but
// outside a DM only mentions count, and those arrive as AppMentionEvent.
func (b *Bridge) handleMessage(ctx context.Context, evt socketmode.Event, ev *slackevents.MessageEvent) {
	if ev.User == b.currentBotUserID() || ev.User == "" {
		return
	}
	// file_share is the one subtype a user message with uploads carries;
	// everything else is edits, deletes and bot chatter.
	if ev.SubType != "" && ev.SubType != "file_share" {
		return
	}
	if !strings.HasPrefix(ev.Channel, "D") {
		return
	}

	attachments := b.collectAttachments(evt)
	text := strings.TrimSpace(ev.Text)
	if text == "" && len(attachments) == 0 {
		return
	}

	source := &wire.SourceContext{
		Channel:     wire.ChannelSlack,
		ChannelID:   ev.Channel,
		ChannelType: "dm",
		UserID:      ev.User,
	}
	b.fillThread(source, ev.ThreadTimeStamp, ev.TimeStamp)
	b.routeInbound(ctx, text, attachments, source)
}

// handleMention routes channel mentions. The mention marker is stripped so
// the agent sees clean text.
func (b *Bridge) handleMention(ctx context.Context, evt socketmode.Event, ev *slackevents.AppMentionEvent) {
	botID := b.currentBotUserID()
	if ev.User == botID || ev.User == "" {
		return
	}
	if strings.HasPrefix(ev.Channel, "D") {
		// DMs already arrive as message events; handling the mention too
		// would double-deliver.
		return
	}

	attachments := b.collectAttachments(evt)
	text := strings.TrimSpace(stripMention(ev.Text, botID))
	if text == "" && len(attachments) == 0 {
		return
	}

	source := &wire.SourceContext{
		Channel:     wire.ChannelSlack,
		ChannelID:   ev.Channel,
		ChannelType: "channel",
		UserID:      ev.User,
	}
	b.fillThread(source, ev.ThreadTimeStamp, ev.TimeStamp)
	b.routeInbound(ctx, text, attachments, source)
}

// fillThread records which thread the reply belongs in. With
// respondInThread a top-level message starts its own thread, so its own
// timestamp becomes the marker.
func (b *Bridge) fillThread(source *wire.SourceContext, threadTS, ts string) {
	if threadTS != "" {
		source.ThreadTS = threadTS
		return
	}
	if b.profile.RespondInThread {
		source.ThreadTS = ts
	}
}

func (b *Bridge) routeInbound(ctx context.Context, text string, attachments []wire.Attachment, source *wire.SourceContext) {
	mode, err := b.deps.Sink.HandleInput(ctx, swarm.Input{
		AgentID:     b.managerID,
		Text:        text,
		Attachments: attachments,
		Source:      source,
		Delivery:    wire.DeliveryAuto,
	})
	if err != nil {
		b.log.Warn("failed to route slack message",
			zap.String("channel_id", source.ChannelID), zap.Error(err))
		return
	}
	b.log.Debug("slack message routed",
		zap.String("channel_id", source.ChannelID),
		zap.String("channel_type", source.ChannelType),
		zap.String("accepted_mode", string(mode)),
		zap.Int("attachments", len(attachments)))
}

// slackFile is the slice of upload metadata we need, read out of the raw
// socket mode request payload so message and mention events are handled
// the same way.
type slackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivateDownload string `json:"url_private_download"`
}

func extractFiles(evt socketmode.Event) []slackFile {
	if evt.Request == nil || len(evt.Request.Payload) == 0 {
		return nil
	}
	var envelope struct {
		Event struct {
			Files []slackFile `json:"files"`
		} `json:"event"`
	}
	if err := json.Unmarshal(evt.Request.Payload, &envelope); err != nil {
		return nil
	}
	return envelope.Event.Files
}

// collectAttachments downloads the event's uploads subject to the profile
// file policy. Rejections and download failures land in the conversation as
// isError logs instead of silently dropping the message.
func (b *Bridge) collectAttachments(evt socketmode.Event) []wire.Attachment {
	files := extractFiles(evt)
	if len(files) == 0 {
		return nil
	}

	policy := b.profile.FilePolicy()
	api := b.currentAPI()
	out := make([]wire.Attachment, 0, len(files))
	for _, f := range files {
		kind, err := policy.Admit(f.Mimetype, f.Size)
		if err != nil {
			b.reportError(fmt.Sprintf("slack attachment %s rejected: %v", f.Name, err))
			continue
		}
		if f.URLPrivateDownload == "" || api == nil {
			b.reportError(fmt.Sprintf("failed to download slack attachment %s: no download url", f.Name))
			continue
		}
		var buf bytes.Buffer
		if err := api.GetFile(f.URLPrivateDownload, &buf); err != nil {
			b.reportError(fmt.Sprintf("failed to download slack attachment %s: %v", f.Name, err))
			continue
		}
		att := wire.Attachment{Kind: kind, MimeType: f.Mimetype}
		if kind == wire.AttachmentText {
			att.Text = buf.String()
		} else {
			att.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
		}
		out = append(out, att)
	}
	return out
}

func stripMention(text, botUserID string) string {
	if botUserID == "" {
		return text
	}
	return strings.ReplaceAll(text, "<@"+botUserID+">", "")
}

func (b *Bridge) reportError(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.deps.Sink.ReportChannelError(ctx, b.managerID, text); err != nil {
		b.log.Warn("failed to report channel error", zap.Error(err))
	}
}
