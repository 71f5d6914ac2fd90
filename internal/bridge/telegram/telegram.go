// Package telegram runs one Telegram bot per configured manager profile.
// Inbound updates arrive over long polling and are normalized into swarm
// inputs; assistant replies are posted back into the originating chat.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/bridge"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/pkg/wire"
)

const downloadRetries = 3

var errBotNotConnected = errors.New("telegram bot not connected")

// Bridge is one Telegram bot bound to a single manager.
type Bridge struct {
	managerID   string
	profile     bridge.TelegramProfile
	pollSeconds int
	deps        bridge.Deps
	log         *logger.Logger
	httpClient  *http.Client

	mu  sync.Mutex
	bot *telego.Bot
}

// New builds the transport. The bot itself is created when Run starts, so
// a bad token surfaces as a run failure the supervisor can back off on.
func New(managerID string, profile bridge.TelegramProfile, pollSeconds int, deps bridge.Deps) *Bridge {
	return &Bridge{
		managerID:   managerID,
		profile:     profile,
		pollSeconds: pollSeconds,
		deps:        deps,
		log:         deps.Logger,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Run starts long polling and consumes updates until ctx is cancelled or
// the updates channel dies.
func (b *Bridge) Run(ctx context.Context) error {
	bot, err := telego.NewBot(b.profile.Token)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        b.pollSeconds,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	b.setBot(bot)
	defer b.setBot(nil)
	b.deps.Status(wire.IntegrationConnected, "")
	b.log.Info("telegram bot connected", zap.String("bot", bot.Username()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram updates channel closed")
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// Post sends one assistant reply into the chat named by the event's source
// context.
func (b *Bridge) Post(ctx context.Context, ev wire.Event) error {
	bot := b.currentBot()
	if bot == nil {
		return errBotNotConnected
	}
	sc := ev.SourceContext
	if sc == nil || sc.ChannelID == "" {
		return errors.New("reply carries no telegram chat id")
	}
	chatID, err := strconv.ParseInt(sc.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", sc.ChannelID, err)
	}

	params := tu.Message(tu.ID(chatID), ev.Text)
	if b.profile.ReplyToInboundMessageByDefault && sc.ThreadTS != "" {
		if mid, convErr := strconv.Atoi(sc.ThreadTS); convErr == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: mid}
		}
	}
	if _, err := bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (b *Bridge) setBot(bot *telego.Bot) {
	b.mu.Lock()
	b.bot = bot
	b.mu.Unlock()
}

func (b *Bridge) currentBot() *telego.Bot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bot
}

func (b *Bridge) handleMessage(ctx context.Context, msg *telego.Message) {
	user := msg.From
	if user == nil {
		return
	}
	if !b.profile.Allows(user.ID) {
		b.log.Debug("telegram message rejected by allowlist",
			zap.Int64("user_id", user.ID), zap.Int64("chat_id", msg.Chat.ID))
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	attachments := b.collectAttachments(ctx, msg)
	if text == "" && len(attachments) == 0 {
		return
	}

	source := &wire.SourceContext{
		Channel:   wire.ChannelTelegram,
		ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
		UserID:    strconv.FormatInt(user.ID, 10),
	}
	if b.profile.ReplyToInboundMessageByDefault {
		// Replies quote the triggering message, so its id rides along as
		// the thread marker.
		source.ThreadTS = strconv.Itoa(msg.MessageID)
	}

	mode, err := b.deps.Sink.HandleInput(ctx, swarm.Input{
		AgentID:     b.managerID,
		Text:        text,
		Attachments: attachments,
		Source:      source,
		Delivery:    wire.DeliveryAuto,
	})
	if err != nil {
		b.log.Warn("failed to route telegram message",
			zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
		return
	}
	b.log.Debug("telegram message routed",
		zap.Int64("chat_id", msg.Chat.ID),
		zap.String("accepted_mode", string(mode)),
		zap.Int("attachments", len(attachments)))
}

type inboundFile struct {
	fileID   string
	name     string
	mimeType string
	size     int64
}

// collectAttachments downloads the message's media subject to the profile
// file policy. Rejections and download failures land in the conversation as
// isError logs instead of silently dropping the message.
func (b *Bridge) collectAttachments(ctx context.Context, msg *telego.Message) []wire.Attachment {
	var files []inboundFile
	if len(msg.Photo) > 0 {
		// Telegram sends every resolution; the last one is the original.
		photo := msg.Photo[len(msg.Photo)-1]
		files = append(files, inboundFile{photo.FileID, "photo.jpg", "image/jpeg", int64(photo.FileSize)})
	}
	if msg.Document != nil {
		mt := msg.Document.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		files = append(files, inboundFile{msg.Document.FileID, name, mt, int64(msg.Document.FileSize)})
	}
	if msg.Voice != nil {
		mt := msg.Voice.MimeType
		if mt == "" {
			mt = "audio/ogg"
		}
		files = append(files, inboundFile{msg.Voice.FileID, "voice.ogg", mt, int64(msg.Voice.FileSize)})
	}
	if len(files) == 0 {
		return nil
	}

	policy := b.profile.FilePolicy()
	out := make([]wire.Attachment, 0, len(files))
	for _, f := range files {
		kind, err := policy.Admit(f.mimeType, f.size)
		if err != nil {
			b.reportError(fmt.Sprintf("telegram attachment %s rejected: %v", f.name, err))
			continue
		}
		data, err := b.download(ctx, f.fileID, policy)
		if err != nil {
			b.reportError(fmt.Sprintf("failed to download telegram attachment %s: %v", f.name, err))
			continue
		}
		att := wire.Attachment{Kind: kind, MimeType: f.mimeType}
		if kind == wire.AttachmentText {
			att.Text = string(data)
		} else {
			att.Data = base64.StdEncoding.EncodeToString(data)
		}
		out = append(out, att)
	}
	return out
}

// download fetches one file through the Bot API. The advertised size was
// already admitted; the resolved metadata and the stream are checked again
// because advertised sizes can be absent on some media.
func (b *Bridge) download(ctx context.Context, fileID string, policy bridge.FilePolicy) ([]byte, error) {
	bot := b.currentBot()
	if bot == nil {
		return nil, errBotNotConnected
	}

	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadRetries; attempt++ {
		file, err = bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadRetries {
			b.log.Debug("retrying telegram file lookup",
				zap.String("file_id", fileID), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file after %d attempts: %w", downloadRetries, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file %s", fileID)
	}

	limit := policy.MaxFileBytes
	if limit <= 0 {
		limit = bridge.DefaultMaxFileBytes
	}
	if int64(file.FileSize) > limit {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", file.FileSize, limit)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.profile.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds the %d byte limit", limit)
	}
	return data, nil
}

func (b *Bridge) reportError(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.deps.Sink.ReportChannelError(ctx, b.managerID, text); err != nil {
		b.log.Warn("failed to report channel error", zap.Error(err))
	}
}
