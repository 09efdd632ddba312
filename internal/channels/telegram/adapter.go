// Package telegram provides the Telegram channel adapter, backed by
// telebot long polling.
package telegram

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Telegram caps messages at 4096 characters.
const maxMessageChars = 4096

// Adapter is the Telegram channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu  sync.RWMutex
	bot *tele.Bot
	rt  types.RuntimeContext
}

// New creates the adapter. The transport connects in StartAccount.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "telegram", Label: "Telegram", Order: 20, ShowConfigured: true}
}

// Capabilities implements types.Adapter.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		ChatTypes:      []envelope.ChatType{envelope.ChatDirect, envelope.ChatGroup},
		Media:          true,
		Polls:          true,
		NativeCommands: true,
		Voice:          true,
	}
}

// IsConfigured implements types.Adapter.
func (a *Adapter) IsConfigured() bool {
	cc := a.cfg()
	return cc != nil && cc.IsEnabled(false) && cc.BotToken != ""
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.telegram"} }

// StartAccount connects the bot and begins long polling.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	cc := a.cfg()
	if cc == nil || cc.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  cc.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	L_debug("telegram: creating bot", "tokenLength", len(cc.BotToken))

	bot, err := tele.NewBot(pref)
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_info("telegram: connected",
		"bot", "@"+bot.Me.Username,
		"name", bot.Me.FirstName,
		"id", bot.Me.ID,
	)

	a.mu.Lock()
	a.bot = bot
	a.rt = rt
	a.mu.Unlock()

	bot.Handle(tele.OnText, a.handleMessage)
	bot.Handle(tele.OnPhoto, a.handleMessage)
	bot.Handle(tele.OnVoice, a.handleMessage)

	go bot.Start()

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: true,
		StartedAt: time.Now(),
		Info:      "@" + bot.Me.Username,
	})
	return nil
}

// StopAccount stops long polling.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	bot := a.bot
	a.bot = nil
	a.mu.Unlock()

	if bot != nil {
		bot.Stop()
	}
	return nil
}

func (a *Adapter) activeBot() *tele.Bot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot
}

// handleMessage normalizes an inbound message into an envelope.
func (a *Adapter) handleMessage(c tele.Context) error {
	a.mu.RLock()
	rt := a.rt
	bot := a.bot
	a.mu.RUnlock()
	if rt == nil || bot == nil {
		return nil
	}

	msg := c.Message()
	if msg == nil || c.Sender() == nil {
		return nil
	}

	env := &envelope.Envelope{
		Surface:    "telegram",
		From:       strconv.FormatInt(c.Chat().ID, 10),
		ChatType:   envelope.ChatDirect,
		Body:       msg.Text,
		MessageID:  strconv.Itoa(msg.ID),
		Timestamp:  msg.Time(),
		SenderName: strings.TrimSpace(c.Sender().FirstName + " " + c.Sender().LastName),
	}

	switch c.Chat().Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		env.ChatType = envelope.ChatGroup
		env.GroupSubject = c.Chat().Title
		env.SenderIdentity = strconv.FormatInt(c.Sender().ID, 10)
		if msg.ThreadID != 0 {
			// Forum topics get their own session.
			env.ThreadID = strconv.Itoa(msg.ThreadID)
		}
		if strings.Contains(msg.Text, "@"+bot.Me.Username) {
			env.WasMentioned = true
		}
	case tele.ChatChannel:
		env.ChatType = envelope.ChatChannel
		env.GroupRoom = c.Chat().Title
	}

	if msg.ReplyTo != nil {
		env.ReplyToID = strconv.Itoa(msg.ReplyTo.ID)
		env.ReplyToBody = msg.ReplyTo.Text
		if msg.ReplyTo.Sender != nil {
			env.ReplyToSender = msg.ReplyTo.Sender.Username
		}
		if msg.ReplyTo.Sender != nil && msg.ReplyTo.Sender.ID == bot.Me.ID {
			env.WasMentioned = true
		}
	}

	if msg.Photo != nil {
		if path, err := a.downloadFile(bot, &msg.Photo.File, ".jpg"); err == nil {
			env.Media = &envelope.Media{Path: path, Mime: "image/jpeg"}
			env.Body = msg.Caption
		} else {
			L_warn("telegram: photo download failed", "error", err)
		}
	}
	if msg.Voice != nil {
		if path, err := a.downloadFile(bot, &msg.Voice.File, ".ogg"); err == nil {
			env.Media = &envelope.Media{Path: path, Mime: "audio/ogg"}
		} else {
			L_warn("telegram: voice download failed", "error", err)
		}
	}

	rt.Ingest(env)
	return nil
}

// downloadFile fetches a telegram file into a temp path.
func (a *Adapter) downloadFile(bot *tele.Bot, file *tele.File, ext string) (string, error) {
	path := fmt.Sprintf("%s/clawdis-tg-%d%s", os.TempDir(), time.Now().UnixNano(), ext)
	if err := bot.Download(file, path); err != nil {
		return "", err
	}
	return path, nil
}

// ChunkText implements types.Adapter.
func (a *Adapter) ChunkText(text string) []string {
	limit := maxMessageChars
	if cc := a.cfg(); cc != nil && cc.TextChunkLimit > 0 && cc.TextChunkLimit < maxMessageChars {
		limit = cc.TextChunkLimit
	}
	return channels.ChunkText(text, limit)
}

// ResolveTarget implements types.Adapter.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if mode == types.TargetExplicit {
		if explicit == "" {
			return "", fmt.Errorf("telegram: no recipient")
		}
		return explicit, nil
	}
	if env == nil {
		return "", fmt.Errorf("telegram: no envelope to reply to")
	}
	return env.From, nil
}

// SendText implements types.Adapter. Markdown is attempted first; a parse
// error falls back to plain text so the chunk still delivers.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	bot := a.activeBot()
	if bot == nil {
		return "", fmt.Errorf("telegram: not connected")
	}
	to, err := recipient(target)
	if err != nil {
		return "", err
	}

	msg, err := bot.Send(to, text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	if err != nil && isParseError(err) {
		L_debug("telegram: markdown parse failed, retrying as plain text")
		msg, err = bot.Send(to, text)
	}
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	bot := a.activeBot()
	if bot == nil {
		return "", fmt.Errorf("telegram: not connected")
	}
	to, err := recipient(target)
	if err != nil {
		return "", err
	}

	photo := &tele.Photo{File: tele.FromDisk(path), Caption: caption}
	msg, err := bot.Send(to, photo)
	if err != nil {
		// Non-image media goes out as a document.
		doc := &tele.Document{File: tele.FromDisk(path), Caption: caption}
		msg, err = bot.Send(to, doc)
	}
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.ID), nil
}

// SendVoice implements types.VoiceSender.
func (a *Adapter) SendVoice(ctx context.Context, target, path string) error {
	bot := a.activeBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	to, err := recipient(target)
	if err != nil {
		return err
	}
	_, err = bot.Send(to, &tele.Voice{File: tele.FromDisk(path)})
	return err
}

// SendPoll implements types.PollSender.
func (a *Adapter) SendPoll(ctx context.Context, target, question string, options []string) error {
	bot := a.activeBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	to, err := recipient(target)
	if err != nil {
		return err
	}

	poll := &tele.Poll{Type: tele.PollRegular, Question: question}
	for _, opt := range options {
		poll.AddOptions(opt)
	}
	_, err = bot.Send(to, poll)
	return err
}

// PollMaxOptions implements types.PollSender.
func (a *Adapter) PollMaxOptions() int { return 10 }

// DMPolicy implements types.SecurityAuditor.
func (a *Adapter) DMPolicy() string {
	cc := a.cfg()
	if cc == nil || cc.DMPolicy == "" {
		return "allowlist"
	}
	return cc.DMPolicy
}

// CollectWarnings implements types.SecurityAuditor.
func (a *Adapter) CollectWarnings() []string {
	cc := a.cfg()
	if cc == nil {
		return nil
	}
	if cc.DMPolicy == "open" {
		return []string{"telegram: dmPolicy=open accepts messages from anyone"}
	}
	return nil
}

// recipient parses a chat id string into a telebot recipient.
func recipient(target string) (tele.Recipient, error) {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q", target)
	}
	return tele.ChatID(id), nil
}

// isParseError detects Telegram's entity parsing failures.
func isParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "parse")
}
