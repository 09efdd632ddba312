// Package slack provides the Slack channel adapter using Socket Mode.
package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Slack caps messages around 40000 characters; stay well below.
const maxMessageChars = 12000

// Adapter is the Slack channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu     sync.RWMutex
	api    *slackapi.Client
	socket *socketmode.Client
	selfID string
	rt     types.RuntimeContext
	cancel context.CancelFunc
}

// New creates the adapter. The transport connects in StartAccount.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "slack", Label: "Slack", Order: 60, ShowConfigured: true}
}

// Capabilities implements types.Adapter.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		ChatTypes: []envelope.ChatType{envelope.ChatDirect, envelope.ChatChannel},
		Media:     true,
	}
}

// IsConfigured implements types.Adapter.
func (a *Adapter) IsConfigured() bool {
	cc := a.cfg()
	return cc != nil && cc.IsEnabled(false) && cc.BotToken != "" && cc.AppToken != ""
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.slack"} }

// StartAccount opens the Socket Mode connection and starts the event pump.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	cc := a.cfg()
	if cc == nil || cc.BotToken == "" {
		return fmt.Errorf("slack: bot token is required")
	}
	if cc.AppToken == "" {
		return fmt.Errorf("slack: app token is required for socket mode")
	}

	api := slackapi.New(cc.BotToken, slackapi.OptionAppLevelToken(cc.AppToken))

	auth, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}

	socket := socketmode.New(api)
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.api = api
	a.socket = socket
	a.selfID = auth.UserID
	a.rt = rt
	a.cancel = cancel
	a.mu.Unlock()

	go a.pump(runCtx)
	go func() {
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			L_error("slack: socket mode stopped", "error", err)
		}
	}()

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: true,
		StartedAt: time.Now(),
		Info:      auth.User,
	})

	L_info("slack: connected", "user", auth.User, "id", auth.UserID)
	return nil
}

// StopAccount closes the Socket Mode connection.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.api = nil
	a.socket = nil
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// pump drains socket mode events into envelopes.
func (a *Adapter) pump(ctx context.Context) {
	a.mu.RLock()
	socket := a.socket
	a.mu.RUnlock()
	if socket == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socket.Ack(*evt.Request)
				a.handleEventsAPI(apiEvent)
			case socketmode.EventTypeConnected:
				L_info("slack: socket connected")
			case socketmode.EventTypeDisconnect:
				L_warn("slack: socket disconnected")
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	a.mu.RLock()
	rt := a.rt
	selfID := a.selfID
	a.mu.RUnlock()
	if rt == nil {
		return
	}

	inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if inner.User == "" || inner.User == selfID || inner.BotID != "" {
		return
	}

	env := &envelope.Envelope{
		Surface:        "slack",
		From:           inner.Channel,
		ChatType:       envelope.ChatChannel,
		Body:           inner.Text,
		MessageID:      inner.TimeStamp,
		Timestamp:      time.Now(),
		SenderIdentity: inner.User,
		ThreadID:       inner.ThreadTimeStamp,
	}
	if inner.ChannelType == "im" {
		env.ChatType = envelope.ChatDirect
		env.From = inner.User
	}
	if selfID != "" && strings.Contains(inner.Text, "<@"+selfID+">") {
		env.WasMentioned = true
	}

	rt.Ingest(env)
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
			return "", fmt.Errorf("slack: no recipient")
		}
		return explicit, nil
	}
	if env == nil {
		return "", fmt.Errorf("slack: no envelope to reply to")
	}
	if env.ChatType == envelope.ChatDirect {
		a.mu.RLock()
		api := a.api
		a.mu.RUnlock()
		if api == nil {
			return "", fmt.Errorf("slack: not connected")
		}
		ch, _, _, err := api.OpenConversation(&slackapi.OpenConversationParameters{
			Users: []string{env.From},
		})
		if err != nil {
			return "", fmt.Errorf("slack: cannot open DM: %w", err)
		}
		return ch.ID, nil
	}
	return env.From, nil
}

// SendText implements types.Adapter.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		return "", fmt.Errorf("slack: not connected")
	}
	_, ts, err := api.PostMessage(target, slackapi.MsgOptionText(text, false))
	if err != nil {
		return "", err
	}
	return ts, nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		return "", fmt.Errorf("slack: not connected")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("slack: cannot stat media: %w", err)
	}

	_, err = api.UploadFileV2(slackapi.UploadFileV2Parameters{
		Channel:        target,
		File:           path,
		FileSize:       int(info.Size()),
		Filename:       filepath.Base(path),
		InitialComment: caption,
	})
	if err != nil {
		return "", err
	}
	return "", nil
}

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
		return []string{"slack: dmPolicy=open accepts messages from anyone"}
	}
	return nil
}

// ResolveThread implements types.Threader: replies carry the thread
// timestamp.
func (a *Adapter) ResolveThread(env *envelope.Envelope) (string, string) {
	if env == nil {
		return "", ""
	}
	return env.ThreadID, env.ReplyToID
}
