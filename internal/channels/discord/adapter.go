// Package discord provides the Discord channel adapter, backed by
// discordgo's gateway websocket.
package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Discord caps messages at 2000 characters.
const maxMessageChars = 2000

// Adapter is the Discord channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu     sync.RWMutex
	sess   *discordgo.Session
	selfID string
	rt     types.RuntimeContext
}

// New creates the adapter. The transport connects in StartAccount.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "discord", Label: "Discord", Order: 30, ShowConfigured: true}
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
	return cc != nil && cc.IsEnabled(false) && cc.BotToken != ""
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.discord"} }

// StartAccount opens the gateway websocket.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	cc := a.cfg()
	if cc == nil || cc.BotToken == "" {
		return fmt.Errorf("discord bot token not configured")
	}

	sess, err := discordgo.New("Bot " + cc.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		L_info("discord: ready", "user", r.User.Username, "id", r.User.ID)
		a.mu.Lock()
		a.selfID = r.User.ID
		a.mu.Unlock()
		a.setConnected(true)
	})
	sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		L_warn("discord: disconnected")
		a.setConnected(false)
	})
	sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		L_info("discord: resumed")
		a.setConnected(true)
	})
	sess.AddHandler(a.handleMessage)

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord: failed to open gateway: %w", err)
	}

	a.mu.Lock()
	a.sess = sess
	a.rt = rt
	a.mu.Unlock()

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: true,
		StartedAt: time.Now(),
	})
	return nil
}

// StopAccount closes the gateway websocket.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

func (a *Adapter) setConnected(connected bool) {
	a.mu.RLock()
	rt := a.rt
	a.mu.RUnlock()
	if rt == nil {
		return
	}
	st := rt.GetStatus()
	st.Connected = connected
	rt.SetStatus(st)
}

// handleMessage normalizes an inbound message into an envelope.
func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	a.mu.RLock()
	rt := a.rt
	selfID := a.selfID
	a.mu.RUnlock()
	if rt == nil || m.Author == nil || m.Author.ID == selfID || m.Author.Bot {
		return
	}

	env := &envelope.Envelope{
		Surface:        "discord",
		From:           m.ChannelID,
		ChatType:       envelope.ChatChannel,
		Body:           m.Content,
		MessageID:      m.ID,
		Timestamp:      m.Timestamp,
		SenderName:     m.Author.Username,
		SenderIdentity: m.Author.ID,
		GroupSpace:     m.GuildID,
	}

	// No guild means a DM channel.
	if m.GuildID == "" {
		env.ChatType = envelope.ChatDirect
		env.From = m.Author.ID
	} else {
		if ch, err := s.Channel(m.ChannelID); err == nil {
			env.GroupRoom = ch.Name
		}
		if guild, err := s.Guild(m.GuildID); err == nil {
			env.GroupSpace = guild.Name
		}
	}

	for _, mention := range m.Mentions {
		if mention.ID == selfID {
			env.WasMentioned = true
		}
	}
	if m.ReferencedMessage != nil {
		env.ReplyToID = m.ReferencedMessage.ID
		env.ReplyToBody = m.ReferencedMessage.Content
		if m.ReferencedMessage.Author != nil {
			env.ReplyToSender = m.ReferencedMessage.Author.Username
			if m.ReferencedMessage.Author.ID == selfID {
				env.WasMentioned = true
			}
		}
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

// ResolveTarget implements types.Adapter. Targets are channel ids; DMs
// open a user channel on demand.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if mode == types.TargetExplicit {
		if explicit == "" {
			return "", fmt.Errorf("discord: no recipient")
		}
		return explicit, nil
	}
	if env == nil {
		return "", fmt.Errorf("discord: no envelope to reply to")
	}
	if env.ChatType == envelope.ChatDirect {
		a.mu.RLock()
		sess := a.sess
		a.mu.RUnlock()
		if sess == nil {
			return "", fmt.Errorf("discord: not connected")
		}
		ch, err := sess.UserChannelCreate(env.From)
		if err != nil {
			return "", fmt.Errorf("discord: cannot open DM channel: %w", err)
		}
		return ch.ID, nil
	}
	return env.From, nil
}

// SendText implements types.Adapter.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	a.mu.RLock()
	sess := a.sess
	a.mu.RUnlock()
	if sess == nil {
		return "", fmt.Errorf("discord: not connected")
	}
	msg, err := sess.ChannelMessageSend(target, text)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	a.mu.RLock()
	sess := a.sess
	a.mu.RUnlock()
	if sess == nil {
		return "", fmt.Errorf("discord: not connected")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("discord: cannot open media: %w", err)
	}
	defer f.Close()

	msg, err := sess.ChannelMessageSendComplex(target, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{
			{Name: filepath.Base(path), Reader: f},
		},
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
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
		return []string{"discord: dmPolicy=open accepts messages from anyone"}
	}
	return nil
}
