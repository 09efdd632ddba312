// Package config defines the clawdis.json schema and its load/save/watch
// machinery. The document is a nested mapping; hot reload is keyed by
// top-level prefix (see watcher.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	"github.com/clawdis/clawdis/internal/paths"
)

// QueueMode enumerates messages.queue.mode values.
type QueueMode string

const (
	QueueInterrupt        QueueMode = "interrupt"
	QueueSteer            QueueMode = "steer"
	QueueFollowup         QueueMode = "followup"
	QueueCollect          QueueMode = "collect"
	QueueBacklogInterrupt QueueMode = "backlog-interrupt"
	QueueBacklogSteer     QueueMode = "backlog-steer"
	QueueBacklogFollowup  QueueMode = "backlog-followup"
	QueueBacklogCollect   QueueMode = "backlog-collect"
)

// IsBacklog reports whether the mode is a backlog-replay variant.
func (m QueueMode) IsBacklog() bool {
	switch m {
	case QueueBacklogInterrupt, QueueBacklogSteer, QueueBacklogFollowup, QueueBacklogCollect:
		return true
	}
	return false
}

// Base returns the non-backlog mode underlying a backlog variant.
func (m QueueMode) Base() QueueMode {
	switch m {
	case QueueBacklogInterrupt:
		return QueueInterrupt
	case QueueBacklogSteer:
		return QueueSteer
	case QueueBacklogFollowup:
		return QueueFollowup
	case QueueBacklogCollect:
		return QueueCollect
	}
	return m
}

// Valid reports whether m is a recognized queue mode.
func (m QueueMode) Valid() bool {
	switch m.Base() {
	case QueueInterrupt, QueueSteer, QueueFollowup, QueueCollect:
		return true
	}
	return false
}

// Config is the merged clawdis.json document.
type Config struct {
	Agent    AgentConfig            `json:"agent"`
	Agents   map[string]AgentConfig `json:"agents,omitempty"`
	Models   ModelsConfig           `json:"models"`
	Auth     AuthConfig             `json:"auth"`
	Channels ChannelsConfig         `json:"channels"`
	Messages MessagesConfig         `json:"messages"`
	Session  SessionConfig          `json:"session"`
	Routing  RoutingConfig          `json:"routing"`
	Skills   SkillsConfig           `json:"skills"`
	Logging  LoggingConfig          `json:"logging"`
	Gateway  GatewayConfig          `json:"gateway"`
	Web      WebConfig              `json:"web"`
	Cron     CronConfig             `json:"cron"`
	Media    MediaConfig            `json:"media"`
}

// AgentConfig configures the agent engine and heartbeat.
type AgentConfig struct {
	Provider  string          `json:"provider,omitempty"` // "anthropic" (default)
	Model     string          `json:"model,omitempty"`
	APIKey    string          `json:"apiKey,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// HeartbeatConfig configures the heartbeat scheduler.
type HeartbeatConfig struct {
	Every  string `json:"every,omitempty"`  // duration, default unit minutes; "0"/unparseable disables
	Target string `json:"target,omitempty"` // "none", "last", or a channel id
	To     string `json:"to,omitempty"`     // explicit recipient for fixed-channel targets
	Prompt string `json:"prompt,omitempty"` // override for the self-prompt text
}

// ModelsConfig names model aliases.
type ModelsConfig struct {
	Default string            `json:"default,omitempty"`
	Aliases map[string]string `json:"aliases,omitempty"`
}

// AuthConfig configures gateway authentication.
type AuthConfig struct {
	Mode     string `json:"mode,omitempty"` // "none", "token", "password", "tailscale"
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ChannelsConfig holds per-adapter account configuration.
type ChannelsConfig struct {
	WhatsApp ChannelConfig `json:"whatsapp"`
	Telegram ChannelConfig `json:"telegram"`
	Discord  ChannelConfig `json:"discord"`
	Signal   ChannelConfig `json:"signal"`
	IMessage ChannelConfig `json:"imessage"`
	Slack    ChannelConfig `json:"slack"`
	Webchat  ChannelConfig `json:"webchat"`
}

// ByID returns the config block for an adapter id, or nil.
func (c *ChannelsConfig) ByID(id string) *ChannelConfig {
	switch id {
	case "whatsapp":
		return &c.WhatsApp
	case "telegram":
		return &c.Telegram
	case "discord":
		return &c.Discord
	case "signal":
		return &c.Signal
	case "imessage":
		return &c.IMessage
	case "slack":
		return &c.Slack
	case "webchat":
		return &c.Webchat
	}
	return nil
}

// GroupConfig controls group-chat behavior for a group pattern ("*" matches all).
type GroupConfig struct {
	RequireMention bool     `json:"requireMention,omitempty"`
	Allow          []string `json:"allow,omitempty"`
}

// ChannelConfig is the shared per-adapter account block. Adapter-specific
// keys (bot tokens, app tokens) live here too; unused ones stay empty.
type ChannelConfig struct {
	Enabled         *bool                  `json:"enabled,omitempty"`
	AllowFrom       []string               `json:"allowFrom,omitempty"` // "*" wildcard admits anyone
	DMPolicy        string                 `json:"dmPolicy,omitempty"`  // "open", "pairing", "allowlist"
	GroupPolicy     string                 `json:"groupPolicy,omitempty"` // "open", "disabled", "allowlist"
	Groups          map[string]GroupConfig `json:"groups,omitempty"`
	MentionPatterns []string               `json:"mentionPatterns,omitempty"`
	BotToken        string                 `json:"botToken,omitempty"`  // telegram, discord
	AppToken        string                 `json:"appToken,omitempty"`  // slack socket mode
	RPCAddr         string                 `json:"rpcAddr,omitempty"`   // signal-cli daemon address
	Account         string                 `json:"account,omitempty"`   // signal account number
	DBPath          string                 `json:"dbPath,omitempty"`    // imessage chat.db override
	TextChunkLimit  int                    `json:"textChunkLimit,omitempty"`
	MediaMaxMb      float64                `json:"mediaMaxMb,omitempty"`
	Voice           bool                   `json:"voice,omitempty"` // send audio as voice note when supported
}

// IsEnabled reports whether the channel is switched on (default false
// except webchat, which defaults on).
func (c *ChannelConfig) IsEnabled(defaultOn bool) bool {
	if c.Enabled == nil {
		return defaultOn
	}
	return *c.Enabled
}

// QueueConfig configures the per-session scheduler.
type QueueConfig struct {
	Mode      QueueMode            `json:"mode,omitempty"` // default "collect"
	ByChannel map[string]QueueMode `json:"byChannel,omitempty"`
}

// ModeFor resolves the effective queue mode for a channel.
// Per-channel overrides win over the global default.
func (q *QueueConfig) ModeFor(channel string) QueueMode {
	if m, ok := q.ByChannel[channel]; ok && m.Valid() {
		return m
	}
	if q.Mode.Valid() {
		return q.Mode
	}
	return QueueCollect
}

// MessagesConfig configures inbound message handling.
type MessagesConfig struct {
	Queue QueueConfig `json:"queue"`
}

// SessionConfig configures session identity and storage.
type SessionConfig struct {
	Scope   string `json:"scope,omitempty"`   // "per-sender" (default) or "global"
	MainKey string `json:"mainKey,omitempty"` // default "main"
}

// RoutingConfig configures outbound routing defaults.
type RoutingConfig struct {
	DefaultChannel string `json:"defaultChannel,omitempty"`
}

// SkillsConfig configures the skill scanner.
type SkillsConfig struct {
	Enabled bool     `json:"enabled,omitempty"`
	Dirs    []string `json:"dirs,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level      string `json:"level,omitempty"` // "trace".."error"
	File       bool   `json:"file,omitempty"`  // write daily log files
	ShowCaller *bool  `json:"showCaller,omitempty"`
}

// GatewayConfig configures the WebSocket protocol server.
type GatewayConfig struct {
	Listen          string `json:"listen,omitempty"` // default "127.0.0.1:4377"
	RPCTimeoutSecs  int    `json:"rpcTimeoutSeconds,omitempty"`
	EventBufferSize int    `json:"eventBufferSize,omitempty"`
}

// WebConfig configures the webchat surface.
type WebConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// CronConfig configures the cron service.
type CronConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// MediaConfig configures the media cache and pipeline limits.
type MediaConfig struct {
	Dir      string  `json:"dir,omitempty"`
	TTLHours int     `json:"ttlHours,omitempty"`
	MaxMb    float64 `json:"maxMb,omitempty"` // image target, default 5, hard cap 6
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	webchatOn := true
	return &Config{
		Agent: AgentConfig{
			Provider: "anthropic",
			Heartbeat: HeartbeatConfig{
				Target: "last",
			},
		},
		Messages: MessagesConfig{
			Queue: QueueConfig{Mode: QueueCollect},
		},
		Session: SessionConfig{
			Scope:   "per-sender",
			MainKey: "main",
		},
		Channels: ChannelsConfig{
			// Webchat clients already authenticated at the gateway; no
			// second allowlist applies.
			Webchat: ChannelConfig{Enabled: &webchatOn, DMPolicy: "open"},
		},
		Gateway: GatewayConfig{
			Listen:          "127.0.0.1:4377",
			RPCTimeoutSecs:  10,
			EventBufferSize: 256,
		},
		Media: MediaConfig{
			TTLHours: 72,
			MaxMb:    5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads clawdis.json (if present) and merges it over the defaults.
func Load() (*Config, string, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFrom(path)
	return cfg, path, err
}

// LoadFrom reads a specific config file path. An empty path or a missing
// file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// File values override defaults.
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return cfg, nil
}

// Save persists the config atomically, rotating backups.
func Save(path string, cfg *Config) error {
	if path == "" {
		var err error
		path, err = paths.DefaultConfigPath()
		if err != nil {
			return err
		}
	}
	return BackupAndWriteJSON(path, cfg, DefaultBackupCount)
}

// Document returns the config as a generic JSON mapping, for config.get.
func Document(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDocument parses a generic mapping back into a Config, for config.put.
func FromDocument(doc map[string]any) (*Config, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, err
	}
	return cfg, nil
}
