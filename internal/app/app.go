// Package app is the composition root: it builds the runtime value that
// wires config, channels, scheduler, gateway, heartbeat, and cron
// together. Nothing here is global; tests construct their own runtimes.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/discord"
	"github.com/clawdis/clawdis/internal/channels/imessage"
	"github.com/clawdis/clawdis/internal/channels/signal"
	"github.com/clawdis/clawdis/internal/channels/slack"
	"github.com/clawdis/clawdis/internal/channels/telegram"
	"github.com/clawdis/clawdis/internal/channels/webchat"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/heartbeat"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/paths"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"
	"github.com/clawdis/clawdis/internal/skills"
)

// Runtime is the assembled gateway process.
type Runtime struct {
	Watcher     *config.Watcher
	Store       *session.Store
	Transcripts *session.Transcripts
	Registry    *channels.Registry
	Scheduler   *scheduler.Scheduler
	Deliverer   *outbound.Deliverer
	Gateway     *gateway.Server
	Heartbeat   *heartbeat.Scheduler
	Cron        *cron.Service
	Media       *media.Store
	Pairing     *policy.PairingStore

	cfgPath string
}

// Cfg returns the live configuration.
func (r *Runtime) Cfg() *config.Config {
	if r.Watcher != nil {
		return r.Watcher.Current()
	}
	cfg, _, err := config.Load()
	if err != nil {
		return config.Defaults()
	}
	return cfg
}

// New assembles a runtime from the active config file.
func New() (*Runtime, error) {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return nil, err
	}

	r := &Runtime{cfgPath: cfgPath}

	r.Watcher, err = config.NewWatcher(cfgPath, cfg)
	if err != nil {
		L_warn("config: watcher unavailable, hot reload disabled", "error", err)
	}
	cfgFn := r.Cfg

	// State dirs
	storePath, err := paths.SessionStorePath()
	if err != nil {
		return nil, err
	}
	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return nil, err
	}
	mediaDir := cfg.Media.Dir
	if mediaDir == "" {
		if mediaDir, err = paths.MediaDir(); err != nil {
			return nil, err
		}
	}

	r.Store, err = session.NewStore(storePath)
	if err != nil {
		return nil, err
	}
	r.Transcripts, err = session.NewTranscripts(sessionsDir)
	if err != nil {
		return nil, err
	}
	r.Media, err = media.NewStore(mediaDir, time.Duration(cfg.Media.TTLHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	r.Pairing = policy.NewPairingStore(func(channel string) (string, error) {
		return paths.CredentialPath(channel, "pairing")
	})
	gate := policy.NewGate(r.Pairing)

	// Agent engine
	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	runner := agent.NewRunner(engine)

	channelCfg := func(id string) func() *config.ChannelConfig {
		return func() *config.ChannelConfig { return cfgFn().Channels.ByID(id) }
	}

	// Channel registry; ingress is wired to the scheduler in Run.
	registry := channels.NewRegistry(nil)
	r.Registry = registry
	r.Deliverer = outbound.NewDeliverer(registry, cfgFn, r.Media)

	r.Scheduler = scheduler.New(cfgFn, r.Store, r.Transcripts, runner, gate, r.Deliverer.Deliver, nil, 4)

	// Gateway server is the scheduler's event sink.
	nodesDir, err := paths.NodesDir()
	if err != nil {
		return nil, err
	}

	r.Heartbeat = heartbeat.New(cfgFn, r.Store, runner, r.Deliverer, registry, r.Scheduler)

	cronStore := cron.NewStore("", "")
	r.Cron = cron.NewService(cronStore, runner, r.Deliverer, r.Heartbeat)

	r.Gateway = gateway.NewServer(gateway.Deps{
		Cfg:         cfgFn,
		Watcher:     r.Watcher,
		Store:       r.Store,
		Transcripts: r.Transcripts,
		Sched:       r.Scheduler,
		Registry:    registry,
		Deliverer:   r.Deliverer,
		Cron:        r.Cron,
		Heartbeat:   r.Heartbeat,
		Pairing:     r.Pairing,
		Skills:      buildSkills(cfg),
		Nodes:       nodes.NewStore(nodesDir),
	})

	// Adapters
	registry.Register(whatsapp.New(channelCfg("whatsapp"), filepath.Join(mediaDir, "inbound")))
	registry.Register(telegram.New(channelCfg("telegram")))
	registry.Register(discord.New(channelCfg("discord")))
	registry.Register(signal.New(channelCfg("signal")))
	registry.Register(imessage.New(channelCfg("imessage")))
	registry.Register(slack.New(channelCfg("slack")))
	registry.Register(webchat.New(channelCfg("webchat")))

	return r, nil
}

// buildEngine constructs the agent engine from config. A missing API key
// does not fail assembly — channel management and CLI inspection still
// work; runs error until the key is configured.
func buildEngine(cfg *config.Config) (agent.Engine, error) {
	switch cfg.Agent.Provider {
	case "", "anthropic":
		if cfg.Agent.APIKey == "" {
			L_warn("agent: no API key configured, runs will fail until agent.apiKey is set")
			return unconfiguredEngine{}, nil
		}
		return agent.NewAnthropicEngine(agent.AnthropicConfig{
			APIKey:    cfg.Agent.APIKey,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Agent.Provider)
	}
}

// unconfiguredEngine refuses runs until an API key exists.
type unconfiguredEngine struct{}

func (unconfiguredEngine) Model() string { return "" }

func (unconfiguredEngine) Run(ctx context.Context, req agent.Request) (*agent.Stream, error) {
	return nil, fmt.Errorf("agent engine not configured: set agent.apiKey in clawdis.json")
}

func buildSkills(cfg *config.Config) *skills.Manager {
	if !cfg.Skills.Enabled {
		return nil
	}
	dirs := cfg.Skills.Dirs
	if len(dirs) == 0 {
		if dir, err := paths.DataPath("skills"); err == nil {
			dirs = []string{dir}
		}
	}
	return skills.NewManager(dirs)
}

// Run starts everything and blocks until the context ends.
func (r *Runtime) Run(ctx context.Context) error {
	r.Scheduler.Start(ctx)

	// Sink wiring: the gateway fan-out observes all scheduler events.
	r.Scheduler.SetSink(r.Gateway)

	// Ingress wiring: adapters feed the scheduler.
	r.Registry.SetIngest(r.Scheduler.Dispatch)
	r.Registry.StartAll(ctx)

	cfg := r.Cfg()
	if cfg.Cron.Enabled == nil || *cfg.Cron.Enabled {
		if err := r.Cron.Start(ctx); err != nil {
			L_warn("cron: start failed", "error", err)
		}
	}

	go r.Heartbeat.Run(ctx)

	err := r.Gateway.Start(ctx)

	r.Registry.StopAll()
	r.Cron.Stop()
	r.Media.Close()
	r.Transcripts.Close()
	if r.Watcher != nil {
		r.Watcher.Stop()
	}
	return err
}
