package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/clawdis/clawdis/internal/app"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/deeplink"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/paths"
	"github.com/clawdis/clawdis/internal/session"
)

const version = "0.3.0"

type cli struct {
	Debug bool `help:"Enable debug logging." short:"d"`

	Gateway  gatewayCmd  `cmd:"" help:"Run the gateway (channels, scheduler, protocol server)."`
	Link     linkCmd     `cmd:"" help:"Pair a channel device."`
	Send     sendCmd     `cmd:"" help:"Send a message through a running channel."`
	URL      urlCmd      `cmd:"" name:"url" help:"Dispatch a clawdis:// deep link."`
	Sessions sessionsCmd `cmd:"" help:"Inspect the session store."`
	Cron     cronCmd     `cmd:"" help:"Manage cron jobs."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("clawdis %s\n", version)
	return nil
}

type gatewayCmd struct{}

func (gatewayCmd) Run(c *cli) error {
	runtime, err := app.New()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	L_info("clawdis gateway starting", "version", version)
	return runtime.Run(ctx)
}

type linkCmd struct {
	Channel string `arg:"" enum:"whatsapp" help:"Channel to pair (whatsapp)."`
}

func (l *linkCmd) Run() error {
	switch l.Channel {
	case "whatsapp":
		return whatsapp.LinkDevice()
	default:
		return fmt.Errorf("channel %q has no link flow", l.Channel)
	}
}

type sendCmd struct {
	Channel string `required:"" help:"Channel id (whatsapp, telegram, ...)."`
	To      string `required:"" help:"Recipient."`
	Message string `arg:"" help:"Message text."`
}

func (s *sendCmd) Run() error {
	runtime, err := app.New()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	runtime.Registry.SetIngest(func(*envelope.Envelope) {})
	runtime.Registry.StartAll(ctx)
	defer runtime.Registry.StopAll()

	return runtime.Deliverer.SendTo(ctx, s.Channel, s.To, []envelope.Payload{{Text: s.Message}})
}

type urlCmd struct {
	Link string `arg:"" help:"clawdis:// deep link."`
	Yes  bool   `help:"Skip the interactive confirmation." short:"y"`
}

func (u *urlCmd) Run() error {
	link, err := deeplink.Parse(u.Link)
	if err != nil {
		return err
	}

	cfg, _, err := config.Load()
	if err != nil {
		return err
	}

	// A valid key runs unattended; otherwise ask.
	if !link.Authorized(cfg.Auth.Token) && !u.Yes {
		fmt.Printf("Run agent with message %q? [y/N] ", link.Message)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			return fmt.Errorf("cancelled")
		}
	}

	runtime, err := app.New()
	if err != nil {
		return err
	}

	timeout := 120 * time.Second
	if link.TimeoutSeconds > 0 {
		timeout = time.Duration(link.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	runtime.Scheduler.Start(ctx)
	if link.Deliver {
		runtime.Registry.SetIngest(runtime.Scheduler.Dispatch)
		runtime.Registry.StartAll(ctx)
		defer runtime.Registry.StopAll()
	}

	env := &envelope.Envelope{
		Surface:   "webchat",
		From:      "deeplink",
		ChatType:  envelope.ChatDirect,
		Body:      link.Message,
		Timestamp: time.Now(),
	}
	if link.Channel != "" {
		env.Surface = link.Channel
	}
	if link.To != "" {
		env.From = link.To
	}
	runtime.Scheduler.Dispatch(env)

	<-ctx.Done()
	return nil
}

type sessionsCmd struct {
	List sessionsListCmd `cmd:"" default:"1" help:"List sessions."`
}

type sessionsListCmd struct{}

func (sessionsListCmd) Run() error {
	storePath, err := paths.SessionStorePath()
	if err != nil {
		return err
	}
	store, err := session.NewStore(storePath)
	if err != nil {
		return err
	}
	for _, info := range store.List() {
		name := info.DisplayName
		if name == "" {
			name = info.Key
		}
		fmt.Printf("%-40s %-12s %-20s %s\n", name, info.LastChannel, info.LastTo, info.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

type cronCmd struct {
	List cronListCmd `cmd:"" default:"1" help:"List cron jobs."`
	Run  cronRunCmd  `cmd:"" help:"Run a job immediately."`
}

type cronListCmd struct{}

func (cronListCmd) Run() error {
	runtime, err := app.New()
	if err != nil {
		return err
	}
	for _, job := range runtime.Cron.List() {
		state := "disabled"
		if job.Enabled {
			state = "enabled"
		}
		fmt.Printf("%-36s %-24s %-10s %s\n", job.ID, job.Name, state, job.Schedule.Kind)
	}
	return nil
}

type cronRunCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *cronRunCmd) Run() error {
	runtime, err := app.New()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	job, err := runtime.Cron.RunNow(ctx, c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("ran %s: %s\n", job.Name, job.State.LastStatus)
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("clawdis"),
		kong.Description("Personal messaging gateway for an LLM agent."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if c.Debug {
		level = LevelDebug
	}
	logDir, _ := paths.LogDir()
	Init(&Config{Level: level, ShowCaller: c.Debug, FileDir: logDir})

	if err := kctx.Run(&c); err != nil {
		L_fatal("clawdis: %v", err)
	}
}
