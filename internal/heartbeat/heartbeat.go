// Package heartbeat runs the periodic, wake-triggered self-prompt that
// lets the agent speak up proactively. Every trigger path converges on
// RunOnce, which is guarded against re-entry and gated by channel
// readiness and target resolution.
package heartbeat

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"
)

// OKSentinel is the reply that means "nothing to report". A heartbeat
// whose stripped text equals the sentinel (and carries no media) is not
// delivered.
const OKSentinel = "HEARTBEAT_OK"

// DefaultPrompt is the self-prompt sent when none is configured.
const DefaultPrompt = "This is a scheduled heartbeat. Check whether anything needs the owner's attention. If nothing does, reply exactly " + OKSentinel + "."

// Result reports what one heartbeat attempt did.
type Result struct {
	Status  string `json:"status"` // "ok", "skipped", "suppressed", "error"
	Reason  string `json:"reason,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// Scheduler owns the heartbeat loop.
type Scheduler struct {
	cfg      func() *config.Config
	store    *session.Store
	runner   *agent.Runner
	deliver  *outbound.Deliverer
	registry *channels.Registry
	sched    *scheduler.Scheduler

	wake    chan struct{}
	running int32 // re-entrancy guard

	mu        sync.Mutex
	lastWake  time.Time
	coalesced bool

	now func() time.Time
}

// New creates the heartbeat scheduler.
func New(cfg func() *config.Config, store *session.Store, runner *agent.Runner, deliver *outbound.Deliverer, registry *channels.Registry, sched *scheduler.Scheduler) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		deliver:  deliver,
		registry: registry,
		sched:    sched,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// ParseEvery parses the heartbeat interval. The default unit is minutes:
// "5" means five minutes, "30s"/"2h" are honored, "0" or an unparseable
// value disables the scheduler.
func ParseEvery(s string) time.Duration {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0
	}

	// Bare number: minutes.
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0
		}
		return time.Duration(n) * time.Minute
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Run drives the interval loop until the context ends. A zero interval
// disables the timer; external wakes still work.
func (s *Scheduler) Run(ctx context.Context) {
	interval := ParseEvery(s.cfg().Agent.Heartbeat.Every)
	if interval == 0 {
		L_info("heartbeat: interval disabled, waiting for wakes only")
	} else {
		L_info("heartbeat: scheduler running", "every", interval)
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.RunOnce(ctx)
		case <-s.wake:
			s.RunOnce(ctx)
		}
	}
}

// RequestNow triggers a heartbeat outside the interval. Wakes inside the
// coalesce window collapse into one run.
func (s *Scheduler) RequestNow(coalesce time.Duration) {
	s.mu.Lock()
	if coalesce > 0 && s.now().Sub(s.lastWake) < coalesce {
		s.coalesced = true
		s.mu.Unlock()
		L_debug("heartbeat: wake coalesced")
		return
	}
	s.lastWake = s.now()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunOnce performs a single heartbeat attempt. All trigger paths (timer,
// wake, RPC) land here.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return Result{Status: "skipped", Reason: "already-running"}
	}
	defer atomic.StoreInt32(&s.running, 0)

	cfg := s.cfg()
	mainKey := cfg.Session.MainKey
	if mainKey == "" {
		mainKey = session.DefaultMainKey
	}

	// Queued work on the main lane wins over proactive prompts.
	if s.sched != nil && s.sched.PendingCount(mainKey) > 0 {
		return s.skip("requests-in-flight")
	}

	channel, to, reason := s.resolveTarget(cfg, mainKey)
	if reason != "" {
		return s.skip(reason)
	}

	// Snapshot updatedAt so the heartbeat does not artificially rank the
	// session recent.
	var prevUpdatedAt time.Time
	if entry := s.store.Get(mainKey); entry != nil {
		prevUpdatedAt = entry.UpdatedAt
	}

	prompt := cfg.Agent.Heartbeat.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	req := agent.Request{
		RunID:      uuid.New().String(),
		SessionKey: mainKey,
		Prompt:     prompt,
		Heartbeat:  true,
	}

	stream, err := s.runner.Start(ctx, req, nil)
	if err != nil {
		L_error("heartbeat: run failed to start", "error", err)
		return Result{Status: "error", Reason: err.Error()}
	}
	result := stream.Result()
	if result.Tag != agent.ResultOK {
		L_warn("heartbeat: run did not finish ok", "tag", result.Tag)
		return Result{Status: "error", Reason: string(result.Tag)}
	}

	payload := lastNonEmpty(result.Payloads)
	res := Result{Channel: channel, To: to}

	if payload == nil || suppressed(payload) {
		res.Status = "suppressed"
		res.Reason = "heartbeat-ok"
	} else {
		cleaned := *payload
		cleaned.Text = stripSentinel(cleaned.Text)
		if err := s.deliver.SendTo(ctx, channel, to, []envelope.Payload{cleaned}); err != nil {
			L_error("heartbeat: delivery failed", "channel", channel, "to", to, "error", err)
			res.Status = "error"
			res.Reason = err.Error()
		} else {
			res.Status = "ok"
			L_info("heartbeat: delivered", "channel", channel, "to", to)
		}
	}

	// Heartbeat runs are ephemeral: put the session ordering back.
	if !prevUpdatedAt.IsZero() {
		s.store.RestoreUpdatedAt(mainKey, prevUpdatedAt)
	}

	return res
}

func (s *Scheduler) skip(reason string) Result {
	L_debug("heartbeat: skipped", "reason", reason)
	return Result{Status: "skipped", Reason: reason}
}

// resolveTarget picks the delivery channel and recipient. A non-empty
// reason means skip.
func (s *Scheduler) resolveTarget(cfg *config.Config, mainKey string) (channel, to, reason string) {
	target := cfg.Agent.Heartbeat.Target
	if target == "" {
		target = "last"
	}
	if target == "none" {
		return "", "", "no-target"
	}

	entry := s.store.Get(mainKey)

	if target == "last" {
		if entry == nil || entry.LastChannel == "" || entry.LastTo == "" {
			return "", "", "no-target"
		}
		// lastChannel never holds "webchat"; a disabled adapter is
		// treated as no-target.
		channel = entry.LastChannel
		to = entry.LastTo
	} else {
		channel = target
		to = cfg.Agent.Heartbeat.To
		if to == "" && entry != nil && entry.LastChannel == channel {
			to = entry.LastTo
		}
		if to == "" {
			return "", "", "no-target"
		}
	}

	adapter := s.registry.Active(channel)
	if adapter == nil {
		return "", "", "no-target"
	}

	// Channels that own readiness (WhatsApp) gate the run and may
	// substitute an allowlisted recipient.
	if gate, ok := adapter.(types.HeartbeatGate); ok {
		if r := gate.HeartbeatReady(); r != "" {
			return "", "", r
		}
		resolved, why := gate.ResolveHeartbeatTarget(to)
		if resolved == "" {
			return "", "", "no-target"
		}
		if why != "" {
			L_debug("heartbeat: target substituted", "reason", why, "to", resolved)
		}
		to = resolved
	}

	return channel, to, ""
}

// lastNonEmpty picks the heartbeat's output payload: the last payload
// that carries text or media.
func lastNonEmpty(payloads []envelope.Payload) *envelope.Payload {
	for i := len(payloads) - 1; i >= 0; i-- {
		if !payloads[i].Empty() {
			return &payloads[i]
		}
	}
	return nil
}

// suppressed reports whether a payload is sentinel-only.
func suppressed(p *envelope.Payload) bool {
	return stripSentinel(p.Text) == "" && len(p.AllMedia()) == 0
}

// stripSentinel removes the HEARTBEAT_OK token and surrounding whitespace.
func stripSentinel(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, OKSentinel, ""))
}
