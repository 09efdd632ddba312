package heartbeat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/session"
)

func TestParseEvery(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"5", 5 * time.Minute}, // default unit is minutes
		{"30s", 30 * time.Second},
		{"2h", 2 * time.Hour},
		{"0", 0},
		{"", 0},
		{"garbage", 0},
		{"-5", 0},
	}

	for _, tt := range tests {
		if got := ParseEvery(tt.in); got != tt.want {
			t.Errorf("ParseEvery(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// scriptedEngine returns a fixed reply for every heartbeat run.
type scriptedEngine struct {
	reply string
}

func (e *scriptedEngine) Model() string { return "scripted" }

func (e *scriptedEngine) Run(ctx context.Context, req agent.Request) (*agent.Stream, error) {
	s := agent.NewStream(8)
	go func() {
		payloads := []envelope.Payload{{Text: e.reply}}
		s.Emit(agent.EventFinal{RunID: req.RunID, Payloads: payloads})
		s.Finish(agent.Result{Tag: agent.ResultOK, Payloads: payloads})
	}()
	return s, nil
}

// fakeAdapter is a minimal media-capable surface that records sends.
type fakeAdapter struct {
	id        string
	notReady  string
	allowFrom []string

	mu    sync.Mutex
	sends []string
}

func (f *fakeAdapter) Meta() types.Meta { return types.Meta{ID: f.id, Label: f.id} }
func (f *fakeAdapter) Capabilities() types.Capabilities {
	return types.Capabilities{ChatTypes: []envelope.ChatType{envelope.ChatDirect}, Media: true}
}
func (f *fakeAdapter) IsConfigured() bool                { return true }
func (f *fakeAdapter) DeliveryMode() types.DeliveryMode  { return types.DeliverMedia }
func (f *fakeAdapter) ChunkText(text string) []string    { return channels.ChunkText(text, 4096) }
func (f *fakeAdapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	rt.SetStatus(types.Status{Running: true, Connected: true})
	return nil
}
func (f *fakeAdapter) StopAccount(ctx context.Context) error { return nil }

func (f *fakeAdapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if env != nil {
		return env.From, nil
	}
	return "", nil
}

func (f *fakeAdapter) SendText(ctx context.Context, target, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, target+": "+text)
	return "", nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	return f.SendText(ctx, target, "[media] "+path)
}

func (f *fakeAdapter) HeartbeatReady() string { return f.notReady }

func (f *fakeAdapter) ResolveHeartbeatTarget(to string) (string, string) {
	if len(f.allowFrom) == 0 || channels.AllowFromIsWildcard(f.allowFrom) || channels.AllowFromMatches(f.allowFrom, to) {
		return to, ""
	}
	return f.allowFrom[0], "allowFrom-fallback"
}

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type hbFixture struct {
	hb      *Scheduler
	store   *session.Store
	adapter *fakeAdapter
	cfg     *config.Config
}

func newHBFixture(t *testing.T, reply string, adapter *fakeAdapter) *hbFixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.Agent.Heartbeat.Target = "last"

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	registry := channels.NewRegistry(func(*envelope.Envelope) {})
	registry.Register(adapter)
	registry.StartAll(context.Background())

	mediaStore, err := media.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("media.NewStore: %v", err)
	}

	cfgFn := func() *config.Config { return cfg }
	deliver := outbound.NewDeliverer(registry, cfgFn, mediaStore)
	runner := agent.NewRunner(&scriptedEngine{reply: reply})

	return &hbFixture{
		hb:      New(cfgFn, store, runner, deliver, registry, nil),
		store:   store,
		adapter: adapter,
		cfg:     cfg,
	}
}

func lastRoute(t *testing.T, store *session.Store, channel, to string) {
	t.Helper()
	ch, dest := channel, to
	if _, err := store.Patch("main", session.Patch{LastChannel: &ch, LastTo: &dest}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
}

func TestHeartbeatDeliversReply(t *testing.T) {
	adapter := &fakeAdapter{id: "testchan"}
	f := newHBFixture(t, "something needs attention", adapter)
	lastRoute(t, f.store, "testchan", "+1555")

	res := f.hb.RunOnce(context.Background())
	if res.Status != "ok" {
		t.Fatalf("status = %s (%s), want ok", res.Status, res.Reason)
	}

	sends := adapter.sent()
	if len(sends) != 1 || sends[0] != "+1555: something needs attention" {
		t.Errorf("sends = %v", sends)
	}
}

func TestHeartbeatSentinelSuppressesDelivery(t *testing.T) {
	adapter := &fakeAdapter{id: "testchan"}
	f := newHBFixture(t, "HEARTBEAT_OK", adapter)
	lastRoute(t, f.store, "testchan", "+1555")

	res := f.hb.RunOnce(context.Background())
	if res.Status != "suppressed" {
		t.Fatalf("status = %s, want suppressed", res.Status)
	}
	if sends := adapter.sent(); len(sends) != 0 {
		t.Errorf("sentinel reply was delivered: %v", sends)
	}
}

func TestHeartbeatSentinelWithContentStillDelivers(t *testing.T) {
	adapter := &fakeAdapter{id: "testchan"}
	f := newHBFixture(t, "HEARTBEAT_OK but also: the door is open", adapter)
	lastRoute(t, f.store, "testchan", "+1555")

	res := f.hb.RunOnce(context.Background())
	if res.Status != "ok" {
		t.Fatalf("status = %s, want ok", res.Status)
	}
	sends := adapter.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %v", sends)
	}
	// The sentinel itself is stripped from the delivered text.
	if sends[0] != "+1555: but also: the door is open" {
		t.Errorf("send = %q", sends[0])
	}
}

func TestHeartbeatSkipReasons(t *testing.T) {
	t.Run("no-target when target none", func(t *testing.T) {
		adapter := &fakeAdapter{id: "testchan"}
		f := newHBFixture(t, "x", adapter)
		f.cfg.Agent.Heartbeat.Target = "none"

		res := f.hb.RunOnce(context.Background())
		if res.Status != "skipped" || res.Reason != "no-target" {
			t.Errorf("result = %+v, want skipped/no-target", res)
		}
	})

	t.Run("no-target when no last route", func(t *testing.T) {
		adapter := &fakeAdapter{id: "testchan"}
		f := newHBFixture(t, "x", adapter)

		res := f.hb.RunOnce(context.Background())
		if res.Status != "skipped" || res.Reason != "no-target" {
			t.Errorf("result = %+v, want skipped/no-target", res)
		}
	})

	t.Run("channel readiness reason surfaces", func(t *testing.T) {
		adapter := &fakeAdapter{id: "testchan", notReady: "whatsapp-not-linked"}
		f := newHBFixture(t, "x", adapter)
		lastRoute(t, f.store, "testchan", "+1555")

		res := f.hb.RunOnce(context.Background())
		if res.Status != "skipped" || res.Reason != "whatsapp-not-linked" {
			t.Errorf("result = %+v, want skipped/whatsapp-not-linked", res)
		}
		if sends := adapter.sent(); len(sends) != 0 {
			t.Errorf("skipped heartbeat sent anyway: %v", sends)
		}
	})
}

func TestHeartbeatAllowFromFallback(t *testing.T) {
	adapter := &fakeAdapter{id: "testchan", allowFrom: []string{"+27000000001", "+27000000002"}}
	f := newHBFixture(t, "update", adapter)
	lastRoute(t, f.store, "testchan", "+19999999999")

	res := f.hb.RunOnce(context.Background())
	if res.Status != "ok" {
		t.Fatalf("status = %s (%s)", res.Status, res.Reason)
	}
	sends := adapter.sent()
	if len(sends) != 1 || sends[0] != "+27000000001: update" {
		t.Errorf("sends = %v, want fallback to first allowlisted number", sends)
	}
}

func TestHeartbeatRestoresUpdatedAt(t *testing.T) {
	adapter := &fakeAdapter{id: "testchan"}
	f := newHBFixture(t, "proactive note", adapter)
	lastRoute(t, f.store, "testchan", "+1555")

	before := f.store.Get("main").UpdatedAt
	time.Sleep(2 * time.Millisecond)

	if res := f.hb.RunOnce(context.Background()); res.Status != "ok" {
		t.Fatalf("status = %s", res.Status)
	}

	after := f.store.Get("main").UpdatedAt
	if !after.Equal(before) {
		t.Errorf("UpdatedAt = %v, want restored %v", after, before)
	}
}
