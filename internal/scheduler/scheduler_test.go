package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/session"
)

// fakeEngine answers every run with "echo: <prompt>" after holding the
// run open for hold, folding in any steered turns.
type fakeEngine struct {
	hold time.Duration
}

func (e *fakeEngine) Model() string { return "fake-model" }

func (e *fakeEngine) Run(ctx context.Context, req agent.Request) (*agent.Stream, error) {
	s := agent.NewStream(32)

	go func() {
		s.Emit(agent.EventStart{RunID: req.RunID, SessionKey: req.SessionKey})

		select {
		case <-ctx.Done():
			s.Finish(agent.Result{Tag: agent.ResultAborted})
			return
		case <-time.After(e.hold):
		}

		text := "echo: " + req.Prompt
		for {
			steer, ok := s.TakeSteer()
			if !ok {
				break
			}
			text += " +steer: " + steer
		}

		s.Emit(agent.EventTextDelta{RunID: req.RunID, Delta: text})
		payloads := []envelope.Payload{{Text: text}}
		s.Emit(agent.EventFinal{RunID: req.RunID, Payloads: payloads})
		s.Finish(agent.Result{
			Tag:      agent.ResultOK,
			Payloads: payloads,
			Meta:     agent.Meta{Model: "fake-model", InputTokens: 10, OutputTokens: 5},
		})
	}()

	return s, nil
}

// capture collects chat events and deliveries.
type capture struct {
	mu         sync.Mutex
	chatEvents []ChatEvent
	deliveries []envelope.Payload
	sources    []*envelope.Envelope
}

func (c *capture) ChatEvent(ev ChatEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatEvents = append(c.chatEvents, ev)
}

func (c *capture) AgentEvent(agent.Event) {}

func (c *capture) deliver(_ context.Context, env *envelope.Envelope, payloads []envelope.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, env)
	c.deliveries = append(c.deliveries, payloads...)
}

func (c *capture) terminalStates() []ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ChatState
	for _, ev := range c.chatEvents {
		if ev.State.Terminal() {
			out = append(out, ev.State)
		}
	}
	return out
}

func (c *capture) delivered() []envelope.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Payload(nil), c.deliveries...)
}

type fixture struct {
	sched *Scheduler
	rec   *capture
	store *session.Store
	cfg   *config.Config
}

func newFixture(t *testing.T, hold time.Duration) *fixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.Channels.WhatsApp.AllowFrom = []string{"*"}
	cfg.Channels.WhatsApp.DMPolicy = "allowlist"

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	pairing := policy.NewPairingStore(func(channel string) (string, error) {
		return filepath.Join(t.TempDir(), channel+".json"), nil
	})

	rec := &capture{}
	runner := agent.NewRunner(&fakeEngine{hold: hold})
	sched := New(func() *config.Config { return cfg }, store, nil, runner, policy.NewGate(pairing), rec.deliver, rec, 4)
	sched.Start(context.Background())

	return &fixture{sched: sched, rec: rec, store: store, cfg: cfg}
}

func waEnvelope(body string) *envelope.Envelope {
	return &envelope.Envelope{
		Surface:   "whatsapp",
		From:      "+15555550123",
		ChatType:  envelope.ChatDirect,
		Body:      body,
		MessageID: body,
		Timestamp: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDirectTextTurn(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	f.sched.Dispatch(waEnvelope("hi"))

	waitFor(t, 2*time.Second, func() bool { return len(f.rec.delivered()) > 0 })

	// SessionKey "main" created, routing metadata recorded.
	entry := f.store.Get("main")
	if entry == nil {
		t.Fatal("main session not created")
	}
	if entry.LastChannel != "whatsapp" || entry.LastTo != "+15555550123" {
		t.Errorf("route = %s/%s, want whatsapp/+15555550123", entry.LastChannel, entry.LastTo)
	}
	if entry.TotalTokens == 0 {
		t.Error("token accounting not recorded")
	}

	delivered := f.rec.delivered()
	if len(delivered) != 1 || delivered[0].Text != "echo: hi" {
		t.Errorf("delivered = %v, want [echo: hi]", delivered)
	}

	states := f.rec.terminalStates()
	if len(states) != 1 || states[0] != StateFinal {
		t.Errorf("terminal states = %v, want [final]", states)
	}
}

func TestAtMostOneActiveRunPerKey(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.cfg.Messages.Queue.Mode = config.QueueFollowup

	for i := 0; i < 5; i++ {
		f.sched.Dispatch(waEnvelope("msg"))
	}

	// While the first run holds, exactly one run is active.
	if run := f.sched.ActiveRun("main"); run == nil {
		t.Fatal("no active run")
	}
	if n := f.sched.PendingCount("main"); n < 2 {
		t.Errorf("pending count = %d, want the queue to hold the rest", n)
	}

	waitFor(t, 2*time.Second, func() bool {
		return !f.sched.Busy("main") && f.sched.PendingCount("main") == 0
	})

	// Never more than one terminal event per started run, and every
	// started run reached exactly one terminal state.
	states := f.rec.terminalStates()
	for _, st := range states {
		if st != StateFinal {
			t.Errorf("unexpected terminal state %v", st)
		}
	}
	if len(states) != 2 {
		// first run + one batched followup run
		t.Errorf("terminal count = %d, want 2 (first + batched followups)", len(states))
	}
}

func TestInterruptAbortsAndReplaces(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.cfg.Messages.Queue.Mode = config.QueueInterrupt

	f.sched.Dispatch(waEnvelope("first"))
	time.Sleep(20 * time.Millisecond)
	f.sched.Dispatch(waEnvelope("second"))

	waitFor(t, 3*time.Second, func() bool {
		states := f.rec.terminalStates()
		return len(states) == 2 && !f.sched.Busy("main")
	})

	states := f.rec.terminalStates()
	if states[0] != StateAborted {
		t.Errorf("first run state = %v, want aborted", states[0])
	}
	if states[1] != StateFinal {
		t.Errorf("second run state = %v, want final", states[1])
	}

	// Aborted output dropped: only the second message is delivered.
	delivered := f.rec.delivered()
	if len(delivered) != 1 || !strings.Contains(delivered[0].Text, "second") {
		t.Errorf("delivered = %v, want only the second run's output", delivered)
	}
}

func TestSteerInjectsIntoRunningTurn(t *testing.T) {
	f := newFixture(t, 150*time.Millisecond)
	f.cfg.Messages.Queue.Mode = config.QueueSteer

	f.sched.Dispatch(waEnvelope("start"))
	time.Sleep(20 * time.Millisecond)
	f.sched.Dispatch(waEnvelope("more"))

	waitFor(t, 3*time.Second, func() bool { return len(f.rec.delivered()) > 0 && !f.sched.Busy("main") })

	delivered := f.rec.delivered()
	if len(delivered) != 1 {
		t.Fatalf("deliveries = %d, want 1 (steered into the same run)", len(delivered))
	}
	if !strings.Contains(delivered[0].Text, "steer: more") {
		t.Errorf("steered turn missing from output: %q", delivered[0].Text)
	}
}

func TestCollectComposesWrappedPrompt(t *testing.T) {
	f := newFixture(t, 150*time.Millisecond)
	f.cfg.Messages.Queue.Mode = config.QueueCollect

	f.sched.Dispatch(waEnvelope("first"))
	time.Sleep(20 * time.Millisecond)
	env2 := waEnvelope("second")
	env2.SenderName = "Sam"
	f.sched.Dispatch(env2)
	env3 := waEnvelope("/thinking high\nthird")
	f.sched.Dispatch(env3)

	waitFor(t, 3*time.Second, func() bool { return len(f.rec.delivered()) == 2 && !f.sched.Busy("main") })

	// Second delivery is the collected batch.
	prompt := f.rec.delivered()[1].Text
	if got := strings.Count(prompt, collectCurrentHeader); got != 1 {
		t.Errorf("current-message sections = %d, want exactly 1\n%s", got, prompt)
	}
	if !strings.Contains(prompt, collectHistoryHeader) {
		t.Errorf("history section missing\n%s", prompt)
	}
	// History keeps the raw body; the current message is directive-stripped.
	if !strings.Contains(prompt, "Sam: second") {
		t.Errorf("history entry missing\n%s", prompt)
	}
	current := prompt[strings.Index(prompt, collectCurrentHeader):]
	if strings.Contains(current, "/thinking") {
		t.Errorf("directive not stripped from current section\n%s", current)
	}
	if !strings.Contains(current, "third") {
		t.Errorf("current message body missing\n%s", current)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)

	f.sched.Dispatch(waEnvelope("work"))
	waitFor(t, time.Second, func() bool { return f.sched.ActiveRun("main") != nil })

	run := f.sched.ActiveRun("main")
	if !f.sched.Abort(run.RunID) {
		t.Fatal("first abort returned false")
	}
	// Second abort of the same run: ok, no-op.
	f.sched.Abort(run.RunID)

	waitFor(t, 2*time.Second, func() bool { return !f.sched.Busy("main") })

	states := f.rec.terminalStates()
	if len(states) != 1 || states[0] != StateAborted {
		t.Errorf("terminal states = %v, want exactly one aborted", states)
	}
	if len(f.rec.delivered()) != 0 {
		t.Error("aborted run delivered output")
	}

	// Aborting an idle session is a no-op too.
	if f.sched.AbortSession("main") {
		t.Error("idle abort reported an active run")
	}
}

func TestDirectiveOnlyMessageDoesNotRun(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	f.sched.Dispatch(waEnvelope("/thinking high"))

	waitFor(t, time.Second, func() bool { return len(f.rec.delivered()) > 0 })

	if f.sched.Busy("main") {
		t.Error("directive-only message started a run")
	}
	entry := f.store.Get("main")
	if entry == nil || entry.ThinkingLevel != "high" {
		t.Errorf("thinking level not applied: %+v", entry)
	}
	// Only the acknowledgement was delivered.
	delivered := f.rec.delivered()
	if len(delivered) != 1 || !strings.Contains(delivered[0].Text, "Thinking level") {
		t.Errorf("delivered = %v, want a directive ack", delivered)
	}
	if got := f.rec.terminalStates(); len(got) != 0 {
		t.Errorf("directive-only message produced run states: %v", got)
	}
}

func TestPerChannelQueueModeOverride(t *testing.T) {
	cfg := config.Defaults()
	cfg.Messages.Queue.Mode = config.QueueInterrupt
	cfg.Messages.Queue.ByChannel = map[string]config.QueueMode{"whatsapp": config.QueueFollowup}

	if got := cfg.Messages.Queue.ModeFor("whatsapp"); got != config.QueueFollowup {
		t.Errorf("ModeFor(whatsapp) = %v, want followup override", got)
	}
	if got := cfg.Messages.Queue.ModeFor("telegram"); got != config.QueueInterrupt {
		t.Errorf("ModeFor(telegram) = %v, want global interrupt", got)
	}
}

func TestMentionGatedGroupMessageStoredAsContextOnly(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.cfg.Channels.WhatsApp.GroupPolicy = "open"
	f.cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{"*": {RequireMention: true}}
	f.cfg.Channels.WhatsApp.MentionPatterns = []string{"@clawd"}

	group := &envelope.Envelope{
		Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup,
		Body: "hello", Timestamp: time.Now(),
	}
	f.sched.Dispatch(group)

	time.Sleep(50 * time.Millisecond)
	if f.sched.Busy("whatsapp:group:123@g.us") {
		t.Error("unmentioned group message started a run")
	}

	mentioned := &envelope.Envelope{
		Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup,
		Body: "@clawd status", Timestamp: time.Now(),
	}
	f.sched.Dispatch(mentioned)

	waitFor(t, 2*time.Second, func() bool { return len(f.rec.delivered()) > 0 })
	if f.store.Get("whatsapp:group:123@g.us") == nil {
		t.Error("group session not created")
	}
}
