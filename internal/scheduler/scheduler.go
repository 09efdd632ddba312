// Package scheduler serializes agent runs per session key: at most one
// active run per key, with explicit queue modes for messages that arrive
// mid-run (interrupt, steer, followup, collect, and backlog variants).
// Distinct keys run in parallel under a global semaphore.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/directives"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/session"
)

// Collect-mode prompt markers. The history section keeps raw bodies;
// directive stripping applies only to the current message.
const (
	collectHistoryHeader = "[Chat messages since your last reply - for context]"
	collectCurrentHeader = "[Current message - respond to this]"
)

// ChatState is the run lifecycle exposed to gateway clients.
type ChatState string

const (
	StatePending       ChatState = "pending"
	StateStreaming     ChatState = "streaming"
	StateAwaitingFinal ChatState = "awaiting-final"
	StateAborted       ChatState = "aborted"
	StateFinal         ChatState = "final"
	StateError         ChatState = "error"
)

// Terminal reports whether the state ends a run.
func (s ChatState) Terminal() bool {
	return s == StateAborted || s == StateFinal || s == StateError
}

// ChatEvent is the per-run state notification fanned out to clients.
type ChatEvent struct {
	RunID      string             `json:"runId"`
	SessionKey string             `json:"sessionKey"`
	State      ChatState          `json:"state"`
	Payloads   []envelope.Payload `json:"payloads,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Sink receives scheduler output: chat state events and raw agent stream
// events.
type Sink interface {
	ChatEvent(ev ChatEvent)
	AgentEvent(ev agent.Event)
}

// DeliverFunc sinks final payloads into the outbound pipeline.
type DeliverFunc func(ctx context.Context, env *envelope.Envelope, payloads []envelope.Payload)

// Run is one active agent invocation.
type Run struct {
	RunID          string
	SessionKey     string
	StartedAt      time.Time
	IdempotencyKey string

	mu     sync.Mutex
	state  ChatState
	cancel context.CancelFunc
	stream *agent.Stream
}

// State returns the run's current lifecycle state.
func (r *Run) State() ChatState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s ChatState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Stream returns the run's live agent stream, or nil before the engine
// accepted the run.
func (r *Run) Stream() *agent.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// queued is one envelope waiting behind an active run.
type queued struct {
	env  *envelope.Envelope
	mode config.QueueMode
}

// lane serializes work for one session key.
type lane struct {
	mu        sync.Mutex
	run       *Run
	pending   []queued
	interrupt *envelope.Envelope // set when an interrupt waits for the abort
}

// Scheduler is the per-session run scheduler.
type Scheduler struct {
	cfg    func() *config.Config
	store  *session.Store
	trans  *session.Transcripts
	runner *agent.Runner
	gate   *policy.Gate

	deliver DeliverFunc
	sink    Sink

	sem *semaphore.Weighted

	mu    sync.Mutex
	lanes map[string]*lane

	ctx context.Context
}

// nopSink drops events when no fan-out is attached (tests, early boot).
type nopSink struct{}

func (nopSink) ChatEvent(ChatEvent)       {}
func (nopSink) AgentEvent(ev agent.Event) {}

// New creates a scheduler. maxConcurrent bounds parallel runs across all
// session keys.
func New(cfg func() *config.Config, store *session.Store, trans *session.Transcripts, runner *agent.Runner, gate *policy.Gate, deliver DeliverFunc, sink Sink, maxConcurrent int64) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		trans:   trans,
		runner:  runner,
		gate:    gate,
		deliver: deliver,
		sink:    sink,
		sem:     semaphore.NewWeighted(maxConcurrent),
		lanes:   make(map[string]*lane),
	}
}

// SetSink attaches the event fan-out after construction (the gateway
// server is built later in the wiring order).
func (s *Scheduler) SetSink(sink Sink) {
	if sink == nil {
		sink = nopSink{}
	}
	s.sink = sink
}

// Start binds the scheduler's root context. Must be called before Dispatch.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
}

// Dispatch is the ingress entry point: normalize -> resolve key -> load
// session -> gate -> enqueue or interrupt.
func (s *Scheduler) Dispatch(env *envelope.Envelope) {
	if err := env.Validate(); err != nil {
		L_debug("scheduler: dropping invalid envelope", "error", err)
		return
	}

	cfg := s.cfg()
	scope := session.Scope(cfg.Session.Scope)
	key := session.ResolveKey(env, scope, cfg.Session.MainKey)

	entry := s.store.GetOrCreate(key, env.Surface)
	if entry.DisplayName == "" && env.ChatType != envelope.ChatDirect {
		name := session.DisplayName(env)
		if _, err := s.store.Patch(key, session.Patch{DisplayName: &name}); err != nil {
			L_warn("scheduler: display name patch failed", "key", key, "error", err)
		}
	}

	// Policy gate
	cc := cfg.Channels.ByID(env.Surface)
	verdict := s.gate.Check(env, cc)
	if verdict.ContextOnly {
		// Store as conversation context only; no run.
		s.appendTranscript(entry.SessionID, session.Record{
			Kind: "context", Role: "user", Surface: env.Surface, From: env.From, Body: env.Body,
		})
		L_debug("scheduler: stored as context only", "key", key, "reason", verdict.Reason)
		return
	}
	if !verdict.Allow {
		L_debug("scheduler: envelope rejected", "key", key, "reason", verdict.Reason)
		return
	}

	// Directives mutate the session before any run starts.
	ds, rest := directives.Parse(env.Body)
	env.CommandBody = rest
	if len(ds) > 0 {
		acks := directives.Apply(s.store, key, ds)
		if rest == "" {
			// Directive-only message: acknowledge, no agent run.
			if len(acks) > 0 && s.deliver != nil {
				s.deliver(s.ctx, env, []envelope.Payload{{Text: strings.Join(acks, "\n")}})
			}
			return
		}
	}

	s.appendTranscript(entry.SessionID, session.Record{
		Kind: "message", Role: "user", Surface: env.Surface, From: env.From, Body: env.Body,
	})

	s.enqueue(key, env)
}

// enqueue applies the queueing state machine for one session lane.
func (s *Scheduler) enqueue(key string, env *envelope.Envelope) {
	ln := s.laneFor(key)

	ln.mu.Lock()
	if ln.run == nil {
		// idle -> start immediately; any envelopes still pending on the
		// lane go ahead of the new input
		batch := append(drainPendingLocked(ln), queued{env: env})
		s.startRunLocked(ln, key, batch)
		ln.mu.Unlock()
		return
	}

	mode := s.cfg().Messages.Queue.ModeFor(env.Surface)
	entry := s.store.Get(key)
	replay := mode.IsBacklog() && entry != nil && entry.AbortedLastRun

	switch mode.Base() {
	case config.QueueInterrupt:
		run := ln.run
		ln.interrupt = env
		ln.mu.Unlock()
		L_info("scheduler: interrupting run", "key", key, "runId", run.RunID)
		s.abortRun(run)
		return

	case config.QueueSteer:
		run := ln.run
		ln.mu.Unlock()
		text := env.CommandBody
		if text == "" {
			text = env.Body
		}
		if stream := run.Stream(); stream != nil && stream.Steer(text) {
			L_debug("scheduler: steered run", "key", key, "runId", run.RunID)
			return
		}
		// Run ended while we were steering; fall back to followup.
		ln.mu.Lock()
		ln.pending = append(ln.pending, queued{env: env, mode: config.QueueFollowup})
		ln.mu.Unlock()
		return

	default: // followup, collect
		ln.pending = append(ln.pending, queued{env: env, mode: mode.Base()})
		if replay {
			L_debug("scheduler: queued backlog replay", "key", key, "pending", len(ln.pending))
		}
		ln.mu.Unlock()
		return
	}
}

// drainPendingLocked takes the lane's queued envelopes. Callers hold the
// lane lock.
func drainPendingLocked(ln *lane) []queued {
	batch := ln.pending
	ln.pending = nil
	return batch
}

func (s *Scheduler) laneFor(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.lanes[key]
	if ln == nil {
		ln = &lane{}
		s.lanes[key] = ln
	}
	return ln
}

// startRunLocked creates the Run and launches its goroutine. Caller holds
// the lane lock.
func (s *Scheduler) startRunLocked(ln *lane, key string, batch []queued) {
	env, prompt := composePrompt(batch)
	if env == nil {
		return
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	run := &Run{
		RunID:          uuid.New().String(),
		SessionKey:     key,
		StartedAt:      time.Now(),
		IdempotencyKey: env.Surface + ":" + env.MessageID,
		state:          StatePending,
		cancel:         cancel,
	}
	ln.run = run

	go s.executeRun(runCtx, ln, run, env, prompt)
}

// composePrompt folds a batch of queued envelopes into one prompt. A
// single envelope passes through; multiple followups concatenate; collect
// mode wraps history and current message in explicit sections.
func composePrompt(batch []queued) (*envelope.Envelope, string) {
	if len(batch) == 0 {
		return nil, ""
	}
	current := batch[len(batch)-1]
	cur := current.env
	text := cur.CommandBody
	if text == "" {
		text = cur.Body
	}
	if len(batch) == 1 {
		return cur, text
	}

	collect := false
	for _, q := range batch {
		if q.mode == config.QueueCollect {
			collect = true
		}
	}

	if collect {
		var b strings.Builder
		b.WriteString(collectHistoryHeader)
		b.WriteString("\n")
		for _, q := range batch[:len(batch)-1] {
			// History keeps raw bodies; only the current message is
			// directive-stripped.
			fmt.Fprintf(&b, "%s: %s\n", q.env.SenderName, q.env.Body)
		}
		b.WriteString("\n")
		b.WriteString(collectCurrentHeader)
		b.WriteString("\n")
		b.WriteString(text)
		return cur, b.String()
	}

	// followup: plain concatenation in arrival order
	var parts []string
	for _, q := range batch[:len(batch)-1] {
		parts = append(parts, q.env.Body)
	}
	parts = append(parts, text)
	return cur, strings.Join(parts, "\n\n")
}

// executeRun drives one agent invocation to its terminal state.
func (s *Scheduler) executeRun(ctx context.Context, ln *lane, run *Run, env *envelope.Envelope, prompt string) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finishRun(ln, run, env, agent.Result{Tag: agent.ResultAborted})
		return
	}
	defer s.sem.Release(1)

	entry := s.store.Get(run.SessionKey)
	thinking := ""
	if entry != nil {
		thinking = entry.ThinkingLevel
	}

	req := agent.Request{
		RunID:         run.RunID,
		SessionKey:    run.SessionKey,
		Prompt:        prompt,
		ThinkingLevel: thinking,
	}
	if env.Media != nil && env.Media.Path != "" {
		req.MediaPaths = []string{env.Media.Path}
	}

	s.sink.ChatEvent(ChatEvent{RunID: run.RunID, SessionKey: run.SessionKey, State: StatePending})

	stream, err := s.runner.Start(ctx, req, func(ev agent.Event) {
		if _, ok := ev.(agent.EventTextDelta); ok && run.State() == StatePending {
			run.setState(StateStreaming)
			s.sink.ChatEvent(ChatEvent{RunID: run.RunID, SessionKey: run.SessionKey, State: StateStreaming})
		}
		s.sink.AgentEvent(ev)
	})
	if err != nil {
		s.finishRun(ln, run, env, agent.Result{Tag: agent.ResultError, Err: err})
		return
	}

	run.mu.Lock()
	run.stream = stream
	run.mu.Unlock()

	result := stream.Result()
	run.setState(StateAwaitingFinal)
	s.finishRun(ln, run, env, result)
}

// finishRun handles a run's terminal transition: session store update
// first, then terminal event fan-out, then delivery, then pending drain.
func (s *Scheduler) finishRun(ln *lane, run *Run, env *envelope.Envelope, result agent.Result) {
	state := StateFinal
	errStr := ""
	switch result.Tag {
	case agent.ResultAborted:
		state = StateAborted
	case agent.ResultError:
		state = StateError
		if result.Err != nil {
			errStr = result.Err.Error()
		}
	case agent.ResultContextOverflow:
		// Fixed fallback reply was attached by the engine; delivered as final.
		state = StateFinal
	}

	// Session store writes complete before the terminal event is fanned
	// out, so clients observing "final" may safely re-read the session.
	aborted := state == StateAborted
	lastChannel := env.Surface
	lastTo := env.From
	entry := s.store.Get(run.SessionKey)
	inTokens, outTokens := result.Meta.InputTokens, result.Meta.OutputTokens
	if entry != nil {
		inTokens += entry.InputTokens
		outTokens += entry.OutputTokens
	}
	total := inTokens + outTokens
	if _, err := s.store.Patch(run.SessionKey, session.Patch{
		LastChannel:    &lastChannel,
		LastTo:         &lastTo,
		AbortedLastRun: &aborted,
		InputTokens:    &inTokens,
		OutputTokens:   &outTokens,
		TotalTokens:    &total,
		Model:          &result.Meta.Model,
	}); err != nil {
		L_warn("scheduler: session update failed", "key", run.SessionKey, "error", err)
	}

	if entry != nil {
		s.appendTranscript(entry.SessionID, session.Record{
			Kind: "run", RunID: run.RunID, State: string(state),
		})
		for _, p := range result.Payloads {
			if p.Text != "" {
				s.appendTranscript(entry.SessionID, session.Record{
					Kind: "message", Role: "assistant", Body: p.Text, RunID: run.RunID,
				})
			}
		}
	}

	run.setState(state)
	s.sink.ChatEvent(ChatEvent{
		RunID:      run.RunID,
		SessionKey: run.SessionKey,
		State:      state,
		Payloads:   result.Payloads,
		Error:      errStr,
	})

	// Aborted runs drop their in-flight output; nothing is delivered.
	if state != StateAborted && s.deliver != nil && len(result.Payloads) > 0 {
		s.deliver(s.ctx, env, result.Payloads)
	}

	L_info("scheduler: run finished", "runId", run.RunID, "key", run.SessionKey, "state", state)

	s.drainLane(ln, run.SessionKey)
}

// drainLane releases the lane slot and starts the next run if input is
// waiting (an interrupt envelope or the pending list).
func (s *Scheduler) drainLane(ln *lane, key string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ln.run = nil

	if env := ln.interrupt; env != nil {
		ln.interrupt = nil
		s.startRunLocked(ln, key, []queued{{env: env}})
		return
	}

	if len(ln.pending) > 0 {
		batch := ln.pending
		ln.pending = nil
		s.startRunLocked(ln, key, batch)
	}
}

// abortRun cancels a run. The pending count is untouched until the engine
// acknowledges with its aborted terminal state.
func (s *Scheduler) abortRun(run *Run) {
	if run.State().Terminal() {
		return
	}
	run.cancel()
}

// Abort cancels the run with the given id. Unknown or terminal runs are
// no-ops; abort is idempotent.
func (s *Scheduler) Abort(runID string) bool {
	s.mu.Lock()
	var target *Run
	for _, ln := range s.lanes {
		ln.mu.Lock()
		if ln.run != nil && ln.run.RunID == runID {
			target = ln.run
		}
		ln.mu.Unlock()
		if target != nil {
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return false
	}
	s.abortRun(target)
	return true
}

// AbortSession cancels the active run on a session key, if any.
func (s *Scheduler) AbortSession(key string) bool {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return false
	}

	ln.mu.Lock()
	run := ln.run
	ln.mu.Unlock()
	if run == nil {
		return false
	}
	s.abortRun(run)
	return true
}

// Busy reports whether a session key has a non-terminal run.
func (s *Scheduler) Busy(key string) bool {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.run != nil
}

// PendingCount returns the number of envelopes queued behind the active
// run for a key, plus one for the active run itself (the heartbeat's
// requests-in-flight check).
func (s *Scheduler) PendingCount(key string) int {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	n := len(ln.pending)
	if ln.run != nil {
		n++
	}
	return n
}

// ActiveRun returns the live run for a key, or nil.
func (s *Scheduler) ActiveRun(key string) *Run {
	s.mu.Lock()
	ln := s.lanes[key]
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.run
}

func (s *Scheduler) appendTranscript(sessionID string, rec session.Record) {
	if s.trans == nil {
		return
	}
	if err := s.trans.Append(sessionID, rec); err != nil {
		L_warn("scheduler: transcript append failed", "sessionId", sessionID, "error", err)
	}
}
