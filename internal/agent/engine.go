// Package agent defines the engine contract the dispatch core runs
// against, plus the default Anthropic-backed engine. The engine is an
// external collaborator: the scheduler only sees streams and tagged
// results, never provider errors.
package agent

import (
	"context"
	"encoding/json"

	"github.com/clawdis/clawdis/internal/envelope"
)

// Request is one agent invocation.
type Request struct {
	RunID      string
	SessionKey string
	Prompt     string
	System     string

	ThinkingLevel string
	MediaPaths    []string // inbound attachments for multimodal models

	Heartbeat bool // ephemeral run; do not persist history
}

// Event is the interface for all events emitted during a run.
type Event interface {
	agentEvent() // marker method
}

// EventStart is emitted when a run begins.
type EventStart struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
}

func (EventStart) agentEvent() {}

// EventTextDelta is emitted for each assistant text chunk.
type EventTextDelta struct {
	RunID string `json:"runId"`
	Delta string `json:"delta"`
}

func (EventTextDelta) agentEvent() {}

// EventThinkingDelta is emitted for reasoning content when enabled.
type EventThinkingDelta struct {
	RunID string `json:"runId"`
	Delta string `json:"delta"`
}

func (EventThinkingDelta) agentEvent() {}

// EventToolStart is emitted when the engine begins a tool call.
type EventToolStart struct {
	RunID    string          `json:"runId"`
	ToolName string          `json:"toolName"`
	ToolID   string          `json:"toolId"`
	Input    json.RawMessage `json:"input"`
}

func (EventToolStart) agentEvent() {}

// EventToolEnd is emitted when a tool call completes.
type EventToolEnd struct {
	RunID    string `json:"runId"`
	ToolName string `json:"toolName"`
	ToolID   string `json:"toolId"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

func (EventToolEnd) agentEvent() {}

// EventFinal carries the run's terminal payloads.
type EventFinal struct {
	RunID    string             `json:"runId"`
	Payloads []envelope.Payload `json:"payloads"`
	Meta     Meta               `json:"meta"`
}

func (EventFinal) agentEvent() {}

// Meta summarizes a completed run.
type Meta struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
}

// ResultTag classifies how a run ended. Tags replace exceptions for
// control flow: the scheduler switches on the tag and emits the matching
// chat state.
type ResultTag string

const (
	ResultOK              ResultTag = "ok"
	ResultAborted         ResultTag = "aborted"
	ResultContextOverflow ResultTag = "context-overflow"
	ResultError           ResultTag = "error"
)

// Result is the terminal outcome of a run.
type Result struct {
	Tag      ResultTag
	Payloads []envelope.Payload
	Meta     Meta
	Err      error
}

// Stream is the live view of one run: an event sequence ending with the
// terminal event, plus a steer channel for mid-run user turns.
type Stream struct {
	events chan Event
	steer  chan string

	result Result
	done   chan struct{}
}

// NewStream creates a stream with the given event buffer.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		steer:  make(chan string, 8),
		done:   make(chan struct{}),
	}
}

// Events returns the run's event sequence. The channel closes after the
// terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Steer injects a user turn into the in-flight run. Returns false if the
// run already ended or the steer buffer is full.
func (s *Stream) Steer(text string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.steer <- text:
		return true
	default:
		return false
	}
}

// Emit publishes an event. Engines call this from their run goroutine.
func (s *Stream) Emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Finish records the result, closes the event channel, and unblocks
// Result callers. Engines call this exactly once.
func (s *Stream) Finish(res Result) {
	s.result = res
	close(s.done)
	close(s.events)
}

// TakeSteer drains one pending steer turn, if any. Engines poll this
// between provider calls.
func (s *Stream) TakeSteer() (string, bool) {
	select {
	case text := <-s.steer:
		return text, true
	default:
		return "", false
	}
}

// Result blocks until the run ends and returns its outcome.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

// Engine is the opaque agent runtime the gateway fronts.
// Implementations may multiplex concurrent runs internally; the scheduler
// imposes no global serialization.
type Engine interface {
	// Run starts an agent invocation and returns its stream. The run
	// observes ctx: cancellation surfaces as ResultAborted at the next
	// suspension point.
	Run(ctx context.Context, req Request) (*Stream, error)

	// Model returns the engine's active model name.
	Model() string
}
