package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/clawdis/clawdis/internal/envelope"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ResultTag
	}{
		{"nil", nil, ResultOK},
		{"cancellation", context.Canceled, ResultAborted},
		{"anthropic overflow", errors.New("prompt is too long: 200170 tokens > 200000 maximum"), ResultContextOverflow},
		{"openai-style overflow", errors.New("context_length_exceeded"), ResultContextOverflow},
		{"generic overflow", errors.New("maximum context length is 8192"), ResultContextOverflow},
		{"other", errors.New("connection reset"), ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFinalizePayloadsExtractsMediaHints(t *testing.T) {
	payloads := []envelope.Payload{
		{Text: "look at this\nMEDIA:./media/shot.png"},
	}
	out := FinalizePayloads(payloads)

	if len(out) != 1 {
		t.Fatalf("payloads = %d, want 1", len(out))
	}
	if out[0].Text != "look at this" {
		t.Errorf("text = %q", out[0].Text)
	}
	if out[0].MediaURL != "./media/shot.png" {
		t.Errorf("mediaUrl = %q", out[0].MediaURL)
	}
}

func TestFinalizePayloadsMultipleHintsUsePlural(t *testing.T) {
	payloads := []envelope.Payload{
		{Text: "two files\nMEDIA:a.png\nMEDIA:b.png"},
	}
	out := FinalizePayloads(payloads)

	if len(out) != 1 {
		t.Fatalf("payloads = %d, want 1", len(out))
	}
	if out[0].MediaURL != "" {
		t.Errorf("mediaUrl = %q, want empty when plural is used", out[0].MediaURL)
	}
	if len(out[0].MediaURLs) != 2 {
		t.Errorf("mediaUrls = %v", out[0].MediaURLs)
	}
	// The exclusivity invariant holds after extraction.
	if err := out[0].Validate(); err != nil {
		t.Errorf("finalized payload invalid: %v", err)
	}
}

func TestFinalizePayloadsDropsEmpties(t *testing.T) {
	payloads := []envelope.Payload{
		{Text: "   "},
		{Text: "keep me"},
	}
	out := FinalizePayloads(payloads)
	if len(out) != 1 || out[0].Text != "keep me" {
		t.Errorf("out = %v", out)
	}
}

func TestStreamSteerLifecycle(t *testing.T) {
	s := NewStream(4)

	if !s.Steer("mid-run note") {
		t.Fatal("steer on a live stream failed")
	}
	if text, ok := s.TakeSteer(); !ok || text != "mid-run note" {
		t.Errorf("TakeSteer = %q/%v", text, ok)
	}
	if _, ok := s.TakeSteer(); ok {
		t.Error("TakeSteer returned a drained turn")
	}

	s.Finish(Result{Tag: ResultOK})
	if s.Steer("too late") {
		t.Error("steer after finish succeeded")
	}
	if res := s.Result(); res.Tag != ResultOK {
		t.Errorf("Result = %v", res.Tag)
	}
}

func TestRunnerForwardsAndFinalizes(t *testing.T) {
	engine := &stubEngine{
		payloads: []envelope.Payload{{Text: "done\nMEDIA:out.png"}},
	}
	runner := NewRunner(engine)

	var events []Event
	stream, err := runner.Start(context.Background(), Request{RunID: "r1", Prompt: "go"}, func(ev Event) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}

	res := stream.Result()
	if res.Tag != ResultOK {
		t.Fatalf("tag = %v", res.Tag)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].MediaURL != "out.png" {
		t.Errorf("payloads = %+v, want extracted media", res.Payloads)
	}
	if res.Meta.InputTokens == 0 || res.Meta.OutputTokens == 0 {
		t.Errorf("meta tokens not estimated: %+v", res.Meta)
	}

	var sawFinal bool
	for _, ev := range events {
		if _, ok := ev.(EventFinal); ok {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("final event not forwarded to emit")
	}
}

// stubEngine finishes immediately with fixed payloads.
type stubEngine struct {
	payloads []envelope.Payload
}

func (e *stubEngine) Model() string { return "stub" }

func (e *stubEngine) Run(ctx context.Context, req Request) (*Stream, error) {
	s := NewStream(4)
	go func() {
		s.Emit(EventStart{RunID: req.RunID})
		s.Emit(EventFinal{RunID: req.RunID, Payloads: e.payloads})
		s.Finish(Result{Tag: ResultOK, Payloads: e.payloads})
	}()
	return s, nil
}
