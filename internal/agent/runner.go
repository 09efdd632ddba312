package agent

import (
	"context"

	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/tokens"
)

// Runner invokes the agent engine and post-processes its output: MEDIA:
// hints become payload attachments, and token usage is estimated when the
// engine does not report it.
type Runner struct {
	engine Engine
}

// NewRunner wraps an engine.
func NewRunner(engine Engine) *Runner {
	return &Runner{engine: engine}
}

// Model returns the engine's active model.
func (r *Runner) Model() string {
	return r.engine.Model()
}

// Start begins a run and forwards every stream event to emit. The
// returned stream's Result() reflects the post-processed payloads.
func (r *Runner) Start(ctx context.Context, req Request, emit func(Event)) (*Stream, error) {
	inner, err := r.engine.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	outer := NewStream(100)

	go func() {
		for ev := range inner.Events() {
			if final, ok := ev.(EventFinal); ok {
				final.Payloads = FinalizePayloads(final.Payloads)
				final.Meta = r.fillMeta(req, final.Meta, final.Payloads)
				if emit != nil {
					emit(final)
				}
				outer.Emit(final)
				continue
			}
			if emit != nil {
				emit(ev)
			}
			outer.Emit(ev)
		}

		res := inner.Result()
		res.Payloads = FinalizePayloads(res.Payloads)
		res.Meta = r.fillMeta(req, res.Meta, res.Payloads)
		outer.Finish(res)
	}()

	// Steering flows through to the engine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-outer.steer:
				if !ok {
					return
				}
				if !inner.Steer(text) {
					L_debug("agent: steer arrived after run ended", "runId", req.RunID)
				}
			}
		}
	}()

	return outer, nil
}

// fillMeta estimates token usage with tiktoken when the engine reported
// none, so session accounting never goes blank.
func (r *Runner) fillMeta(req Request, meta Meta, payloads []envelope.Payload) Meta {
	if meta.Model == "" {
		meta.Model = r.engine.Model()
	}
	if meta.InputTokens == 0 {
		meta.InputTokens = tokens.Estimate(req.Prompt) + tokens.Estimate(req.System)
	}
	if meta.OutputTokens == 0 {
		total := 0
		for _, p := range payloads {
			total += tokens.Estimate(p.Text)
		}
		meta.OutputTokens = total
	}
	return meta
}

// FinalizePayloads extracts MEDIA:<ref> hint lines from payload text and
// attaches them as media URLs. Payloads left with neither text nor media
// are dropped.
func FinalizePayloads(payloads []envelope.Payload) []envelope.Payload {
	out := make([]envelope.Payload, 0, len(payloads))
	for _, p := range payloads {
		parsed := media.SplitMediaFromOutput(p.Text)
		p.Text = parsed.Text
		if len(parsed.MediaURLs) > 0 {
			if len(parsed.MediaURLs) == 1 && p.MediaURL == "" && len(p.MediaURLs) == 0 {
				p.MediaURL = parsed.MediaURLs[0]
			} else {
				p.MediaURLs = append(p.MediaURLs, parsed.MediaURLs...)
				if p.MediaURL != "" {
					p.MediaURLs = append([]string{p.MediaURL}, p.MediaURLs...)
					p.MediaURL = ""
				}
			}
		}
		if p.Empty() {
			continue
		}
		out = append(out, p)
	}
	return out
}
