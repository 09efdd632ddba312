package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gabriel-vasile/mimetype"

	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

const defaultModel = "claude-sonnet-4-5"

// thinkingBudgets maps thinking levels to token budgets.
var thinkingBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  8192,
	"high":    16384,
	"xhigh":   32768,
}

// AnthropicEngine runs agent turns against the Anthropic Messages API.
type AnthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// AnthropicConfig configures the engine.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// NewAnthropicEngine creates the default engine.
func NewAnthropicEngine(cfg AnthropicConfig) (*AnthropicEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	L_debug("agent: anthropic engine created", "model", model, "maxTokens", maxTokens)
	return &AnthropicEngine{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Model returns the active model name.
func (e *AnthropicEngine) Model() string {
	return e.model
}

// Run starts an agent invocation. The stream loops provider calls until no
// steer turns are pending, then finishes with the accumulated payloads.
func (e *AnthropicEngine) Run(ctx context.Context, req Request) (*Stream, error) {
	stream := NewStream(100)

	go func() {
		stream.Emit(EventStart{RunID: req.RunID, SessionKey: req.SessionKey})

		messages := []anthropic.MessageParam{e.userMessage(req)}
		meta := Meta{Model: e.model}
		var payloads []envelope.Payload

		for {
			text, callMeta, err := e.streamOnce(ctx, req, messages, stream)
			meta.InputTokens += callMeta.InputTokens
			meta.OutputTokens += callMeta.OutputTokens
			meta.StopReason = callMeta.StopReason

			if err != nil {
				tag := Classify(err)
				if tag == ResultContextOverflow {
					// Fixed fallback reply; overflow is not retried.
					payloads = append(payloads, envelope.Payload{Text: ContextOverflowReply})
					stream.Emit(EventFinal{RunID: req.RunID, Payloads: payloads, Meta: meta})
					stream.Finish(Result{Tag: ResultContextOverflow, Payloads: payloads, Meta: meta, Err: err})
					return
				}
				stream.Finish(Result{Tag: tag, Meta: meta, Err: err})
				return
			}

			if strings.TrimSpace(text) != "" {
				payloads = append(payloads, envelope.Payload{Text: text})
			}

			// Mid-run user turns injected through the steer channel extend
			// the same conversation.
			steer, ok := stream.TakeSteer()
			if !ok {
				break
			}
			messages = append(messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)),
				anthropic.NewUserMessage(anthropic.NewTextBlock(steer)),
			)
		}

		stream.Emit(EventFinal{RunID: req.RunID, Payloads: payloads, Meta: meta})
		stream.Finish(Result{Tag: ResultOK, Payloads: payloads, Meta: meta})
	}()

	return stream, nil
}

// streamOnce performs one streaming Messages call.
func (e *AnthropicEngine) streamOnce(ctx context.Context, req Request, messages []anthropic.MessageParam, out *Stream) (string, Meta, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: int64(e.maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if budget, ok := thinkingBudgets[req.ThinkingLevel]; ok {
		maxTokens := e.maxTokens
		if minRequired := budget + 4096; maxTokens < minRequired {
			maxTokens = minRequired
		}
		params.MaxTokens = int64(maxTokens)
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	stream := e.client.Messages.NewStreaming(ctx, params)

	var text strings.Builder
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return "", Meta{}, fmt.Errorf("accumulate error: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(deltaVariant.Text)
				out.Emit(EventTextDelta{RunID: req.RunID, Delta: deltaVariant.Text})
			case anthropic.ThinkingDelta:
				out.Emit(EventThinkingDelta{RunID: req.RunID, Delta: deltaVariant.Thinking})
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return "", Meta{}, context.Canceled
		}
		return "", Meta{}, fmt.Errorf("stream error: %w", err)
	}

	meta := Meta{
		Model:        e.model,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}
	return text.String(), meta, nil
}

// userMessage builds the opening user turn, attaching inbound images.
func (e *AnthropicEngine) userMessage(req Request) anthropic.MessageParam {
	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)}

	for _, path := range req.MediaPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			L_warn("agent: failed to read media attachment", "path", path, "error", err)
			continue
		}
		mime := mimetype.Detect(data).String()
		if !strings.HasPrefix(mime, "image/") {
			continue // only images are attached to the model
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		blocks = append(blocks, anthropic.NewImageBlockBase64(mime, encoded))
	}

	return anthropic.NewUserMessage(blocks...)
}
