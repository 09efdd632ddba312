// Package webchat provides the in-house web/TUI chat surface. It has no
// external transport: gateway clients send through chat.send and receive
// replies via the event fan-out, so the adapter only records deliveries
// for clients that poll history.
package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
)

const maxMessageChars = 16000

// Delivery is one outbound message retained for polling clients.
type Delivery struct {
	Target string    `json:"target"`
	Text   string    `json:"text,omitempty"`
	Media  string    `json:"media,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// Adapter is the webchat surface.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu         sync.Mutex
	rt         types.RuntimeContext
	deliveries []Delivery
}

// New creates the adapter.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "webchat", Label: "Web Chat", Order: 70}
}

// Capabilities implements types.Adapter.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		ChatTypes: []envelope.ChatType{envelope.ChatDirect},
		Media:     true,
	}
}

// IsConfigured implements types.Adapter. Webchat defaults on.
func (a *Adapter) IsConfigured() bool {
	cc := a.cfg()
	return cc == nil || cc.IsEnabled(true)
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// StartAccount implements types.Adapter; webchat has no transport.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	a.mu.Lock()
	a.rt = rt
	a.mu.Unlock()
	rt.SetStatus(types.Status{Running: true, Connected: true, StartedAt: time.Now()})
	return nil
}

// StopAccount implements types.Adapter.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	a.rt = nil
	a.mu.Unlock()
	return nil
}

// ChunkText implements types.Adapter.
func (a *Adapter) ChunkText(text string) []string {
	return channels.ChunkText(text, maxMessageChars)
}

// ResolveTarget implements types.Adapter.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if mode == types.TargetExplicit {
		return explicit, nil
	}
	if env == nil {
		return "", nil
	}
	return env.From, nil
}

// SendText implements types.Adapter. Replies already reach connected
// clients through the chat event fan-out; the delivery log serves
// reconnecting pollers.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	a.record(Delivery{Target: target, Text: text, SentAt: time.Now()})
	return "", nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	a.record(Delivery{Target: target, Text: caption, Media: path, SentAt: time.Now()})
	return "", nil
}

func (a *Adapter) record(d Delivery) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliveries = append(a.deliveries, d)
	if len(a.deliveries) > 500 {
		a.deliveries = a.deliveries[len(a.deliveries)-500:]
	}
}

// Deliveries returns the retained outbound log for a target ("" = all).
func (a *Adapter) Deliveries(target string) []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()

	if target == "" {
		return append([]Delivery(nil), a.deliveries...)
	}
	var out []Delivery
	for _, d := range a.deliveries {
		if d.Target == target {
			out = append(out, d)
		}
	}
	return out
}
