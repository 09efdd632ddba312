// Package outbound sinks finished agent payloads into channel adapters:
// chunking, media loading, per-channel sends, and transient-error retries.
package outbound

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
)

// Transient send errors worth retrying.
var transientRE = regexp.MustCompile(`(?i)429|timeout|connect|reset|closed|unavailable|temporarily`)

const (
	maxAttempts = 3
	backoffBase = 400 * time.Millisecond
)

// IsTransient classifies a send error as retryable.
func IsTransient(err error) bool {
	return err != nil && transientRE.MatchString(err.Error())
}

// Deliverer routes payloads to the adapter that owns the originating
// surface.
type Deliverer struct {
	registry *channels.Registry
	cfg      func() *config.Config
	store    *media.Store

	// sleep is injected for tests; defaults to time.Sleep
	sleep func(time.Duration)
}

// NewDeliverer creates the outbound pipeline.
func NewDeliverer(registry *channels.Registry, cfg func() *config.Config, store *media.Store) *Deliverer {
	return &Deliverer{
		registry: registry,
		cfg:      cfg,
		store:    store,
		sleep:    time.Sleep,
	}
}

// Deliver sends payloads back to the envelope's surface. Per-payload
// failures are logged and do not fail the remaining payloads.
func (d *Deliverer) Deliver(ctx context.Context, env *envelope.Envelope, payloads []envelope.Payload) {
	adapter := d.registry.Active(env.Surface)
	if adapter == nil {
		if fallback := d.cfg().Routing.DefaultChannel; fallback != "" {
			adapter = d.registry.Active(fallback)
		}
	}
	if adapter == nil {
		L_warn("outbound: no active adapter for delivery", "surface", env.Surface)
		return
	}

	target, err := adapter.ResolveTarget(env, types.TargetReply, "")
	if err != nil {
		L_error("outbound: target resolution failed", "surface", env.Surface, "error", err)
		return
	}

	for _, payload := range payloads {
		if err := d.deliverOne(ctx, adapter, target, payload); err != nil {
			L_error("outbound: payload delivery failed",
				"surface", env.Surface, "target", target, "error", err)
		}
	}
}

// SendTo delivers payloads to an explicit recipient (heartbeat, cron,
// deep links).
func (d *Deliverer) SendTo(ctx context.Context, channel, to string, payloads []envelope.Payload) error {
	adapter := d.registry.Active(channel)
	if adapter == nil {
		return fmt.Errorf("channel %q not running", channel)
	}

	target, err := adapter.ResolveTarget(nil, types.TargetExplicit, to)
	if err != nil {
		return err
	}

	for _, payload := range payloads {
		if err := d.deliverOne(ctx, adapter, target, payload); err != nil {
			return err
		}
	}
	return nil
}

// deliverOne sends a single payload: chunked text, or media with the
// caption on the first item.
func (d *Deliverer) deliverOne(ctx context.Context, adapter types.Adapter, target string, payload envelope.Payload) error {
	chunks := adapter.ChunkText(payload.Text)
	refs := payload.AllMedia()

	if len(refs) == 0 {
		for _, chunk := range chunks {
			if err := d.sendTextRetry(ctx, adapter, target, chunk); err != nil {
				return err
			}
		}
		return nil
	}

	if adapter.DeliveryMode() != types.DeliverMedia {
		// Text-only surface: deliver the text and the refs as links.
		for _, chunk := range chunks {
			if err := d.sendTextRetry(ctx, adapter, target, chunk); err != nil {
				return err
			}
		}
		for _, ref := range refs {
			if err := d.sendTextRetry(ctx, adapter, target, ref); err != nil {
				return err
			}
		}
		return nil
	}

	caption := ""
	if len(chunks) > 0 {
		caption = chunks[0]
		chunks = chunks[1:]
	}

	for i, ref := range refs {
		path, item, err := d.loadMedia(ref, adapter)
		if err != nil {
			L_warn("outbound: media load failed", "ref", ref, "error", err)
			continue
		}

		// Audio goes out as a voice note when the surface supports it.
		if item.IsAudio() {
			if vs, ok := adapter.(types.VoiceSender); ok {
				if err := vs.SendVoice(ctx, target, path); err == nil {
					continue
				} else {
					L_debug("outbound: voice send failed, falling back to media", "error", err)
				}
			}
		}

		c := ""
		if i == 0 {
			c = caption
		}
		if err := d.sendMediaRetry(ctx, adapter, target, path, c); err != nil {
			return err
		}
	}

	for _, chunk := range chunks {
		if err := d.sendTextRetry(ctx, adapter, target, chunk); err != nil {
			return err
		}
	}
	return nil
}

// loadMedia fetches a reference through the media pipeline and stages the
// processed bytes as a local file for the adapter send.
func (d *Deliverer) loadMedia(ref string, adapter types.Adapter) (string, *media.Item, error) {
	targetMb := media.DefaultImageTargetMb
	if cc := d.cfg().Channels.ByID(adapter.Meta().ID); cc != nil && cc.MediaMaxMb > 0 {
		targetMb = cc.MediaMaxMb
	}

	resolved := ref
	if d.store != nil && !strings.HasPrefix(ref, "http") {
		if abs, err := d.store.Resolve(ref); err == nil {
			resolved = abs
		}
	}

	item, err := media.Load(resolved, targetMb)
	if err != nil {
		return "", nil, err
	}

	// Local untouched files are sent in place; processed or fetched bytes
	// are staged in the cache.
	if !strings.HasPrefix(resolved, "http") {
		if original, rerr := os.ReadFile(resolved); rerr == nil && len(original) == len(item.Data) {
			return resolved, item, nil
		}
	}
	if d.store == nil {
		return "", nil, fmt.Errorf("no media store to stage processed media")
	}
	name := item.FileName
	if name == "" || name == "." {
		name = "media"
	}
	path, err := d.store.Put("outbound", fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(name)), item.Data)
	if err != nil {
		return "", nil, err
	}
	return path, item, nil
}

func (d *Deliverer) sendTextRetry(ctx context.Context, adapter types.Adapter, target, text string) error {
	return d.withRetry(func() error {
		_, err := adapter.SendText(ctx, target, text)
		return err
	})
}

func (d *Deliverer) sendMediaRetry(ctx context.Context, adapter types.Adapter, target, path, caption string) error {
	return d.withRetry(func() error {
		_, err := adapter.SendMedia(ctx, target, path, caption)
		return err
	})
}

// withRetry runs fn up to maxAttempts times with 400·attempt ms backoff,
// retrying only transient errors.
func (d *Deliverer) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !IsTransient(err) {
				return err
			}
			if attempt < maxAttempts {
				d.sleep(backoffBase * time.Duration(attempt))
			}
		}
	}
	return lastErr
}
