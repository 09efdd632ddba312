package outbound

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/media"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"HTTP 429 Too Many Requests", true},
		{"dial tcp: i/o timeout", true},
		{"connect: connection refused", true},
		{"read: connection reset by peer", true},
		{"use of closed network connection", true},
		{"service unavailable", true},
		{"temporarily overloaded", true},
		{"invalid chat id", false},
		{"unauthorized", false},
	}

	for _, tt := range tests {
		if got := IsTransient(errors.New(tt.err)); got != tt.want {
			t.Errorf("IsTransient(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true")
	}
}

// flakyAdapter fails sends a configurable number of times.
type flakyAdapter struct {
	failures int
	failWith string

	mu        sync.Mutex
	textCalls []string
	media     []string
	captions  []string
}

func (f *flakyAdapter) Meta() types.Meta { return types.Meta{ID: "flaky"} }
func (f *flakyAdapter) Capabilities() types.Capabilities {
	return types.Capabilities{ChatTypes: []envelope.ChatType{envelope.ChatDirect}, Media: true}
}
func (f *flakyAdapter) IsConfigured() bool               { return true }
func (f *flakyAdapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }
func (f *flakyAdapter) ChunkText(text string) []string   { return channels.ChunkText(text, 1000) }
func (f *flakyAdapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	rt.SetStatus(types.Status{Running: true})
	return nil
}
func (f *flakyAdapter) StopAccount(ctx context.Context) error { return nil }
func (f *flakyAdapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return env.From, nil
}

func (f *flakyAdapter) SendText(ctx context.Context, target, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New(f.failWith)
	}
	f.textCalls = append(f.textCalls, text)
	return "", nil
}

func (f *flakyAdapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New(f.failWith)
	}
	f.media = append(f.media, path)
	f.captions = append(f.captions, caption)
	return "", nil
}

func newTestDeliverer(t *testing.T, adapter types.Adapter) (*Deliverer, *[]time.Duration) {
	t.Helper()

	registry := channels.NewRegistry(func(*envelope.Envelope) {})
	registry.Register(adapter)
	registry.StartAll(context.Background())

	store, err := media.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("media.NewStore: %v", err)
	}

	cfg := config.Defaults()
	d := NewDeliverer(registry, func() *config.Config { return cfg }, store)

	var sleeps []time.Duration
	d.sleep = func(dur time.Duration) { sleeps = append(sleeps, dur) }
	return d, &sleeps
}

func env() *envelope.Envelope {
	return &envelope.Envelope{Surface: "flaky", From: "+1555", ChatType: envelope.ChatDirect, Body: "x"}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	adapter := &flakyAdapter{failures: 2, failWith: "429 rate limited"}
	d, sleeps := newTestDeliverer(t, adapter)

	d.Deliver(context.Background(), env(), []envelope.Payload{{Text: "hello"}})

	if len(adapter.textCalls) != 1 {
		t.Fatalf("text sends = %v, want delivery on third attempt", adapter.textCalls)
	}
	// 400·attempt ms backoff between attempts.
	want := []time.Duration{400 * time.Millisecond, 800 * time.Millisecond}
	if len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("backoffs = %v, want %v", *sleeps, want)
	}
}

func TestDeliverGivesUpAfterThreeAttempts(t *testing.T) {
	adapter := &flakyAdapter{failures: 10, failWith: "timeout"}
	d, sleeps := newTestDeliverer(t, adapter)

	d.Deliver(context.Background(), env(), []envelope.Payload{{Text: "hello"}})

	if len(adapter.textCalls) != 0 {
		t.Errorf("send succeeded unexpectedly: %v", adapter.textCalls)
	}
	if len(*sleeps) != 2 {
		t.Errorf("backoffs = %d, want 2 (three attempts)", len(*sleeps))
	}
	if adapter.failures != 7 {
		t.Errorf("attempts consumed = %d, want 3", 10-adapter.failures)
	}
}

func TestDeliverDoesNotRetryPermanentErrors(t *testing.T) {
	adapter := &flakyAdapter{failures: 10, failWith: "invalid recipient"}
	d, sleeps := newTestDeliverer(t, adapter)

	d.Deliver(context.Background(), env(), []envelope.Payload{{Text: "hello"}})

	if got := 10 - adapter.failures; got != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent error", got)
	}
	if len(*sleeps) != 0 {
		t.Errorf("slept %v before a permanent failure", *sleeps)
	}
}

func TestDeliverCaptionOnFirstMediaOnly(t *testing.T) {
	adapter := &flakyAdapter{}
	d, _ := newTestDeliverer(t, adapter)

	dir := t.TempDir()
	var refs []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("f%d.bin", i))
		if err := os.WriteFile(path, []byte("plain data"), 0600); err != nil {
			t.Fatal(err)
		}
		refs = append(refs, path)
	}

	d.Deliver(context.Background(), env(), []envelope.Payload{{Text: "caption text", MediaURLs: refs}})

	if len(adapter.media) != 3 {
		t.Fatalf("media sends = %d, want 3", len(adapter.media))
	}
	if adapter.captions[0] != "caption text" {
		t.Errorf("first caption = %q, want the payload text", adapter.captions[0])
	}
	for i, c := range adapter.captions[1:] {
		if c != "" {
			t.Errorf("caption %d = %q, want empty", i+1, c)
		}
	}
}

func TestSendToUnknownChannel(t *testing.T) {
	adapter := &flakyAdapter{}
	d, _ := newTestDeliverer(t, adapter)

	err := d.SendTo(context.Background(), "ghost", "+1", []envelope.Payload{{Text: "x"}})
	if err == nil {
		t.Error("SendTo to unregistered channel succeeded")
	}
}
