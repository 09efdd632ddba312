package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

// IngestFunc receives normalized envelopes from running adapters.
type IngestFunc func(env *envelope.Envelope)

// Registry owns the lifecycle of all channel adapters: start with retry,
// stop, status aggregation, and hot restart on config changes. At most one
// active instance exists per adapter id.
type Registry struct {
	ingest IngestFunc

	mu       sync.RWMutex
	adapters map[string]types.Adapter
	running  map[string]*accountRuntime
	retrying map[string]context.CancelFunc

	ctx context.Context
}

// accountRuntime is the RuntimeContext implementation handed to adapters.
type accountRuntime struct {
	registry *Registry
	id       string

	mu     sync.RWMutex
	status types.Status
}

func (rt *accountRuntime) Ingest(env *envelope.Envelope) {
	if env.Surface == "" {
		env.Surface = rt.id
	}
	if rt.registry.ingest == nil {
		L_warn("channels: dropping envelope, no ingest bound", "surface", env.Surface)
		return
	}
	rt.registry.ingest(env)
}

func (rt *accountRuntime) GetStatus() types.Status {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.status
}

func (rt *accountRuntime) SetStatus(st types.Status) {
	rt.mu.Lock()
	rt.status = st
	rt.mu.Unlock()
}

// NewRegistry creates an adapter registry that delivers inbound envelopes
// to the given ingest function. A nil ingest can be set later with
// SetIngest, before StartAll.
func NewRegistry(ingest IngestFunc) *Registry {
	return &Registry{
		ingest:   ingest,
		adapters: make(map[string]types.Adapter),
		running:  make(map[string]*accountRuntime),
		retrying: make(map[string]context.CancelFunc),
	}
}

// SetIngest binds the envelope sink. Must be called before StartAll.
func (r *Registry) SetIngest(ingest IngestFunc) {
	r.ingest = ingest
}

// Register adds an adapter to the registry. Must be called before StartAll.
func (r *Registry) Register(a types.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Meta().ID] = a
	L_debug("channels: adapter registered", "channel", a.Meta().ID)
}

// Get returns an adapter by id, or nil.
func (r *Registry) Get(id string) types.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id]
}

// Active returns the adapter only if its account is currently running.
func (r *Registry) Active(id string) types.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.running[id]; !ok {
		return nil
	}
	return r.adapters[id]
}

// IDs returns all registered adapter ids ordered by Meta().Order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.adapters[ids[i]].Meta().Order < r.adapters[ids[j]].Meta().Order
	})
	return ids
}

// StartAll starts every configured adapter. Adapters that fail to start
// retry in the background with doubling backoff (5s..5min). It also
// subscribes to config.applied events for per-adapter hot restart.
func (r *Registry) StartAll(ctx context.Context) {
	r.ctx = ctx

	for _, id := range r.IDs() {
		a := r.Get(id)
		if !a.IsConfigured() {
			L_info(id + ": disabled by configuration")
			continue
		}
		if err := r.startAccount(ctx, id); err != nil {
			L_warn(id+": initial start failed, will retry in background", "error", err)
			r.startRetry(ctx, id)
		}
	}

	r.subscribeConfigEvents()
}

// startAccount starts a single adapter account under the per-adapter lock.
func (r *Registry) startAccount(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, running := r.running[id]; running {
		r.mu.Unlock()
		return nil
	}
	a := r.adapters[id]
	if a == nil {
		r.mu.Unlock()
		return fmt.Errorf("channel %q not registered", id)
	}
	rt := &accountRuntime{registry: r, id: id}
	r.running[id] = rt
	r.mu.Unlock()

	if err := a.StartAccount(ctx, rt); err != nil {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		return err
	}

	bus.PublishEvent("channels."+id+".started", nil)
	L_info(id + ": channel ready and listening")
	return nil
}

// startRetry starts a background retry loop for a failed adapter.
func (r *Registry) startRetry(ctx context.Context, id string) {
	r.mu.Lock()
	if _, ok := r.retrying[id]; ok {
		r.mu.Unlock()
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	r.retrying[id] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.retrying, id)
			r.mu.Unlock()
		}()

		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute
		attempt := 1

		for {
			select {
			case <-retryCtx.Done():
				L_info(id + ": shutdown requested, stopping retry")
				return
			case <-time.After(backoff):
			}

			L_info(id+": retrying connection", "attempt", attempt, "backoff", backoff)

			if err := r.startAccount(retryCtx, id); err != nil {
				L_warn(id+": connection failed", "error", err, "nextRetry", backoff)
				attempt++
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			L_info(id+": channel ready after retry", "attempts", attempt)
			return
		}
	}()
}

// stopAccount stops a running adapter account.
func (r *Registry) stopAccount(id string) {
	r.mu.Lock()
	if cancel, ok := r.retrying[id]; ok {
		cancel()
		delete(r.retrying, id)
	}
	_, running := r.running[id]
	a := r.adapters[id]
	delete(r.running, id)
	r.mu.Unlock()

	if !running || a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.StopAccount(ctx); err != nil {
		L_error(id+": stop failed", "error", err)
	}
	bus.PublishEvent("channels."+id+".stopped", nil)
}

// Restart stops and restarts one adapter (reload is stop-then-start).
func (r *Registry) Restart(id string) {
	L_info(id + ": restarting")
	r.stopAccount(id)

	a := r.Get(id)
	if a == nil || !a.IsConfigured() {
		L_info(id + ": disabled by new config")
		return
	}
	if err := r.startAccount(r.ctx, id); err != nil {
		L_error(id+": failed to start with new config", "error", err)
		r.startRetry(r.ctx, id)
	}
}

// subscribeConfigEvents wires config.applied:<prefix> events to adapter
// restarts, honoring each adapter's declared config prefixes.
func (r *Registry) subscribeConfigEvents() {
	for _, id := range r.IDs() {
		a := r.Get(id)
		prefixes := []string{"channels." + id}
		if rl, ok := a.(types.Reloadable); ok {
			prefixes = rl.ConfigPrefixes()
		}
		adapterID := id
		for _, prefix := range prefixes {
			bus.SubscribeEvent(config.AppliedTopic+prefix, func(bus.Event) {
				r.Restart(adapterID)
			})
		}
	}
}

// StopAll gracefully shuts down every running adapter.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		L_debug("channels: stopping", "channel", id)
		r.stopAccount(id)
	}
}

// Status returns the status of all registered adapters, keyed by id.
func (r *Registry) Status() map[string]types.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]types.Status, len(r.adapters))
	for id := range r.adapters {
		if rt, ok := r.running[id]; ok {
			result[id] = rt.GetStatus()
		} else {
			result[id] = types.Status{}
		}
	}
	return result
}

// Summary returns a one-line status summary for logs and doctor output.
func (r *Registry) Summary() string {
	var parts []string
	for _, id := range r.IDs() {
		st := r.Status()[id]
		state := "stopped"
		if st.Running {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", id, state))
	}
	return strings.Join(parts, " ")
}
