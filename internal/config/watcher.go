package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/logging"
)

// AppliedTopic is the bus topic prefix for hot-reload notifications.
// A change under the "channels" root publishes "config.applied:channels"
// and, for each changed adapter block, "config.applied:channels.<id>".
const AppliedTopic = "config.applied:"

// debounce window for editors that write config files in several bursts
const watchDebounce = 300 * time.Millisecond

// Watcher watches clawdis.json and publishes prefix-scoped reload events.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current *Config
	stopped bool
	done    chan struct{}
}

// NewWatcher creates a watcher for the given config path with the currently
// loaded document as baseline. A nil watcher is returned for an empty path.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		current: current,
		done:    make(chan struct{}),
	}
	go w.run()

	logging.L_info("config: watching for changes", "path", path)
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Apply swaps in a new config (e.g. from config.put) and publishes the
// changed prefixes, exactly as a file edit would.
func (w *Watcher) Apply(cfg *Config) {
	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	publishChanged(old, cfg)
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.watcher.Close()
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Atomic-rename writers replace the file; re-add the watch.
			if ev.Op&fsnotify.Rename != 0 {
				_ = w.watcher.Add(w.path)
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.path)
	if err != nil {
		logging.L_error("config: reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	changed := publishChanged(old, cfg)
	if len(changed) > 0 {
		logging.L_info("config: reloaded", "path", w.path, "changed", changed)
	}
}

// publishChanged diffs two configs and publishes config.applied events for
// every changed top-level prefix. Channel blocks additionally publish a
// per-adapter prefix so only the affected adapter restarts.
func publishChanged(old, next *Config) []string {
	if old == nil {
		old = Defaults()
	}

	var changed []string
	emit := func(prefix string, data any) {
		changed = append(changed, prefix)
		bus.PublishEvent(AppliedTopic+prefix, data)
	}

	if !jsonEqual(old.Agent, next.Agent) {
		emit("agent", &next.Agent)
	}
	if !jsonEqual(old.Models, next.Models) {
		emit("models", &next.Models)
	}
	if !jsonEqual(old.Auth, next.Auth) {
		emit("auth", &next.Auth)
	}
	if !jsonEqual(old.Messages, next.Messages) {
		emit("messages", &next.Messages)
	}
	if !jsonEqual(old.Session, next.Session) {
		emit("session", &next.Session)
	}
	if !jsonEqual(old.Routing, next.Routing) {
		emit("routing", &next.Routing)
	}
	if !jsonEqual(old.Skills, next.Skills) {
		emit("skills", &next.Skills)
	}
	if !jsonEqual(old.Logging, next.Logging) {
		emit("logging", &next.Logging)
	}
	if !jsonEqual(old.Gateway, next.Gateway) {
		emit("gateway", &next.Gateway)
	}
	if !jsonEqual(old.Web, next.Web) {
		emit("web", &next.Web)
	}
	if !jsonEqual(old.Cron, next.Cron) {
		emit("cron", &next.Cron)
	}
	if !jsonEqual(old.Media, next.Media) {
		emit("media", &next.Media)
	}

	if !jsonEqual(old.Channels, next.Channels) {
		emit("channels", &next.Channels)
		for _, id := range []string{"whatsapp", "telegram", "discord", "signal", "imessage", "slack", "webchat"} {
			if !jsonEqual(*old.Channels.ByID(id), *next.Channels.ByID(id)) {
				emit("channels."+id, next.Channels.ByID(id))
			}
		}
	}

	return changed
}

// jsonEqual compares two values by their JSON form. Config blocks are plain
// data, so this is equivalent to a deep compare without reflect surprises
// on pointer fields.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(aj) == string(bj)
}
