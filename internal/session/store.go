package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/config"
	. "github.com/clawdis/clawdis/internal/logging"
)

// storeFile is the on-disk shape of sessions.json.
type storeFile struct {
	Version  int               `json:"version"`
	Sessions map[string]*Entry `json:"sessions"`
}

// Store maps SessionKey -> Entry, persisted atomically to a single file.
// Writers serialize through the store mutex; readers get copies and may
// observe a stale snapshot.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry

	// injected for tests; defaults to time.Now
	now func() time.Time
}

// NewStore creates a store backed by the given snapshot path and loads any
// existing snapshot.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("session: store file not found, starting empty", "path", s.path)
			return nil
		}
		return fmt.Errorf("failed to read session store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse session store: %w", err)
	}
	if file.Sessions != nil {
		s.entries = file.Sessions
	}

	L_info("session: store loaded", "count", len(s.entries), "path", s.path)
	return nil
}

// saveLocked writes the snapshot atomically. Callers hold s.mu.
func (s *Store) saveLocked() error {
	file := storeFile{Version: 1, Sessions: s.entries}
	if err := config.AtomicWriteJSON(s.path, &file, 0600); err != nil {
		return fmt.Errorf("failed to save session store: %w", err)
	}
	return nil
}

// Get returns a copy of the entry for key, or nil if absent.
func (s *Store) Get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// GetOrCreate returns the entry for key, creating it on first use.
// The origin surface is recorded on creation only.
func (s *Store) GetOrCreate(key, origin string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		e = &Entry{
			SessionID: uuid.New().String(),
			UpdatedAt: s.now(),
			Origin:    origin,
		}
		s.entries[key] = e
		if err := s.saveLocked(); err != nil {
			L_warn("session: save after create failed", "key", key, "error", err)
		}
		L_info("session: created", "key", key, "sessionId", e.SessionID, "origin", origin)
	}
	cp := *e
	return &cp
}

// Patch applies field updates to an entry and bumps UpdatedAt monotonically.
// Missing entries are created. lastChannel never takes the value "webchat"
// so heartbeat targeting cannot select the webchat surface.
func (s *Store) Patch(key string, p Patch) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		e = &Entry{SessionID: uuid.New().String()}
		s.entries[key] = e
	}

	if p.LastChannel != nil && *p.LastChannel != "webchat" {
		e.LastChannel = *p.LastChannel
	}
	if p.LastTo != nil {
		e.LastTo = *p.LastTo
	}
	if p.SystemSent != nil {
		e.SystemSent = *p.SystemSent
	}
	if p.AbortedLastRun != nil {
		e.AbortedLastRun = *p.AbortedLastRun
	}
	if p.ThinkingLevel != nil {
		e.ThinkingLevel = *p.ThinkingLevel
	}
	if p.VerboseLevel != nil {
		e.VerboseLevel = *p.VerboseLevel
	}
	if p.InputTokens != nil {
		e.InputTokens = *p.InputTokens
	}
	if p.OutputTokens != nil {
		e.OutputTokens = *p.OutputTokens
	}
	if p.TotalTokens != nil {
		e.TotalTokens = *p.TotalTokens
	}
	if p.Model != nil {
		e.Model = *p.Model
	}
	if p.ContextTokens != nil {
		e.ContextTokens = *p.ContextTokens
	}
	if p.GroupActivation != nil {
		e.GroupActivation = *p.GroupActivation
	}
	if p.DisplayName != nil {
		e.DisplayName = *p.DisplayName
	}

	// UpdatedAt is monotonic per session: never move it backwards even if
	// the wall clock does.
	now := s.now()
	if now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}

	if err := s.saveLocked(); err != nil {
		// In-memory state stays authoritative until the next successful flush.
		L_warn("session: save failed, keeping in-memory state", "key", key, "error", err)
	}

	cp := *e
	return &cp, nil
}

// RestoreUpdatedAt puts back a previously observed UpdatedAt value.
// Used by the heartbeat scheduler so heartbeat runs do not artificially
// rank sessions recent.
func (s *Store) RestoreUpdatedAt(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return
	}
	e.UpdatedAt = t
	if err := s.saveLocked(); err != nil {
		L_warn("session: save failed during updatedAt restore", "key", key, "error", err)
	}
}

// Reset removes an entry, giving the key a fresh identity on next use.
// Returns false if the key was unknown.
func (s *Store) Reset(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	if err := s.saveLocked(); err != nil {
		L_warn("session: save failed after reset", "key", key, "error", err)
	}
	L_info("session: reset", "key", key)
	return true
}

// Clear removes every entry (nuclear clear).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	if err := s.saveLocked(); err != nil {
		L_warn("session: save failed after clear", "error", err)
	}
	L_warn("session: store cleared")
}

// List returns session infos sorted by UpdatedAt descending.
func (s *Store) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.entries))
	for key, e := range s.entries {
		infos = append(infos, Info{
			Key:         key,
			SessionID:   e.SessionID,
			UpdatedAt:   e.UpdatedAt,
			LastChannel: e.LastChannel,
			LastTo:      e.LastTo,
			TotalTokens: e.TotalTokens,
			DisplayName: e.DisplayName,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

// Count returns the number of sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of the full mapping (for save/load round-trips
// and tests).
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e
	}
	return out
}
