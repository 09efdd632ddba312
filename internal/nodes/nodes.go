// Package nodes tracks paired client nodes (macOS app, iOS node, TUI
// instances) under nodes/pending.json and nodes/paired.json.
package nodes

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Node is one known client node.
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
	PairedAt    time.Time `json:"pairedAt,omitempty"`
}

// Store persists node pairing state.
type Store struct {
	dir string

	mu      sync.Mutex
	pending []Node
	paired  []Node
	loaded  bool
}

// NewStore creates a node store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Request records a pending node pairing request.
func (s *Store) Request(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	for _, p := range s.pending {
		if p.ID == n.ID {
			return nil // already pending
		}
	}
	n.RequestedAt = time.Now()
	s.pending = append(s.pending, n)
	return s.saveLocked()
}

// Approve moves a pending node to the paired list.
func (s *Store) Approve(id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	for i, n := range s.pending {
		if n.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			n.PairedAt = time.Now()
			s.paired = append(s.paired, n)
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			L_info("nodes: paired", "id", n.ID, "name", n.Name)
			return &n, nil
		}
	}
	return nil, fmt.Errorf("no pending node with id %s", id)
}

// List returns pending and paired nodes.
func (s *Store) List() (pending, paired []Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return append([]Node(nil), s.pending...), append([]Node(nil), s.paired...)
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.pending = readNodeFile(filepath.Join(s.dir, "pending.json"))
	s.paired = readNodeFile(filepath.Join(s.dir, "paired.json"))
}

func (s *Store) saveLocked() error {
	if err := config.AtomicWriteJSON(filepath.Join(s.dir, "pending.json"), s.pending, 0600); err != nil {
		return err
	}
	return config.AtomicWriteJSON(filepath.Join(s.dir, "paired.json"), s.paired, 0600)
}

func readNodeFile(path string) []Node {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // absent file is a valid state
	}
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		L_warn("nodes: corrupt state file, starting empty", "path", path, "error", err)
		return nil
	}
	return nodes
}
