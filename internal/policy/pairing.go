package policy

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Pairing code alphabet: uppercase alphanumerics minus the lookalikes
// 0, O, 1, I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 8

	// PairingTTL is how long a pending request stays valid.
	PairingTTL = time.Hour

	// MaxPendingPerChannel bounds pending requests per channel.
	MaxPendingPerChannel = 3
)

// PairingRequest is one pending owner-approval request.
type PairingRequest struct {
	Code      string    `json:"code"`
	Channel   string    `json:"channel"`
	Peer      string    `json:"peer"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type pairingFile struct {
	Version  int              `json:"version"`
	Requests []PairingRequest `json:"requests"`
}

// PairingStore persists pending pairing requests per channel under
// credentials/<channel>-pairing.json.
type PairingStore struct {
	pathFor func(channel string) (string, error)

	mu       sync.Mutex
	requests map[string][]PairingRequest // channel -> pending

	now func() time.Time
}

// NewPairingStore creates a store using pathFor to resolve per-channel
// credential files.
func NewPairingStore(pathFor func(channel string) (string, error)) *PairingStore {
	return &PairingStore{
		pathFor:  pathFor,
		requests: make(map[string][]PairingRequest),
		now:      time.Now,
	}
}

// Request creates a pairing request for a peer and returns its code. A
// peer with a live pending request gets the same code back; its expiry is
// not extended.
// Returns an error when the per-channel pending limit is reached.
func (s *PairingStore) Request(channel, peer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(channel)
	pending := s.pruneLocked(channel)

	for _, req := range pending {
		if req.Peer == peer {
			return req.Code, nil
		}
	}

	if len(pending) >= MaxPendingPerChannel {
		return "", fmt.Errorf("too many pending pairing requests for %s", channel)
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	now := s.now()
	req := PairingRequest{
		Code:      code,
		Channel:   channel,
		Peer:      peer,
		CreatedAt: now,
		ExpiresAt: now.Add(PairingTTL),
	}
	s.requests[channel] = append(pending, req)
	s.saveLocked(channel)

	return code, nil
}

// List returns the live pending requests for a channel (every channel this
// store has already loaded when channel is empty; pairing files of channels
// not yet touched are not read). Expired requests never appear.
func (s *PairingStore) List(channel string) []PairingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channel != "" {
		s.loadLocked(channel)
		return append([]PairingRequest(nil), s.pruneLocked(channel)...)
	}

	var all []PairingRequest
	for ch := range s.requests {
		all = append(all, s.pruneLocked(ch)...)
	}
	return all
}

// Approve consumes a pending request by code and returns it.
func (s *PairingStore) Approve(channel, code string) (*PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(channel)
	pending := s.pruneLocked(channel)
	for i, req := range pending {
		if req.Code == code {
			s.requests[channel] = append(pending[:i], pending[i+1:]...)
			s.saveLocked(channel)
			L_info("pairing: approved", "channel", channel, "peer", req.Peer)
			return &req, nil
		}
	}
	return nil, fmt.Errorf("pairing code not found: %s", code)
}

// pruneLocked drops expired requests for a channel and persists if any
// were removed. Callers hold s.mu.
func (s *PairingStore) pruneLocked(channel string) []PairingRequest {
	now := s.now()
	pending := s.requests[channel]
	live := pending[:0]
	for _, req := range pending {
		if req.ExpiresAt.After(now) {
			live = append(live, req)
		}
	}
	if len(live) != len(pending) {
		s.requests[channel] = live
		s.saveLocked(channel)
	}
	return live
}

// loadLocked lazily reads the channel's pairing file. Callers hold s.mu.
func (s *PairingStore) loadLocked(channel string) {
	if _, loaded := s.requests[channel]; loaded {
		return
	}
	s.requests[channel] = nil

	path, err := s.pathFor(channel)
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return // absent file is a valid state
	}
	var file pairingFile
	if err := json.Unmarshal(data, &file); err != nil {
		L_warn("pairing: corrupt state file, starting empty", "channel", channel, "error", err)
		return
	}
	s.requests[channel] = file.Requests
}

func (s *PairingStore) saveLocked(channel string) {
	path, err := s.pathFor(channel)
	if err != nil {
		return
	}
	file := pairingFile{Version: 1, Requests: s.requests[channel]}
	if err := config.AtomicWriteJSON(path, &file, 0600); err != nil {
		L_warn("pairing: save failed", "channel", channel, "error", err)
	}
}

// generateCode produces an 8-char code from the pairing alphabet.
func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
