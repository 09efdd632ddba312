package policy

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestPairingStore(t *testing.T) *PairingStore {
	t.Helper()
	dir := t.TempDir()
	return NewPairingStore(func(channel string) (string, error) {
		return filepath.Join(dir, channel+"-pairing.json"), nil
	})
}

func TestPairingCodeCharset(t *testing.T) {
	store := newTestPairingStore(t)

	for i := 0; i < 3; i++ {
		code, err := store.Request("whatsapp", "peer-"+strings.Repeat("x", i+1))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		if len(code) != 8 {
			t.Errorf("code length = %d, want 8", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", r) {
				t.Errorf("code %q contains %q outside [A-HJ-NP-Z2-9]", code, r)
			}
		}
	}
}

func TestPairingMaxPendingPerChannel(t *testing.T) {
	store := newTestPairingStore(t)

	for i := 0; i < MaxPendingPerChannel; i++ {
		if _, err := store.Request("telegram", string(rune('a'+i))); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if _, err := store.Request("telegram", "one-too-many"); err == nil {
		t.Error("fourth pending request was accepted")
	}

	// Other channels are unaffected.
	if _, err := store.Request("signal", "fresh"); err != nil {
		t.Errorf("other channel blocked: %v", err)
	}
}

func TestPairingExpiry(t *testing.T) {
	store := newTestPairingStore(t)

	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	code, err := store.Request("whatsapp", "+1555")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// At t=3601s the request must no longer be listed.
	now = now.Add(PairingTTL + time.Second)
	if reqs := store.List("whatsapp"); len(reqs) != 0 {
		t.Fatalf("expired request still listed: %v", reqs)
	}

	// A new inbound from the same peer gets a new code.
	code2, err := store.Request("whatsapp", "+1555")
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if code2 == code {
		t.Error("expired code was reissued")
	}
}

func TestPairingApproveConsumesRequest(t *testing.T) {
	store := newTestPairingStore(t)

	code, _ := store.Request("whatsapp", "+1555")

	req, err := store.Approve("whatsapp", code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if req.Peer != "+1555" {
		t.Errorf("approved peer = %q, want +1555", req.Peer)
	}

	if _, err := store.Approve("whatsapp", code); err == nil {
		t.Error("second approve of the same code succeeded")
	}
	if reqs := store.List("whatsapp"); len(reqs) != 0 {
		t.Errorf("approved request still pending: %v", reqs)
	}
}

func TestPairingPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	pathFor := func(channel string) (string, error) {
		return filepath.Join(dir, channel+"-pairing.json"), nil
	}

	first := NewPairingStore(pathFor)
	code, _ := first.Request("whatsapp", "+1555")

	second := NewPairingStore(pathFor)
	reqs := second.List("whatsapp")
	if len(reqs) != 1 || reqs[0].Code != code {
		t.Errorf("reloaded store lost the request: %v", reqs)
	}
}
