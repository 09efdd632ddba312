package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueueModeHelpers(t *testing.T) {
	tests := []struct {
		mode    QueueMode
		backlog bool
		base    QueueMode
		valid   bool
	}{
		{QueueInterrupt, false, QueueInterrupt, true},
		{QueueSteer, false, QueueSteer, true},
		{QueueFollowup, false, QueueFollowup, true},
		{QueueCollect, false, QueueCollect, true},
		{QueueBacklogInterrupt, true, QueueInterrupt, true},
		{QueueBacklogSteer, true, QueueSteer, true},
		{QueueBacklogFollowup, true, QueueFollowup, true},
		{QueueBacklogCollect, true, QueueCollect, true},
		{QueueMode("nonsense"), false, QueueMode("nonsense"), false},
	}

	for _, tt := range tests {
		if got := tt.mode.IsBacklog(); got != tt.backlog {
			t.Errorf("%s.IsBacklog() = %v, want %v", tt.mode, got, tt.backlog)
		}
		if got := tt.mode.Base(); got != tt.base {
			t.Errorf("%s.Base() = %v, want %v", tt.mode, got, tt.base)
		}
		if got := tt.mode.Valid(); got != tt.valid {
			t.Errorf("%s.Valid() = %v, want %v", tt.mode, got, tt.valid)
		}
	}
}

func TestQueueModeForChannel(t *testing.T) {
	q := QueueConfig{
		Mode:      QueueInterrupt,
		ByChannel: map[string]QueueMode{"whatsapp": QueueBacklogCollect, "bad": "junk"},
	}

	if got := q.ModeFor("whatsapp"); got != QueueBacklogCollect {
		t.Errorf("ModeFor(whatsapp) = %v", got)
	}
	if got := q.ModeFor("telegram"); got != QueueInterrupt {
		t.Errorf("ModeFor(telegram) = %v", got)
	}
	// Invalid override falls through to the global mode.
	if got := q.ModeFor("bad"); got != QueueInterrupt {
		t.Errorf("ModeFor(bad) = %v", got)
	}

	empty := QueueConfig{}
	if got := empty.ModeFor("anything"); got != QueueCollect {
		t.Errorf("empty ModeFor = %v, want collect default", got)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Session.MainKey != "main" || cfg.Session.Scope != "per-sender" {
		t.Errorf("defaults missing: %+v", cfg.Session)
	}
	if cfg.Gateway.Listen != "127.0.0.1:4377" {
		t.Errorf("gateway default = %q", cfg.Gateway.Listen)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdis.json")
	doc := `{
		"session": {"mainKey": "primary"},
		"channels": {"whatsapp": {"enabled": true, "allowFrom": ["+1555"]}},
		"messages": {"queue": {"mode": "steer"}}
	}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Session.MainKey != "primary" {
		t.Errorf("mainKey = %q", cfg.Session.MainKey)
	}
	// Untouched defaults survive the merge.
	if cfg.Session.Scope != "per-sender" {
		t.Errorf("scope lost in merge: %q", cfg.Session.Scope)
	}
	if !cfg.Channels.WhatsApp.IsEnabled(false) {
		t.Error("whatsapp enabled flag lost")
	}
	if cfg.Messages.Queue.Mode != QueueSteer {
		t.Errorf("queue mode = %v", cfg.Messages.Queue.Mode)
	}
}

func TestConfigPutGetRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Session.MainKey = "primary"
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = "secret"

	doc, err := Document(cfg)
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	back, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}

	doc2, err := Document(back)
	if err != nil {
		t.Fatal(err)
	}

	// config.put(config.get()) is a no-op modulo whitespace.
	if len(doc) != len(doc2) {
		t.Errorf("document keys changed: %d vs %d", len(doc), len(doc2))
	}
	if back.Session.MainKey != "primary" || back.Auth.Token != "secret" {
		t.Errorf("round trip lost values: %+v", back)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdis.json")

	cfg := Defaults()
	cfg.Agent.Model = "claude-sonnet-4-5"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Agent.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", loaded.Agent.Model)
	}
}

func TestAtomicWriteReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json")

	if err := AtomicWrite(path, []byte(`{"v":1}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte(`{"v":2}`), 0600); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("content = %s", data)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("leftover files: %v", entries)
	}
}
