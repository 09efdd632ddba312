package policy

import (
	"path/filepath"
	"testing"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	dir := t.TempDir()
	store := NewPairingStore(func(channel string) (string, error) {
		return filepath.Join(dir, channel+"-pairing.json"), nil
	})
	return NewGate(store)
}

func directEnv(from string) *envelope.Envelope {
	return &envelope.Envelope{Surface: "whatsapp", From: from, ChatType: envelope.ChatDirect, Body: "hi"}
}

func groupEnv(body string) *envelope.Envelope {
	return &envelope.Envelope{Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup, Body: body, SenderIdentity: "+1555"}
}

func TestGateDMAllowlist(t *testing.T) {
	gate := newTestGate(t)

	tests := []struct {
		name      string
		allowFrom []string
		from      string
		want      bool
	}{
		{"wildcard admits any sender", []string{"*"}, "+19999999999", true},
		{"member admitted", []string{"+15555550123"}, "+15555550123", true},
		{"non-member rejected", []string{"+15555550123"}, "+19999999999", false},
		{"empty allowlist admits none", nil, "+15555550123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := &config.ChannelConfig{DMPolicy: DMAllowlist, AllowFrom: tt.allowFrom}
			v := gate.Check(directEnv(tt.from), cc)
			if v.Allow != tt.want {
				t.Errorf("Allow = %v, want %v (reason %q)", v.Allow, tt.want, v.Reason)
			}
		})
	}
}

func TestGateDMPairingIssuesCode(t *testing.T) {
	gate := newTestGate(t)
	cc := &config.ChannelConfig{DMPolicy: DMPairing, AllowFrom: []string{"+1000"}}

	// Allowlisted senders skip pairing.
	if v := gate.Check(directEnv("+1000"), cc); !v.Allow {
		t.Fatalf("allowlisted sender rejected: %q", v.Reason)
	}

	// Unknown senders get a pairing code, not a run.
	v := gate.Check(directEnv("+2000"), cc)
	if v.Allow {
		t.Fatal("unknown sender admitted under pairing policy")
	}
	if v.Reason != "pairing-pending" || v.PairingCode == "" {
		t.Errorf("verdict = %+v, want pairing-pending with code", v)
	}

	// The same peer keeps the same code.
	v2 := gate.Check(directEnv("+2000"), cc)
	if v2.PairingCode != v.PairingCode {
		t.Errorf("second request changed the code: %q vs %q", v2.PairingCode, v.PairingCode)
	}
}

func TestGateGroupPolicies(t *testing.T) {
	gate := newTestGate(t)

	tests := []struct {
		name        string
		cc          config.ChannelConfig
		env         *envelope.Envelope
		wantAllow   bool
		wantContext bool
	}{
		{
			name:      "open group passes",
			cc:        config.ChannelConfig{GroupPolicy: GroupOpen},
			env:       groupEnv("hello"),
			wantAllow: true,
		},
		{
			name: "disabled group rejects",
			cc:   config.ChannelConfig{GroupPolicy: GroupDisabled},
			env:  groupEnv("hello"),
		},
		{
			name: "allowlist without entry rejects",
			cc:   config.ChannelConfig{GroupPolicy: GroupAllowlist},
			env:  groupEnv("hello"),
		},
		{
			name: "allowlist wildcard group passes",
			cc: config.ChannelConfig{
				GroupPolicy: GroupAllowlist,
				Groups:      map[string]config.GroupConfig{"*": {}},
			},
			env:       groupEnv("hello"),
			wantAllow: true,
		},
		{
			name: "mention required and present",
			cc: config.ChannelConfig{
				GroupPolicy:     GroupOpen,
				Groups:          map[string]config.GroupConfig{"*": {RequireMention: true}},
				MentionPatterns: []string{"@clawd"},
			},
			env:       groupEnv("@clawd status"),
			wantAllow: true,
		},
		{
			name: "mention required and absent becomes context only",
			cc: config.ChannelConfig{
				GroupPolicy:     GroupOpen,
				Groups:          map[string]config.GroupConfig{"*": {RequireMention: true}},
				MentionPatterns: []string{"@clawd"},
			},
			env:         groupEnv("hello"),
			wantContext: true,
		},
		{
			name: "mention pattern does not match longer names",
			cc: config.ChannelConfig{
				GroupPolicy:     GroupOpen,
				Groups:          map[string]config.GroupConfig{"*": {RequireMention: true}},
				MentionPatterns: []string{"@clawd"},
			},
			env:         groupEnv("ping @clawdette"),
			wantContext: true,
		},
		{
			name: "native mention flag wins",
			cc: config.ChannelConfig{
				GroupPolicy: GroupOpen,
				Groups:      map[string]config.GroupConfig{"*": {RequireMention: true}},
			},
			env: func() *envelope.Envelope {
				e := groupEnv("hello")
				e.WasMentioned = true
				return e
			}(),
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Check(tt.env, &tt.cc)
			if v.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v (reason %q)", v.Allow, tt.wantAllow, v.Reason)
			}
			if v.ContextOnly != tt.wantContext {
				t.Errorf("ContextOnly = %v, want %v", v.ContextOnly, tt.wantContext)
			}
		})
	}
}
