package session

import (
	"testing"

	"github.com/clawdis/clawdis/internal/envelope"
)

func TestResolveKeyDirectCollapsesToMain(t *testing.T) {
	tests := []struct {
		name    string
		env     envelope.Envelope
		scope   Scope
		mainKey string
		want    string
	}{
		{
			name:  "whatsapp direct",
			env:   envelope.Envelope{Surface: "whatsapp", From: "+15555550123", ChatType: envelope.ChatDirect},
			scope: ScopePerSender, mainKey: "main",
			want: "main",
		},
		{
			name:  "telegram direct custom main key",
			env:   envelope.Envelope{Surface: "telegram", From: "12345", ChatType: envelope.ChatDirect},
			scope: ScopePerSender, mainKey: "primary",
			want: "primary",
		},
		{
			name:  "empty main key falls back to default",
			env:   envelope.Envelope{Surface: "signal", From: "+27831112222", ChatType: envelope.ChatDirect},
			scope: ScopePerSender, mainKey: "",
			want: "main",
		},
		{
			name:  "global scope wins over everything",
			env:   envelope.Envelope{Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup},
			scope: ScopeGlobal, mainKey: "main",
			want: "global",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveKey(&tt.env, tt.scope, tt.mainKey)
			if got != tt.want {
				t.Errorf("ResolveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveKeyGroups(t *testing.T) {
	tests := []struct {
		name string
		env  envelope.Envelope
		want string
	}{
		{
			name: "whatsapp group by chat type",
			env:  envelope.Envelope{Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup},
			want: "whatsapp:group:123@g.us",
		},
		{
			name: "whatsapp group tag without chat type",
			env:  envelope.Envelope{Surface: "whatsapp", From: "456@g.us", ChatType: envelope.ChatDirect},
			want: "whatsapp:group:456@g.us",
		},
		{
			name: "group prefix stripped",
			env:  envelope.Envelope{Surface: "signal", From: "group:abc", ChatType: envelope.ChatGroup},
			want: "signal:group:abc",
		},
		{
			name: "surface prefix stripped",
			env:  envelope.Envelope{Surface: "telegram", From: "telegram:group:789", ChatType: envelope.ChatGroup},
			want: "telegram:group:789",
		},
		{
			name: "telegram forum topic appended",
			env:  envelope.Envelope{Surface: "telegram", From: "789", ChatType: envelope.ChatGroup, ThreadID: "42"},
			want: "telegram:group:789:topic:42",
		},
		{
			name: "non-telegram thread id ignored",
			env:  envelope.Envelope{Surface: "slack", From: "C123", ChatType: envelope.ChatGroup, ThreadID: "167.89"},
			want: "slack:group:C123",
		},
		{
			name: "channel chat type",
			env:  envelope.Envelope{Surface: "discord", From: "chan9", ChatType: envelope.ChatChannel},
			want: "discord:channel:chan9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveKey(&tt.env, ScopePerSender, "main")
			if got != tt.want {
				t.Errorf("ResolveKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		env  envelope.Envelope
		want string
	}{
		{
			name: "explicit subject wins",
			env:  envelope.Envelope{Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup, GroupSubject: "Family"},
			want: "Family",
		},
		{
			name: "group slug",
			env:  envelope.Envelope{Surface: "whatsapp", From: "123@g.us", ChatType: envelope.ChatGroup},
			want: "whatsapp:g-123@g.us",
		},
		{
			name: "room slug",
			env:  envelope.Envelope{Surface: "slack", From: "C1", ChatType: envelope.ChatChannel, GroupRoom: "General Chat"},
			want: "slack:#general-chat",
		},
		{
			name: "discord slug combines guild and channel",
			env:  envelope.Envelope{Surface: "discord", From: "c9", ChatType: envelope.ChatChannel, GroupSpace: "My Guild", GroupRoom: "dev"},
			want: "discord:#my-guild-dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DisplayName(&tt.env)
			if got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"dev#ops", "dev#ops"},
		{"Weird!!Chars??", "weirdchars"},
		{"  padded  ", "padded"},
		{"keep@+._-", "keep@+._-"},
	}

	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
