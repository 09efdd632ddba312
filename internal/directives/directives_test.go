package directives

import (
	"path/filepath"
	"testing"

	"github.com/clawdis/clawdis/internal/session"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantDirs int
		wantRest string
	}{
		{"plain message", "hello there", 0, "hello there"},
		{"single directive", "/new", 1, ""},
		{"directive with arg", "/thinking high", 1, ""},
		{"directive then message", "/thinking high\nwhat's up", 1, "what's up"},
		{"stacked directives", "/new\n/verbose low\nhello", 2, "hello"},
		{"unknown slash stays in body", "/unknowncmd do it", 0, "/unknowncmd do it"},
		{"slash mid-message is not a directive", "look at /etc/hosts", 0, "look at /etc/hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, rest := Parse(tt.in)
			if len(ds) != tt.wantDirs {
				t.Errorf("directives = %v, want %d", ds, tt.wantDirs)
			}
			if rest != tt.wantRest {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestApply(t *testing.T) {
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	store.GetOrCreate("main", "test")

	t.Run("thinking level", func(t *testing.T) {
		ds, _ := Parse("/thinking xhigh")
		acks := Apply(store, "main", ds)
		if len(acks) != 1 {
			t.Fatalf("acks = %v", acks)
		}
		if store.Get("main").ThinkingLevel != "xhigh" {
			t.Errorf("thinking = %q", store.Get("main").ThinkingLevel)
		}
	})

	t.Run("invalid level gets usage hint", func(t *testing.T) {
		ds, _ := Parse("/thinking supermax")
		acks := Apply(store, "main", ds)
		if len(acks) != 1 || acks[0][:6] != "Usage:" {
			t.Errorf("acks = %v, want usage hint", acks)
		}
	})

	t.Run("activation", func(t *testing.T) {
		ds, _ := Parse("/activation mention")
		Apply(store, "main", ds)
		if store.Get("main").GroupActivation != "mention" {
			t.Errorf("activation = %q", store.Get("main").GroupActivation)
		}
	})

	t.Run("new resets the session", func(t *testing.T) {
		before := store.Get("main").SessionID
		ds, _ := Parse("/new")
		Apply(store, "main", ds)
		after := store.GetOrCreate("main", "test")
		if after.SessionID == before {
			t.Error("session identity survived /new")
		}
	})
}
