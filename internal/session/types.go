// Package session provides the durable conversation identity layer:
// the session store (sessions.json snapshot), the session key resolver,
// and append-only JSONL transcripts.
package session

import (
	"time"
)

// GlobalKey is the reserved key used when session scope is "global".
const GlobalKey = "global"

// DefaultMainKey is the shared key all direct chats collapse to by default.
const DefaultMainKey = "main"

// Scope selects how inbound envelopes map to sessions.
type Scope string

const (
	ScopePerSender Scope = "per-sender"
	ScopeGlobal    Scope = "global"
)

// Entry is the per-session metadata record. One Entry exists per SessionKey.
type Entry struct {
	SessionID       string    `json:"sessionId"`
	UpdatedAt       time.Time `json:"updatedAt"`
	LastChannel     string    `json:"lastChannel,omitempty"`
	LastTo          string    `json:"lastTo,omitempty"`
	SystemSent      bool      `json:"systemSent,omitempty"`
	AbortedLastRun  bool      `json:"abortedLastRun,omitempty"`
	ThinkingLevel   string    `json:"thinkingLevel,omitempty"`
	VerboseLevel    string    `json:"verboseLevel,omitempty"`
	InputTokens     int       `json:"inputTokens,omitempty"`
	OutputTokens    int       `json:"outputTokens,omitempty"`
	TotalTokens     int       `json:"totalTokens,omitempty"`
	Model           string    `json:"model,omitempty"`
	ContextTokens   int       `json:"contextTokens,omitempty"`
	GroupActivation string    `json:"groupActivation,omitempty"` // "on", "off", "mention"
	Origin          string    `json:"origin,omitempty"`          // surface that first created the session
	DisplayName     string    `json:"displayName,omitempty"`
}

// Info is the listing shape returned to gateway clients.
type Info struct {
	Key         string    `json:"key"`
	SessionID   string    `json:"sessionId"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastChannel string    `json:"lastChannel,omitempty"`
	LastTo      string    `json:"lastTo,omitempty"`
	TotalTokens int       `json:"totalTokens,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
}

// Patch carries optional field updates applied through Store.Patch.
// Nil pointers leave the field untouched.
type Patch struct {
	LastChannel     *string
	LastTo          *string
	SystemSent      *bool
	AbortedLastRun  *bool
	ThinkingLevel   *string
	VerboseLevel    *string
	InputTokens     *int
	OutputTokens    *int
	TotalTokens     *int
	Model           *string
	ContextTokens   *int
	GroupActivation *string
	DisplayName     *string
}
