package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/internal/envelope"
)

// ResolveKey maps an inbound envelope to its session key.
//
// Shapes:
//
//	<mainKey>                                  direct chats (per-sender scope)
//	<surface>:group:<id>[:topic:<threadId>]    group chats
//	<surface>:channel:<id>                     channel/room chats
//	global                                     everything (global scope)
func ResolveKey(e *envelope.Envelope, scope Scope, mainKey string) string {
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	if scope == ScopeGlobal {
		return GlobalKey
	}

	if e.ChatType == envelope.ChatGroup || strings.HasPrefix(e.From, "group:") || isGroupTag(e.Surface, e.From) {
		id := stripGroupPrefixes(e.Surface, e.From)
		key := fmt.Sprintf("%s:group:%s", e.Surface, id)
		// Telegram forum topics get their own session per topic.
		if e.Surface == "telegram" && e.ThreadID != "" {
			key += ":topic:" + e.ThreadID
		}
		return key
	}

	if e.ChatType == envelope.ChatChannel {
		id := stripGroupPrefixes(e.Surface, e.From)
		return fmt.Sprintf("%s:channel:%s", e.Surface, id)
	}

	// All direct chats collapse to the shared main session by default.
	return mainKey
}

// isGroupTag reports whether a from token matches a surface-specific group
// address even when chatType was left unset by the adapter.
func isGroupTag(surface, from string) bool {
	switch surface {
	case "whatsapp":
		return strings.HasSuffix(from, "@g.us")
	default:
		return false
	}
}

// stripGroupPrefixes removes redundant "group:" or "<surface>:" prefixes
// from a group id so keys never double up.
func stripGroupPrefixes(surface, id string) string {
	id = strings.TrimPrefix(id, "group:")
	id = strings.TrimPrefix(id, surface+":")
	id = strings.TrimPrefix(id, "group:") // "<surface>:group:<id>" inputs
	return id
}

var slugCleanRE = regexp.MustCompile(`[^a-z0-9#@+._-]+`)

// DisplayName derives a human-readable name for a session created from an
// envelope. The explicit subject wins; otherwise a surface-scoped slug.
func DisplayName(e *envelope.Envelope) string {
	if e.GroupSubject != "" {
		return e.GroupSubject
	}
	return fmt.Sprintf("%s:%s", e.Surface, slugFor(e))
}

// slugFor builds the slug portion of a derived display name:
// g-<token> for groups, #<room> for rooms/channels. Discord slugs combine
// guild and channel.
func slugFor(e *envelope.Envelope) string {
	switch e.ChatType {
	case envelope.ChatChannel:
		room := e.GroupRoom
		if room == "" {
			room = stripGroupPrefixes(e.Surface, e.From)
		}
		if e.Surface == "discord" && e.GroupSpace != "" {
			return "#" + Slugify(e.GroupSpace+"-"+room)
		}
		return "#" + Slugify(room)
	case envelope.ChatGroup:
		return "g-" + Slugify(stripGroupPrefixes(e.Surface, e.From))
	default:
		return Slugify(e.From)
	}
}

// Slugify lowercases, turns spaces into dashes, and drops everything
// outside [a-z0-9#@+._-].
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	return slugCleanRE.ReplaceAllString(s, "")
}
