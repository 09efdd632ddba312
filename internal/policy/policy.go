// Package policy gates inbound envelopes before they reach the scheduler:
// DM allowlists, group policies, mention requirements, and pairing.
package policy

import (
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Verdict is the outcome of gating one envelope.
type Verdict struct {
	Allow       bool
	ContextOnly bool   // store as conversation context, do not run the agent
	Reason      string // "dm-not-allowed", "group-disabled", "mention-required", ...
	PairingCode string // set when a pairing request was issued for the sender
}

// DM policy values.
const (
	DMOpen      = "open"
	DMPairing   = "pairing"
	DMAllowlist = "allowlist"
)

// Group policy values.
const (
	GroupOpen      = "open"
	GroupDisabled  = "disabled"
	GroupAllowlist = "allowlist"
)

// Gate evaluates envelopes against per-channel policy.
type Gate struct {
	pairing *PairingStore
}

// NewGate creates a policy gate backed by the given pairing store.
func NewGate(pairing *PairingStore) *Gate {
	return &Gate{pairing: pairing}
}

// Check gates an envelope using the surface's channel config.
// The allowlist stays authoritative: pairing applies only when the DM
// policy is "pairing".
func (g *Gate) Check(env *envelope.Envelope, cc *config.ChannelConfig) Verdict {
	if cc == nil {
		return Verdict{Allow: true}
	}

	switch env.ChatType {
	case envelope.ChatGroup, envelope.ChatChannel:
		return g.checkGroup(env, cc)
	default:
		return g.checkDirect(env, cc)
	}
}

func (g *Gate) checkDirect(env *envelope.Envelope, cc *config.ChannelConfig) Verdict {
	policy := cc.DMPolicy
	if policy == "" {
		policy = DMAllowlist
	}

	switch policy {
	case DMOpen:
		return Verdict{Allow: true}

	case DMAllowlist:
		if channels.AllowFromMatches(cc.AllowFrom, env.From) {
			return Verdict{Allow: true}
		}
		L_debug("policy: dm rejected", "surface", env.Surface, "from", env.From)
		return Verdict{Reason: "dm-not-allowed"}

	case DMPairing:
		if channels.AllowFromMatches(cc.AllowFrom, env.From) {
			return Verdict{Allow: true}
		}
		code, err := g.pairing.Request(env.Surface, env.From)
		if err != nil {
			L_debug("policy: pairing request refused", "surface", env.Surface, "from", env.From, "error", err)
			return Verdict{Reason: "pairing-limit"}
		}
		L_info("policy: pairing requested", "surface", env.Surface, "from", env.From)
		return Verdict{Reason: "pairing-pending", PairingCode: code}

	default:
		L_warn("policy: unknown dm policy, rejecting", "policy", policy)
		return Verdict{Reason: "dm-not-allowed"}
	}
}

func (g *Gate) checkGroup(env *envelope.Envelope, cc *config.ChannelConfig) Verdict {
	policy := cc.GroupPolicy
	if policy == "" {
		policy = GroupOpen
	}

	switch policy {
	case GroupDisabled:
		return Verdict{Reason: "group-disabled"}
	case GroupAllowlist:
		gc := groupConfigFor(cc, env.From)
		if gc == nil {
			return Verdict{Reason: "group-not-allowed"}
		}
		if len(gc.Allow) > 0 && !channels.AllowFromMatches(gc.Allow, env.SenderIdentity) &&
			!channels.AllowFromMatches(gc.Allow, env.From) {
			return Verdict{Reason: "group-sender-not-allowed"}
		}
	case GroupOpen:
		// fall through to mention gating
	default:
		return Verdict{Reason: "group-disabled"}
	}

	if requiresMention(cc, env) && !mentioned(cc, env) {
		// The message still becomes conversation context.
		return Verdict{ContextOnly: true, Reason: "mention-required"}
	}
	return Verdict{Allow: true}
}

// groupConfigFor finds the most specific group block: exact id first,
// then the "*" wildcard.
func groupConfigFor(cc *config.ChannelConfig, groupID string) *config.GroupConfig {
	if gc, ok := cc.Groups[groupID]; ok {
		return &gc
	}
	if gc, ok := cc.Groups["*"]; ok {
		return &gc
	}
	return nil
}

func requiresMention(cc *config.ChannelConfig, env *envelope.Envelope) bool {
	if gc := groupConfigFor(cc, env.From); gc != nil {
		return gc.RequireMention
	}
	return false
}

var wordRE = regexp.MustCompile(`\w`)

// mentioned reports whether the envelope addresses the agent: the adapter
// already flagged a native mention, or a configured pattern matches.
func mentioned(cc *config.ChannelConfig, env *envelope.Envelope) bool {
	if env.WasMentioned {
		return true
	}
	body := strings.ToLower(env.Body)
	for _, pattern := range cc.MentionPatterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		idx := strings.Index(body, p)
		if idx < 0 {
			continue
		}
		// Require a word boundary after the pattern so "@clawd" does not
		// fire on "@clawdette".
		end := idx + len(p)
		if end >= len(body) || !wordRE.MatchString(string(body[end])) {
			return true
		}
	}
	return false
}
