// Package types defines the channel adapter contract. It is a separate
// package so the registry, the scheduler, and the adapters can all depend
// on it without depending on each other.
package types

import (
	"context"
	"time"

	"github.com/clawdis/clawdis/internal/envelope"
)

// Meta is the cheap, cycle-safe subset of adapter metadata ("dock") usable
// from shared modules without touching the adapter's transport.
type Meta struct {
	ID    string // stable id: "whatsapp", "telegram", ...
	Label string // human label: "WhatsApp"
	Order int    // display ordering

	ForceAccountBinding                  bool
	PreferSessionLookupForAnnounceTarget bool
	QuickstartAllowFrom                  bool
	ShowConfigured                       bool
}

// Capabilities describes what a surface can do.
type Capabilities struct {
	ChatTypes      []envelope.ChatType
	Media          bool
	Polls          bool
	NativeCommands bool
	BlockStreaming bool // deliver whole blocks rather than token deltas
	Voice          bool // audio can be sent as a voice note
}

// SupportsChatType reports whether the surface handles the chat type.
func (c Capabilities) SupportsChatType(t envelope.ChatType) bool {
	for _, ct := range c.ChatTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// DeliveryMode distinguishes text-only surfaces from media-capable ones.
type DeliveryMode string

const (
	DeliverText  DeliveryMode = "text"
	DeliverMedia DeliveryMode = "media"
)

// TargetMode selects how ResolveTarget interprets an envelope.
type TargetMode string

const (
	TargetReply    TargetMode = "reply"    // answer the originating chat
	TargetExplicit TargetMode = "explicit" // a caller-provided recipient
)

// Status is the runtime state of an adapter account.
type Status struct {
	Running   bool
	Connected bool
	Error     error
	StartedAt time.Time
	Info      string // human-readable detail ("@botname", "+27…", ":4377")
}

// RuntimeContext is handed to StartAccount. It is the adapter's only
// channel back into the core: envelope ingestion and status reporting.
// Adapters must not import the scheduler or the outbound pipeline.
type RuntimeContext interface {
	// Ingest delivers a normalized inbound envelope to the dispatch core.
	Ingest(env *envelope.Envelope)

	// GetStatus returns the current account status.
	GetStatus() Status

	// SetStatus replaces the account status.
	SetStatus(st Status)
}

// Adapter is the capability set every surface implements. Optional
// capability groups are separate interfaces below, discovered by callers
// with plain type assertions on the adapter.
type Adapter interface {
	// Meta returns the dock metadata. Must not touch the transport.
	Meta() Meta

	// Capabilities returns the feature set of this surface.
	Capabilities() Capabilities

	// IsConfigured reports whether enough config exists to start.
	IsConfigured() bool

	// StartAccount connects the transport and begins ingesting events.
	// Heavy transport wiring happens here, never at construction.
	StartAccount(ctx context.Context, rt RuntimeContext) error

	// StopAccount disconnects the transport.
	StopAccount(ctx context.Context) error

	// DeliveryMode reports whether the surface can carry media.
	DeliveryMode() DeliveryMode

	// ChunkText splits text into sendable fragments respecting the
	// surface's message cap. Fenced code spans are never split.
	ChunkText(text string) []string

	// ResolveTarget maps an envelope (or explicit recipient) to the
	// surface-native send target, honoring allowlists.
	ResolveTarget(env *envelope.Envelope, mode TargetMode, explicit string) (string, error)

	// SendText delivers one text fragment.
	SendText(ctx context.Context, target, text string) (string, error)

	// SendMedia delivers one media item with an optional caption.
	SendMedia(ctx context.Context, target, path, caption string) (string, error)
}

// PollSender is implemented by surfaces with native polls.
type PollSender interface {
	SendPoll(ctx context.Context, target, question string, options []string) error
	PollMaxOptions() int
}

// VoiceSender is implemented by surfaces that can send audio as voice notes.
type VoiceSender interface {
	SendVoice(ctx context.Context, target, path string) error
}

// QRLinker is implemented by surfaces with QR-based device pairing.
type QRLinker interface {
	LoginWithQRStart(ctx context.Context) (qr string, err error)
	LoginWithQRWait(ctx context.Context) error
	LogoutAccount(ctx context.Context) error
}

// Threader resolves reply/thread routing for surfaces with threads.
type Threader interface {
	ResolveThread(env *envelope.Envelope) (threadID string, replyTo string)
}

// HeartbeatGate is implemented by surfaces that own heartbeat readiness.
// A non-empty reason means the heartbeat should be skipped.
type HeartbeatGate interface {
	HeartbeatReady() (reason string)
	ResolveHeartbeatTarget(to string) (string, string) // target, reason ("" or "allowFrom-fallback")
}

// PairingNormalizer canonicalizes peer identifiers before pairing lookups.
type PairingNormalizer interface {
	NormalizePeer(peer string) string
}

// SecurityAuditor surfaces configuration warnings for doctor output.
type SecurityAuditor interface {
	CollectWarnings() []string
	DMPolicy() string // "open", "pairing", "allowlist"
}

// ActionHandler dispatches channel-owned actions (reactions, revokes).
type ActionHandler interface {
	DispatchAction(ctx context.Context, action string, args map[string]string) error
}

// Reloadable adapters expose the config prefixes whose mutation should
// hot-restart this adapter only.
type Reloadable interface {
	ConfigPrefixes() []string
}
