// Package gateway implements the versioned WebSocket protocol server:
// handshake, RPC dispatch, and event fan-out with monotonic sequence
// numbers and gap-based resume.
package gateway

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the current protocol integer. Clients negotiate a
// [minProtocol, maxProtocol] range during the hello handshake.
const ProtocolVersion = 3

// Frame types on the wire.
const (
	frameHello    = "hello"
	frameHelloOk  = "helloOk"
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Event names pushed to clients.
const (
	EventChat           = "chat"
	EventAgent          = "agent"
	EventPresence       = "presence"
	EventCron           = "cron"
	EventChannelsStatus = "channels.status"
	EventHealth         = "health"
	EventGap            = "gap"
)

// ErrorKind classifies RPC and connection errors on the wire. The kinds
// are language-neutral and stable.
type ErrorKind string

const (
	ErrAuth         ErrorKind = "auth"
	ErrProtocol     ErrorKind = "protocol"
	ErrRateLimit    ErrorKind = "rate-limit"
	ErrTransient    ErrorKind = "transient-network"
	ErrNotLinked    ErrorKind = "not-linked"
	ErrOverflow     ErrorKind = "context-overflow"
	ErrInvalidInput ErrorKind = "invalid-input"
	ErrChatNotFound ErrorKind = "chat-not-found"
	ErrAborted      ErrorKind = "aborted"
)

// RPCError is the error half of a response frame.
type RPCError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"` // for invalid-input: offending field path
}

func (e *RPCError) Error() string { return string(e.Kind) + ": " + e.Message }

// rpcErr builds an RPCError.
func rpcErr(kind ErrorKind, message string) *RPCError {
	return &RPCError{Kind: kind, Message: message}
}

// AuthParams carries hello credentials.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloFrame is the client's opening frame.
type HelloFrame struct {
	Type          string      `json:"type"`
	ClientName    string      `json:"clientName"`
	ClientVersion string      `json:"clientVersion"`
	Platform      string      `json:"platform,omitempty"`
	Mode          string      `json:"mode,omitempty"` // webchat, tui, cli, node, ...
	InstanceID    string      `json:"instanceId,omitempty"`
	MinProtocol   int         `json:"minProtocol"`
	MaxProtocol   int         `json:"maxProtocol"`
	Auth          *AuthParams `json:"auth,omitempty"`
	LastSeq       *int64      `json:"lastSeq,omitempty"` // resume point
}

// Snapshot is delivered with helloOk: presence plus health.
type Snapshot struct {
	Presence []PresenceEntry `json:"presence"`
	Health   HealthStatus    `json:"health"`
}

// PresenceEntry describes one connected client.
type PresenceEntry struct {
	InstanceID  string `json:"instanceId"`
	ClientName  string `json:"clientName"`
	Mode        string `json:"mode,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
}

// HealthStatus is the gateway health summary.
type HealthStatus struct {
	Status       string          `json:"status"`
	SessionCount int             `json:"sessionCount"`
	UptimeSecs   int64           `json:"uptimeSeconds"`
	Channels     map[string]bool `json:"channels,omitempty"`
}

// HelloOkFrame is the server's handshake acknowledgement.
type HelloOkFrame struct {
	Type     string   `json:"type"`
	Protocol int      `json:"protocol"`
	Snapshot Snapshot `json:"snapshot"`
}

// RequestFrame is one RPC request.
type RequestFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	ExpectFinal bool            `json:"expectFinal,omitempty"`
}

// ResponseFrame is one RPC response.
type ResponseFrame struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// EventFrame is one pushed event. Seq is strictly increasing within a
// connection; resume requests carry lastSeq.
type EventFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ts      int64  `json:"ts"`
}

// GapPayload tells a resuming client which frames were discarded.
type GapPayload struct {
	Expected int64 `json:"expected"`
	Received int64 `json:"received"`
}

func newEventFrame(seq int64, event string, payload any) EventFrame {
	return EventFrame{
		Type:    frameEvent,
		Seq:     seq,
		Event:   event,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	}
}
