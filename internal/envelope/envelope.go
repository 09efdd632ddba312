// Package envelope defines the normalized message record that every
// channel adapter produces on ingress and consumes on egress, plus the
// template vocabulary used to expand prompt snippets.
package envelope

import (
	"fmt"
	"strings"
	"time"
)

// ChatType classifies the conversation an envelope belongs to.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Media describes an attachment on an inbound envelope.
type Media struct {
	Path       string `json:"path,omitempty"` // local file path
	URL        string `json:"url,omitempty"`
	Mime       string `json:"mime,omitempty"`
	Transcript string `json:"transcript,omitempty"` // e.g. voice note transcription
}

// Envelope is the flat, surface-neutral record of one inbound message.
type Envelope struct {
	Surface     string    `json:"surface"` // adapter id: "whatsapp", "telegram", ...
	AccountID   string    `json:"accountId,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	ChatType    ChatType  `json:"chatType"`
	Body        string    `json:"body"`        // raw text as received
	CommandBody string    `json:"commandBody"` // body with leading directives stripped
	MessageID   string    `json:"messageId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	ReplyToID     string `json:"replyToId,omitempty"`
	ReplyToBody   string `json:"replyToBody,omitempty"`
	ReplyToSender string `json:"replyToSender,omitempty"`

	GroupSubject string   `json:"groupSubject,omitempty"`
	GroupMembers []string `json:"groupMembers,omitempty"`
	GroupRoom    string   `json:"groupRoom,omitempty"`  // room/channel name for channel chats
	GroupSpace   string   `json:"groupSpace,omitempty"` // guild/workspace for discord/slack
	ThreadID     string   `json:"threadId,omitempty"`   // telegram forum topic, slack thread ts

	SenderName     string `json:"senderName,omitempty"`
	SenderIdentity string `json:"senderIdentity,omitempty"`

	Media        *Media `json:"media,omitempty"`
	WasMentioned bool   `json:"wasMentioned,omitempty"`
}

// HasText reports whether the envelope carries non-whitespace text.
func (e *Envelope) HasText() bool {
	return strings.TrimSpace(e.Body) != ""
}

// Validate checks the envelope invariants shared by all surfaces.
func (e *Envelope) Validate() error {
	if e.Surface == "" {
		return fmt.Errorf("envelope missing surface")
	}
	if e.From == "" {
		return fmt.Errorf("envelope missing from")
	}
	if !e.HasText() && e.Media == nil {
		return fmt.Errorf("empty envelope: no text and no media")
	}
	return nil
}

// Payload is one outbound unit produced by an agent run.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	ReplyToID string   `json:"replyToId,omitempty"`
	ThreadID  string   `json:"threadId,omitempty"`
	IsVoice   bool     `json:"isVoice,omitempty"` // prefer voice-note delivery for audio
}

// AllMedia returns the payload's media references as a single list.
// The mediaUrl / mediaUrls fields are mutually exclusive.
func (p *Payload) AllMedia() []string {
	if p.MediaURL != "" {
		return []string{p.MediaURL}
	}
	return p.MediaURLs
}

// Validate checks the payload invariants.
func (p *Payload) Validate() error {
	if p.MediaURL != "" && len(p.MediaURLs) > 0 {
		return fmt.Errorf("payload sets both mediaUrl and mediaUrls")
	}
	if strings.TrimSpace(p.Text) == "" && len(p.AllMedia()) == 0 {
		return fmt.Errorf("empty payload: text is legal only when media exists")
	}
	return nil
}

// Empty reports whether the payload has neither text nor media.
func (p *Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.AllMedia()) == 0
}
