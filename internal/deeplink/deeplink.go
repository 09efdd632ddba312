// Package deeplink parses clawdis:// URLs and dispatches them as agent
// requests. Links without a valid key require interactive confirmation.
package deeplink

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strconv"
)

// Link is a parsed clawdis://agent deep link.
type Link struct {
	Message        string
	SessionKey     string
	Thinking       string
	Deliver        bool
	To             string
	Channel        string
	TimeoutSeconds int
	Key            string
}

// Parse parses a clawdis:// URL.
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid deep link: %w", err)
	}
	if u.Scheme != "clawdis" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host != "agent" {
		return nil, fmt.Errorf("unsupported deep link action %q", u.Host)
	}

	q := u.Query()
	link := &Link{
		Message:    q.Get("message"),
		SessionKey: q.Get("sessionKey"),
		Thinking:   q.Get("thinking"),
		To:         q.Get("to"),
		Channel:    q.Get("channel"),
		Key:        q.Get("key"),
	}
	if link.Message == "" {
		return nil, fmt.Errorf("deep link missing message")
	}
	if v := q.Get("deliver"); v != "" {
		link.Deliver = v == "1" || v == "true"
	}
	if v := q.Get("timeoutSeconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid timeoutSeconds %q", v)
		}
		link.TimeoutSeconds = n
	}
	return link, nil
}

// Authorized reports whether the link's key matches the configured secret.
// Links without a key (or with a wrong one) must go through the
// interactive confirm path instead.
func (l *Link) Authorized(secret string) bool {
	if secret == "" || l.Key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(l.Key), []byte(secret)) == 1
}
