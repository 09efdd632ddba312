// Package directives parses user-authored /commands out of inbound
// message bodies and applies the session-scoped ones to the store.
package directives

import (
	"strings"

	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/session"
)

// Directive is one parsed /command.
type Directive struct {
	Name string // without the slash: "new", "thinking", ...
	Arg  string
}

// Known session directives.
const (
	New        = "new"
	Reset      = "reset"
	Thinking   = "thinking"
	Verbose    = "verbose"
	Activation = "activation"
)

var thinkingLevels = map[string]bool{
	"off": true, "minimal": true, "low": true, "medium": true, "high": true, "xhigh": true,
}

var verboseLevels = map[string]bool{
	"off": true, "low": true, "medium": true, "high": true,
}

var activationModes = map[string]bool{
	"on": true, "off": true, "mention": true,
}

// Parse splits leading directive lines from a message body. The remainder
// is the command body (directive-stripped text).
func Parse(body string) ([]Directive, string) {
	var found []Directive
	lines := strings.Split(body, "\n")
	i := 0

	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
			break
		}
		fields := strings.Fields(trimmed[1:])
		if len(fields) == 0 {
			break
		}
		d := Directive{Name: strings.ToLower(fields[0])}
		if len(fields) > 1 {
			d.Arg = strings.ToLower(fields[1])
		}
		if !isKnown(d.Name) {
			break // unknown slash text stays part of the message
		}
		found = append(found, d)
	}

	rest := strings.TrimSpace(strings.Join(lines[i:], "\n"))
	return found, rest
}

func isKnown(name string) bool {
	switch name {
	case New, Reset, Thinking, Verbose, Activation:
		return true
	}
	return false
}

// Apply executes session directives against the store and returns short
// acknowledgement lines for the sender.
func Apply(store *session.Store, key string, ds []Directive) []string {
	var acks []string

	for _, d := range ds {
		switch d.Name {
		case New, Reset:
			store.Reset(key)
			acks = append(acks, "Session reset.")

		case Thinking:
			level := d.Arg
			if level == "" {
				level = "medium"
			}
			if !thinkingLevels[level] {
				acks = append(acks, "Usage: /thinking [off|minimal|low|medium|high|xhigh]")
				continue
			}
			if _, err := store.Patch(key, session.Patch{ThinkingLevel: &level}); err == nil {
				acks = append(acks, "Thinking level set to "+level+".")
			}

		case Verbose:
			level := d.Arg
			if level == "" {
				level = "medium"
			}
			if !verboseLevels[level] {
				acks = append(acks, "Usage: /verbose [off|low|medium|high]")
				continue
			}
			if _, err := store.Patch(key, session.Patch{VerboseLevel: &level}); err == nil {
				acks = append(acks, "Verbose level set to "+level+".")
			}

		case Activation:
			mode := d.Arg
			if !activationModes[mode] {
				acks = append(acks, "Usage: /activation [on|off|mention]")
				continue
			}
			if _, err := store.Patch(key, session.Patch{GroupActivation: &mode}); err == nil {
				acks = append(acks, "Group activation set to "+mode+".")
			}

		default:
			L_debug("directives: ignoring unknown directive", "name", d.Name)
		}
	}

	return acks
}
