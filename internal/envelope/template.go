package envelope

import (
	"regexp"
	"strings"
)

// Placeholder names recognized in prompt templates. The set is closed:
// unknown keys expand to the empty string rather than being left in place.
const (
	PlaceholderBody            = "Body"
	PlaceholderCommandBody     = "CommandBody"
	PlaceholderSenderName      = "SenderName"
	PlaceholderGroupSubject    = "GroupSubject"
	PlaceholderChannel         = "Channel"
	PlaceholderFrom            = "From"
	PlaceholderChatType        = "ChatType"
	PlaceholderMediaTranscript = "MediaTranscript"
)

var placeholderRE = regexp.MustCompile(`\{\{([A-Za-z]+)\}\}`)

// ExpandTemplate replaces {{Placeholder}} tokens in tmpl with values from
// the envelope. Expansion is pure: the envelope is not modified and the
// result depends only on the inputs.
func ExpandTemplate(tmpl string, e *Envelope) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return placeholderRE.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := strings.Trim(match, "{}")
		switch key {
		case PlaceholderBody:
			return e.Body
		case PlaceholderCommandBody:
			return e.CommandBody
		case PlaceholderSenderName:
			return e.SenderName
		case PlaceholderGroupSubject:
			return e.GroupSubject
		case PlaceholderChannel:
			return e.Surface
		case PlaceholderFrom:
			return e.From
		case PlaceholderChatType:
			return string(e.ChatType)
		case PlaceholderMediaTranscript:
			if e.Media != nil {
				return e.Media.Transcript
			}
			return ""
		default:
			return ""
		}
	})
}
