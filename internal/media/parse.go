package media

import (
	"regexp"
	"strings"

	"github.com/clawdis/clawdis/internal/logging"
)

// mediaTokenRE matches MEDIA:<path-or-url> tokens in agent output.
// The reference must contain no whitespace; optional wrapping backticks
// are tolerated.
var mediaTokenRE = regexp.MustCompile(`\bMEDIA:` + "`?" + `(\S+?)` + "`?" + `(?:\s|$)`)

// ParseResult contains agent output with media references extracted.
type ParseResult struct {
	Text      string   // cleaned text with MEDIA: lines removed
	MediaURLs []string // extracted media paths/URLs
}

// SplitMediaFromOutput extracts MEDIA: tokens from agent output text.
// Lines that consist only of a MEDIA: token are removed; the references
// are attached to the outgoing payload instead.
func SplitMediaFromOutput(raw string) ParseResult {
	if raw == "" {
		return ParseResult{}
	}

	var mediaURLs []string
	var keptLines []string

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, "MEDIA:") {
			keptLines = append(keptLines, line)
			continue
		}

		matches := mediaTokenRE.FindAllStringSubmatch(trimmed+" ", -1)
		if len(matches) == 0 {
			keptLines = append(keptLines, line)
			continue
		}

		found := false
		for _, match := range matches {
			candidate := strings.Trim(match[1], "`\"'")
			if candidate != "" {
				mediaURLs = append(mediaURLs, candidate)
				found = true
			}
		}
		if !found {
			keptLines = append(keptLines, line)
		}
	}

	text := strings.TrimSpace(strings.Join(keptLines, "\n"))
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	if len(mediaURLs) > 0 {
		logging.L_debug("media: extracted refs from output", "count", len(mediaURLs))
	}

	return ParseResult{Text: text, MediaURLs: mediaURLs}
}
