// Package channels owns the adapter registry and the helpers shared by
// every surface (chunking, allowlist matching). Adapters live in
// subpackages and must not import each other.
package channels

import (
	"strings"
)

// ChunkText splits text into fragments of at most limit runes. Splits
// prefer paragraph breaks, then line breaks, then word boundaries.
// Fenced code spans (``` ... ```) are never split down the middle: a fence
// that would straddle a boundary is closed at the cut and reopened in the
// next fragment.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len([]rune(remaining)) > limit {
		runes := []rune(remaining)
		window := string(runes[:limit])

		cut := findCut(window)
		head := strings.TrimRight(string([]rune(window)[:cut]), "\n")
		tail := strings.TrimLeft(string(runes[cut:]), "\n")

		// Re-balance fences: if the head leaves a fence open, close it and
		// reopen at the start of the tail so both fragments render.
		if fence := openFence(head); fence != "" {
			head += "\n```"
			tail = fence + "\n" + tail
		}

		if strings.TrimSpace(head) != "" {
			chunks = append(chunks, head)
		}
		remaining = tail
	}

	if strings.TrimSpace(remaining) != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findCut picks the best split position inside a window, in rune units.
func findCut(window string) int {
	runes := []rune(window)

	// Paragraph break
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		if !insideFence(window[:i]) {
			return len([]rune(window[:i]))
		}
	}
	// Line break
	if i := strings.LastIndex(window, "\n"); i > 0 {
		if !insideFence(window[:i]) {
			return len([]rune(window[:i]))
		}
	}
	// Word boundary
	if i := strings.LastIndex(window, " "); i > 0 {
		return len([]rune(window[:i]))
	}
	return len(runes)
}

// insideFence reports whether s ends inside an unclosed ``` fence.
func insideFence(s string) bool {
	return strings.Count(s, "```")%2 == 1
}

// openFence returns the opening fence line ("```go" etc.) still open at
// the end of s, or "" when all fences are balanced.
func openFence(s string) string {
	open := false
	fence := ""
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if open {
				open = false
				fence = ""
			} else {
				open = true
				fence = trimmed
			}
		}
	}
	if open {
		return fence
	}
	return ""
}

// AllowFromMatches checks a sender against an allowFrom list.
// A "*" entry admits any sender; an empty list admits none.
func AllowFromMatches(allowFrom []string, sender string) bool {
	for _, entry := range allowFrom {
		if entry == "*" {
			return true
		}
		if entry == sender {
			return true
		}
	}
	return false
}

// AllowFromIsWildcard reports whether the list admits everyone.
func AllowFromIsWildcard(allowFrom []string) bool {
	for _, entry := range allowFrom {
		if entry == "*" {
			return true
		}
	}
	return false
}
