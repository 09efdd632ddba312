package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ContextOverflowReply is the fixed fallback delivered when the engine
// reports a context limit. Overflow is not retried.
const ContextOverflowReply = "The conversation has grown past the model's context window. Start a fresh session with /new, or trim the request."

// Matches "prompt is too long: 200170 tokens > 200000 maximum"
var promptTooLongRE = regexp.MustCompile(`prompt is too long:\s*(\d+)\s*tokens?\s*>\s*(\d+)`)

// IsContextOverflow checks whether an error indicates context overflow.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	if promptTooLongRE.MatchString(errStr) {
		return true
	}

	return strings.Contains(errStr, "prompt is too long") ||
		strings.Contains(errStr, "context_length_exceeded") ||
		strings.Contains(errStr, "maximum context length")
}

// Classify maps an engine error to a result tag.
func Classify(err error) ResultTag {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.Canceled):
		return ResultAborted
	case IsContextOverflow(err):
		return ResultContextOverflow
	default:
		return ResultError
	}
}
