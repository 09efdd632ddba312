// Package tokens provides token estimation utilities using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
}

// DefaultEncoding is cl100k_base, a reasonable approximation for the
// models the gateway fronts.
const DefaultEncoding = "cl100k_base"

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{} // fallback to char-based estimation
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 (rounded up) if tiktoken is unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e == nil || e.encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return Get().Count(text)
}
