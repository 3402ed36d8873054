package queue

import (
	"math"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff computes the delay before a retry. Exponential delays grow as
// Delay * Multiplier^(attempt-1) and are capped at Max when Max is set.
type Backoff struct {
	Kind       BackoffKind   `json:"kind"`
	Delay      time.Duration `json:"delay"`
	Multiplier float64       `json:"multiplier,omitempty"`
	Max        time.Duration `json:"max,omitempty"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Kind:       BackoffExponential,
		Delay:      constants.RetryConfig.BaseDelay,
		Multiplier: constants.RetryConfig.Multiplier,
		Max:        10 * time.Minute,
	}
}

// Next returns the delay after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Delay)
	if b.Kind == BackoffExponential {
		mult := b.Multiplier
		if mult <= 1 {
			mult = 2
		}
		delay *= math.Pow(mult, float64(attempt-1))
	}

	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
