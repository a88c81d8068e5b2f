package llm

import (
	"math"
	"time"
)

// RetryConfig bounds the rate-limit retry schedule.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// Multiplier is applied to the backoff on each subsequent retry.
	Multiplier float64

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults used when configuration
// leaves them unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
	}
}

// Backoff returns the wait before retry attempt n (0-indexed):
// min(initial * multiplier^n, max).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if max := float64(c.MaxBackoff); wait > max {
		return c.MaxBackoff
	}
	return time.Duration(wait)
}
