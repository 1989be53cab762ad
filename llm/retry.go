package llm

import "time"

// RetryConfig controls per-endpoint retry behavior for completion requests.
type RetryConfig struct {
	// MaxAttempts bounds attempts against a single endpoint before the
	// client falls back to the next one in the chain.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the delay on each subsequent retry.
	BackoffMultiplier float64

	// MaxBackoff caps the delay regardless of attempt count.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
