package workflow

import (
	"math"
	"strings"
	"time"
)

// RetryPolicy decides when a lead is contacted again.
type RetryPolicy struct {
	// MaxAttempts is the default outbound cap for leads created without one.
	MaxAttempts int

	// FollowUpInterval is the delay after the first outbound attempt.
	FollowUpInterval time.Duration

	// BackoffMultiplier grows the interval for each further attempt.
	// 1.0 keeps the interval flat.
	BackoffMultiplier float64

	// RetryDelay replaces the follow-up interval after a send failure whose
	// reason matches RetryableErrors.
	RetryDelay time.Duration

	// RetryableErrors are case-insensitive substrings of failure reasons.
	RetryableErrors []string
}

// DefaultRetryPolicy contacts a lead at most three times, a day apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		FollowUpInterval:  24 * time.Hour,
		BackoffMultiplier: 1.0,
		RetryDelay:        15 * time.Minute,
		RetryableErrors:   []string{"timeout", "deadline exceeded", "temporarily unavailable", "rate limit"},
	}
}

// NextContactDelay returns the wait after the outboundCount-th attempt:
// FollowUpInterval * BackoffMultiplier^(outboundCount-1).
func (p RetryPolicy) NextContactDelay(outboundCount int) time.Duration {
	interval := p.FollowUpInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if outboundCount <= 1 || p.BackoffMultiplier <= 1 {
		return interval
	}
	factor := math.Pow(p.BackoffMultiplier, float64(outboundCount-1))
	d := float64(interval) * factor
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// IsRetryable reports whether a failure reason matches RetryableErrors.
func (p RetryPolicy) IsRetryable(reason string) bool {
	if reason == "" {
		return false
	}
	lower := strings.ToLower(reason)
	for _, pattern := range p.RetryableErrors {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// DelayAfterFailure returns the wait after a failed send. Retryable
// failures use RetryDelay; others wait the normal follow-up delay.
func (p RetryPolicy) DelayAfterFailure(reason string, outboundCount int) time.Duration {
	if p.RetryDelay > 0 && p.IsRetryable(reason) {
		return p.RetryDelay
	}
	return p.NextContactDelay(outboundCount)
}
