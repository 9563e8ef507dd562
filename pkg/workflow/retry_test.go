package workflow

import (
	"testing"
	"time"
)

func TestRetryPolicy_NextContactDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		count  int
		want   time.Duration
	}{
		{name: "flat first", policy: DefaultRetryPolicy(), count: 1, want: 24 * time.Hour},
		{name: "flat third", policy: DefaultRetryPolicy(), count: 3, want: 24 * time.Hour},
		{name: "zero count", policy: DefaultRetryPolicy(), count: 0, want: 24 * time.Hour},
		{
			name:   "doubling second",
			policy: RetryPolicy{FollowUpInterval: time.Hour, BackoffMultiplier: 2},
			count:  2,
			want:   2 * time.Hour,
		},
		{
			name:   "doubling fourth",
			policy: RetryPolicy{FollowUpInterval: time.Hour, BackoffMultiplier: 2},
			count:  4,
			want:   8 * time.Hour,
		},
		{
			name:   "unset interval",
			policy: RetryPolicy{},
			count:  1,
			want:   24 * time.Hour,
		},
		{
			name:   "overflow capped",
			policy: RetryPolicy{FollowUpInterval: 24 * time.Hour, BackoffMultiplier: 10},
			count:  30,
			want:   time.Duration(1<<63 - 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.NextContactDelay(tt.count); got != tt.want {
				t.Errorf("NextContactDelay(%d) = %s, want %s", tt.count, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_IsRetryable(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		reason string
		want   bool
	}{
		{reason: "context deadline exceeded", want: true},
		{reason: "Gateway Timeout", want: true},
		{reason: "429 rate limit hit", want: true},
		{reason: "service temporarily unavailable", want: true},
		{reason: "invalid phone number", want: false},
		{reason: "", want: false},
	}

	for _, tt := range tests {
		if got := p.IsRetryable(tt.reason); got != tt.want {
			t.Errorf("IsRetryable(%q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestRetryPolicy_DelayAfterFailure(t *testing.T) {
	p := DefaultRetryPolicy()

	if got := p.DelayAfterFailure("timeout", 1); got != 15*time.Minute {
		t.Errorf("retryable failure delay = %s, want 15m", got)
	}
	if got := p.DelayAfterFailure("number blocked", 1); got != 24*time.Hour {
		t.Errorf("permanent failure delay = %s, want 24h", got)
	}

	p.RetryDelay = 0
	if got := p.DelayAfterFailure("timeout", 1); got != 24*time.Hour {
		t.Errorf("without a retry delay = %s, want 24h", got)
	}
}
