package flow

import "testing"

func TestRetryPolicyBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    int64
	}{
		{"first retry", RetryPolicy{BackoffMS: 1000}, 0, 1000},
		{"doubles by default", RetryPolicy{BackoffMS: 1000}, 1, 2000},
		{"third retry", RetryPolicy{BackoffMS: 1000}, 2, 4000},
		{"default cap", RetryPolicy{BackoffMS: 1000}, 10, 60_000},
		{"custom multiplier", RetryPolicy{BackoffMS: 100, BackoffMultiplier: 3}, 2, 900},
		{"custom cap", RetryPolicy{BackoffMS: 1000, MaxBackoffMS: 3000}, 5, 3000},
		{"multiplier one is constant", RetryPolicy{BackoffMS: 500, BackoffMultiplier: 1}, 9, 500},
		{"zero base stays zero", RetryPolicy{BackoffMS: 0}, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Backoff(tt.attempt); got != tt.want {
				t.Errorf("Backoff(%d) = %d, want %d", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicyRetryable(t *testing.T) {
	open := RetryPolicy{MaxAttempts: 3}
	if !open.Retryable("ANY_CODE") {
		t.Error("empty retryOn should retry every code")
	}

	filtered := RetryPolicy{MaxAttempts: 3, RetryOn: []string{"HTTP_ERROR", "UPSTREAM_DOWN"}}
	if !filtered.Retryable("HTTP_ERROR") {
		t.Error("listed code should be retryable")
	}
	if filtered.Retryable("BAD_INPUT") {
		t.Error("unlisted code should not be retryable")
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	bad := []RetryPolicy{
		{MaxAttempts: -1},
		{BackoffMS: -5},
		{BackoffMultiplier: -1},
		{MaxBackoffMS: -1},
	}
	for i, p := range bad {
		if err := p.Validate(); CodeOf(err) != CodeFlowInvalid {
			t.Errorf("policy %d: code = %q, want FLOW_INVALID", i, CodeOf(err))
		}
	}
	ok := RetryPolicy{MaxAttempts: 3, BackoffMS: 100, BackoffMultiplier: 1.5, MaxBackoffMS: 5000}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid policy rejected: %v", err)
	}
}

func TestInputSelectorValidate(t *testing.T) {
	if err := (InputSelector{}).Validate(); CodeOf(err) != CodeFlowInvalid {
		t.Error("empty selector should be invalid")
	}
	if err := (InputSelector{Key: "a"}).Validate(); err != nil {
		t.Errorf("single mode rejected: %v", err)
	}
	if err := (InputSelector{Key: "a", Full: true}).Validate(); CodeOf(err) != CodeFlowInvalid {
		t.Error("two modes should be invalid")
	}
	// {static: null} counts as a mode via StaticSet.
	if err := (InputSelector{StaticSet: true}).Validate(); err != nil {
		t.Errorf("static null rejected: %v", err)
	}
}
