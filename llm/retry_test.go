package llm

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         1.0,
		BackoffMultiplier: 2.0,
		MaxDelay:          60.0,
		Jitter:            false,
	}

	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, expected := range delays {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}

	// Cap applies beyond the max.
	policy.MaxDelay = 5.0
	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected 5s (capped), got %v", got)
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}

	calls := 0
	result, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{ProviderError: ProviderError{
				ClientError: ClientError{Message: "server error"}, Retryable: true,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", result, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}

	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &AuthenticationError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "bad key"},
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error should not be retried; got %d calls", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}

	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &ServerError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "down"}, Retryable: true,
		}}
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 { // 1 initial + 2 retries
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 10, BackoffMultiplier: 1, MaxDelay: 10}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		return "", &ServerError{ProviderError: ProviderError{
			ClientError: ClientError{Message: "down"}, Retryable: true,
		}}
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation should interrupt backoff wait, took %v", elapsed)
	}
}

func TestIsRetryableTaxonomy(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{ErrorFromStatusCode(500, "down", "openai"), true},
		{ErrorFromStatusCode(429, "slow down", "openai"), true},
		{ErrorFromStatusCode(401, "bad key", "openai"), false},
		{ErrorFromStatusCode(400, "bad request", "openai"), false},
		{ErrorFromStatusCode(413, "too long", "openai"), false},
		{&NetworkError{ClientError{Message: "conn reset"}}, true},
		{&ConfigurationError{ClientError{Message: "no provider"}}, false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Errorf("case %d (%v): IsRetryable=%v, want %v", i, tc.err, got, tc.retryable)
		}
	}
}
