package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	errs "github.com/0x3639/telegram-scraper/pkg/errors"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts: maxAttempts,
		Backoff:     &ConstantBackoff{Delay: time.Millisecond},
		RetryIf:     DefaultRetryIf,
		Context:     context.Background(),
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return nil
	}, fastConfig(3))

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
	}, fastConfig(3))

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 calls, got %d", calls)
	}
	if !strings.Contains(err.Error(), "max retry attempts") {
		t.Errorf("Expected attempts-exceeded error, got: %v", err)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	for _, typ := range []errs.ErrorType{errs.ErrorTypeAuth, errs.ErrorTypeNotFound, errs.ErrorTypeParsing} {
		t.Run(string(typ), func(t *testing.T) {
			calls := 0
			err := Do(func() error {
				calls++
				return errs.New(typ, "permanent failure", 403)
			}, fastConfig(5))

			if err == nil {
				t.Fatal("Expected error")
			}
			if calls != 1 {
				t.Errorf("Expected 1 call for permanent error, got %d", calls)
			}
		})
	}
}

func TestDoDoesNotRetryCancelledContext(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		return context.Canceled
	}, fastConfig(5))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDoHonorsRetryAfterFloor(t *testing.T) {
	retryAfter := 50 * time.Millisecond

	var observedDelay time.Duration
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		observedDelay = delay
	}

	calls := 0
	start := time.Now()
	err := Do(func() error {
		calls++
		if calls == 1 {
			return errs.NewRateLimit("slow down", retryAfter)
		}
		return nil
	}, cfg)

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if observedDelay < retryAfter {
		t.Errorf("Expected delay floored at %v, got %v", retryAfter, observedDelay)
	}
	if elapsed := time.Since(start); elapsed < retryAfter {
		t.Errorf("Expected wait of at least %v, elapsed %v", retryAfter, elapsed)
	}
}

func TestDoRateLimitDoesNotBurnBudget(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		switch {
		case calls <= 2:
			// Two cooldowns that must not count against the budget
			return errs.NewRateLimit("slow down", time.Millisecond)
		case calls <= 3:
			return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
		default:
			return nil
		}
	}, fastConfig(2))

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
}

func TestDoRateLimitWithoutHintDoesNotBurnBudget(t *testing.T) {
	calls := 0
	err := Do(func() error {
		calls++
		switch {
		case calls <= 2:
			// Cooldowns with no remote retry-after hint
			return errs.New(errs.ErrorTypeRateLimit, "slow down", 429)
		case calls <= 3:
			return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
		default:
			return nil
		}
	}, fastConfig(2))

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 calls, got %d", calls)
	}
}

func TestDoCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig(0)
	cfg.Backoff = &ConstantBackoff{Delay: time.Minute}
	cfg.Context = ctx

	done := make(chan error, 1)
	go func() {
		done <- Do(func() error {
			return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
		}, cfg)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	result, err := DoWithResult(func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errs.New(errs.ErrorTypeServerError, "temporarily unavailable", 503)
		}
		return 42, nil
	}, fastConfig(3))

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if result != 42 {
		t.Errorf("Expected result 42, got %d", result)
	}
}

func TestExponentialBackoffGrowsToCap(t *testing.T) {
	b := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		// No jitter so delays are deterministic
		JitterFactor: 0,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := b.NextDelay(i + 1); got != want {
			t.Errorf("Attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestExponentialBackoffJitterStaysBounded(t *testing.T) {
	b := DefaultExponentialBackoff()

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 20; i++ {
			delay := b.NextDelay(attempt)
			if delay < 0 {
				t.Fatalf("Negative delay %v at attempt %d", delay, attempt)
			}
			max := time.Duration(float64(b.MaxDelay) * (1 + b.JitterFactor))
			if delay > max {
				t.Fatalf("Delay %v exceeds jittered cap %v at attempt %d", delay, max, attempt)
			}
		}
	}
}

func TestRetrierBuilders(t *testing.T) {
	base := NewRetrier(fastConfig(1))
	bumped := base.WithMaxAttempts(3)

	calls := 0
	err := bumped.Do(func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	// The original retrier keeps its budget
	calls = 0
	err = base.Do(func() error {
		calls++
		return errs.New(errs.ErrorTypeNetwork, "connection reset", 0)
	})
	if err == nil {
		t.Fatal("Expected error from single-attempt retrier")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
