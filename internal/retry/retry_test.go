package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RecoversWithinBudget(t *testing.T) {
	// Two simulated failures followed by a success must fit a 3-attempt budget.
	calls := 0
	err := fastPolicy(3).Do(context.Background(), nil, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	sentinel := errors.New("db unreachable")
	calls := 0
	err := fastPolicy(3).Do(context.Background(), nil, "mongo connect", func(context.Context) error {
		calls++
		return sentinel
	}, nil)
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (must not retry forever)", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("error %v does not wrap the last failure", err)
	}
	if !strings.Contains(err.Error(), "mongo connect") {
		t.Fatalf("error %q missing operation label", err)
	}
}

func TestDo_OnRetryObservesEachBackoff(t *testing.T) {
	var attempts []int
	_ = fastPolicy(4).Do(context.Background(), nil, "op", func(context.Context) error {
		return errors.New("nope")
	}, func(attempt int, delay time.Duration, err error) {
		if delay <= 0 {
			t.Errorf("attempt %d: non-positive delay %v", attempt, delay)
		}
		attempts = append(attempts, attempt)
	})
	// onRetry fires between attempts, so MaxAttempts-1 times.
	if len(attempts) != 3 {
		t.Fatalf("onRetry fired %d times, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempts = %v, want 1..3 in order", attempts)
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, nil, "op", func(context.Context) error {
			return errors.New("fail")
		}, nil)
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_DelayGrowthCapped(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: time.Millisecond, Multiplier: 4.0, MaxDelay: 4 * time.Millisecond}
	var delays []time.Duration
	_ = p.Do(context.Background(), nil, "op", func(context.Context) error {
		return errors.New("fail")
	}, func(_ int, delay time.Duration, _ error) {
		delays = append(delays, delay)
	})
	for i, d := range delays {
		if d > p.MaxDelay {
			t.Fatalf("delay[%d] = %v exceeds cap %v", i, d, p.MaxDelay)
		}
	}
	if len(delays) >= 2 && delays[1] < delays[0] {
		t.Fatalf("delays %v not non-decreasing before cap", delays)
	}
}
