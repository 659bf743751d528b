// Package retry provides a bounded exponential-backoff retry policy for the
// connection bootstrap paths (database, platform session). On exhaustion the
// last error is returned to the caller; nothing here panics or exits.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded retry schedule. The zero value is unusable;
// use DefaultPolicy or fill every field.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter disables the ±25% randomization when false. Tests set it false
	// for deterministic schedules.
	Jitter bool
}

// DefaultPolicy matches the documented connection bootstrap: 3 attempts,
// 1s base delay, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// OnRetry is invoked after each failed attempt, before the backoff sleep.
// Telemetry counters hook in here.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do runs op under the policy. It returns nil on the first success, the last
// error once MaxAttempts is exhausted, or ctx.Err() if the context is
// cancelled during a backoff sleep. label names the operation in logs.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, label string, op func(context.Context) error, onRetry OnRetry) error {
	if logger == nil {
		logger = slog.Default()
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation recovered", "op", label, "attempt", attempt)
			}
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.Jitter {
			sleep = jitter(sleep)
		}
		logger.Warn("operation failed, backing off",
			"op", label,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", sleep,
			"error", err,
		)
		if onRetry != nil {
			onRetry(attempt, sleep, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", label, p.MaxAttempts, err)
}

// jitter randomizes d by ±25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d / 2)
	if span <= 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(span))
}
