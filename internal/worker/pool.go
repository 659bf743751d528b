// Package worker runs the process's worker pool. Worker 0 is the owner: it
// holds the single platform session and restarts it under a bounded backoff
// policy. The remaining workers are standbys that only heartbeat; they keep
// the pool shape visible on the status surface without risking a second
// login.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coolbuoy/matchbot/internal/health"
)

// Roles as reported in worker heartbeats.
const (
	RoleOwner   = "owner"
	RoleStandby = "standby"
)

// SessionRunner is one connection lifecycle: it blocks until the session
// fails or ctx is cancelled.
type SessionRunner interface {
	Run(ctx context.Context) error
}

// Policy bounds the owner's restart behavior.
type Policy struct {
	// MaxRestarts is the total restart budget before the owner gives up.
	MaxRestarts int
	// InitialDelay is the wait before the first restart.
	InitialDelay time.Duration
	// BackoffMultiplier grows the delay after each consecutive failure.
	BackoffMultiplier float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// ConflictDelay is the fixed wait after a session conflict, long enough
	// for the platform to drop the displaced login.
	ConflictDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts:       10,
		InitialDelay:      30 * time.Second,
		BackoffMultiplier: 1.2,
		MaxDelay:          300 * time.Second,
		ConflictDelay:     60 * time.Second,
	}
}

// Pool supervises count workers against shared health state.
type Pool struct {
	count  int
	runner SessionRunner
	policy Policy
	state  *health.State
	logger *slog.Logger

	// isFatal marks errors that must stop the process (bad credentials).
	isFatal func(error) bool
	// isConflict marks multilogin errors that trigger onConflict recovery.
	isConflict func(error) bool
	// onConflict performs conflict cleanup (killing leftover instances).
	onConflict func(context.Context)
	// onReconnect observes every owner restart.
	onReconnect func()
	// onSessionEnd observes every session return, including the final one.
	onSessionEnd func()
	// onHeartbeat observes every heartbeat tick.
	onHeartbeat func(index int, role string)

	heartbeatEvery time.Duration
}

type Options struct {
	Workers     int
	Runner      SessionRunner
	Policy      Policy
	State       *health.State
	Logger      *slog.Logger
	IsFatal      func(error) bool
	IsConflict   func(error) bool
	OnConflict   func(context.Context)
	OnReconnect  func()
	OnSessionEnd func()
	OnHeartbeat  func(index int, role string)
	// HeartbeatEvery overrides the heartbeat cadence, for tests.
	HeartbeatEvery time.Duration
}

func NewPool(opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	no := func(error) bool { return false }
	if opts.IsFatal == nil {
		opts.IsFatal = no
	}
	if opts.IsConflict == nil {
		opts.IsConflict = no
	}
	return &Pool{
		count:          opts.Workers,
		runner:         opts.Runner,
		policy:         opts.Policy,
		state:          opts.State,
		logger:         opts.Logger,
		isFatal:        opts.IsFatal,
		isConflict:     opts.IsConflict,
		onConflict:     opts.OnConflict,
		onReconnect:    opts.OnReconnect,
		onSessionEnd:   opts.OnSessionEnd,
		onHeartbeat:    opts.OnHeartbeat,
		heartbeatEvery: opts.HeartbeatEvery,
	}
}

// ErrRestartBudgetExhausted reports that the owner burned through its
// restart allowance without holding a session.
var ErrRestartBudgetExhausted = errors.New("session restart budget exhausted")

// Run blocks until ctx is cancelled or the owner fails permanently. Standby
// workers never cause Run to return.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 1; i < p.count; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.standby(ctx, idx)
		}(i)
	}

	err := p.ownerLoop(ctx)
	cancel()
	wg.Wait()
	return err
}

// ownerLoop runs the session under the restart policy. Worker 0 heartbeats
// from inside the loop so a wedged session supervisor shows up as a stale
// owner on the status surface.
func (p *Pool) ownerLoop(ctx context.Context) error {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go p.heartbeats(hbCtx, 0, RoleOwner)

	delay := p.policy.InitialDelay
	restarts := 0
	for {
		p.logger.Info("starting platform session", "attempt", restarts+1)
		err := p.runner.Run(ctx)
		p.state.SetBotRunning(false)
		if p.onSessionEnd != nil {
			p.onSessionEnd()
		}

		if ctx.Err() != nil || err == nil {
			return nil
		}
		if p.isFatal(err) {
			p.logger.Error("session failed permanently", "error", err)
			return err
		}

		restarts++
		p.state.RecordRestart(err)
		if p.onReconnect != nil {
			p.onReconnect()
		}
		if restarts > p.policy.MaxRestarts {
			p.logger.Error("giving up on platform session",
				"restarts", restarts-1, "error", err)
			return fmt.Errorf("%w after %d restarts: %v", ErrRestartBudgetExhausted, restarts-1, err)
		}

		wait := delay
		if p.isConflict(err) {
			// A displaced session means another process logged in with our
			// token. Clean up and give the platform time to drop it.
			p.logger.Warn("session conflict detected", "error", err)
			if p.onConflict != nil {
				p.onConflict(ctx)
			}
			wait = p.policy.ConflictDelay
		} else {
			delay = time.Duration(float64(delay) * p.policy.BackoffMultiplier)
			if delay > p.policy.MaxDelay {
				delay = p.policy.MaxDelay
			}
		}

		p.logger.Warn("restarting platform session",
			"error", err, "restart", restarts, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// standby keeps a worker slot visibly alive without touching the platform.
func (p *Pool) standby(ctx context.Context, idx int) {
	p.logger.Debug("standby worker up", "worker", idx)
	p.heartbeats(ctx, idx, RoleStandby)
}

func (p *Pool) heartbeats(ctx context.Context, idx int, role string) {
	beat := func() {
		p.state.Heartbeat(idx, role)
		if p.onHeartbeat != nil {
			p.onHeartbeat(idx, role)
		}
	}
	beat()
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
