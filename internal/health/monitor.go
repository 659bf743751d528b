package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pinger is the database connectivity probe the monitor revalidates with.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor periodically revalidates the database connection and writes the
// outcome into State. A failed probe degrades state; it never stops the
// process.
type Monitor struct {
	state       *State
	pinger      Pinger
	logger      *slog.Logger
	schedule    cron.Schedule
	pingTimeout time.Duration

	// onDuration, when set, observes each probe's wall time in seconds.
	onDuration func(seconds float64)
}

// NewMonitor parses cronExpr (standard five-field syntax) and returns a
// monitor ready to Run.
func NewMonitor(state *State, pinger Pinger, logger *slog.Logger, cronExpr string, pingTimeout time.Duration, onDuration func(float64)) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse health cron expression %q: %w", cronExpr, err)
	}
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	return &Monitor{
		state:       state,
		pinger:      pinger,
		logger:      logger,
		schedule:    sched,
		pingTimeout: pingTimeout,
		onDuration:  onDuration,
	}, nil
}

// Run blocks, probing on the cron schedule until ctx is cancelled. One probe
// runs immediately so the status surface is accurate right after startup.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)
	for {
		next := m.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs a single database probe and records the outcome.
func (m *Monitor) CheckNow(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	start := time.Now()
	err := m.pinger.Ping(probeCtx)
	elapsed := time.Since(start)
	if m.onDuration != nil {
		m.onDuration(elapsed.Seconds())
	}

	if err != nil {
		wasConnected := m.state.DBConnected()
		m.state.SetDB(false, err)
		if wasConnected {
			m.logger.Error("database connection lost", "error", err, "elapsed", elapsed.Round(time.Millisecond))
		} else {
			m.logger.Warn("database still unreachable", "error", err)
		}
		return
	}

	if !m.state.DBConnected() {
		m.logger.Info("database connection healthy", "elapsed", elapsed.Round(time.Millisecond))
	}
	m.state.SetDB(true, nil)
}
