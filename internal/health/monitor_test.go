package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakePinger struct {
	calls atomic.Int64
	err   atomic.Value // error or nil sentinel
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if v := f.err.Load(); v != nil {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

func TestNewMonitor_RejectsBadCron(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	if _, err := NewMonitor(s, &fakePinger{}, nil, "not a cron expr", time.Second, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestCheckNow_SuccessMarksConnected(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	m, err := NewMonitor(s, &fakePinger{}, nil, "* * * * *", time.Second, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.CheckNow(context.Background())
	if !s.DBConnected() {
		t.Error("state not marked connected after successful probe")
	}
}

func TestCheckNow_FailureDegradesWithoutPanic(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	p := &fakePinger{}
	p.err.Store(errors.New("no reachable servers"))
	m, err := NewMonitor(s, p, nil, "* * * * *", time.Second, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	s.SetDB(true, nil)
	m.CheckNow(context.Background())

	snap := s.Get()
	if snap.DBConnected {
		t.Error("state still connected after failed probe")
	}
	if snap.LastDBError == "" {
		t.Error("probe error not recorded")
	}
}

func TestCheckNow_ObservesDuration(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	var observed atomic.Int64
	m, err := NewMonitor(s, &fakePinger{}, nil, "* * * * *", time.Second, func(float64) {
		observed.Add(1)
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.CheckNow(context.Background())
	m.CheckNow(context.Background())
	if observed.Load() != 2 {
		t.Errorf("duration callback fired %d times, want 2", observed.Load())
	}
}

func TestRun_ProbesImmediatelyAndStopsOnCancel(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	p := &fakePinger{}
	m, err := NewMonitor(s, p, nil, "* * * * *", time.Second, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.calls.Load() == 0 {
		t.Fatal("no probe ran at startup")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
