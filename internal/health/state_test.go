package health

import (
	"errors"
	"testing"
	"time"
)

func TestSetBotRunning_UptimeSemantics(t *testing.T) {
	s := NewState("test", "fp", time.Minute)

	if s.UptimeSeconds() != 0 {
		t.Error("uptime nonzero before bot start")
	}

	s.SetBotRunning(true)
	if !s.BotRunning() {
		t.Fatal("BotRunning = false after SetBotRunning(true)")
	}
	first := s.Get().BotStartTime

	// Re-asserting the flag must not reset the start time.
	s.SetBotRunning(true)
	if got := s.Get().BotStartTime; !got.Equal(first) {
		t.Errorf("start time moved on re-assert: %v -> %v", first, got)
	}

	s.SetBotRunning(false)
	if s.UptimeSeconds() != 0 {
		t.Error("uptime nonzero while bot down")
	}
}

func TestSetDB_ErrorTracking(t *testing.T) {
	s := NewState("test", "fp", time.Minute)

	s.SetDB(false, errors.New("server selection timeout"))
	snap := s.Get()
	if snap.DBConnected {
		t.Error("DBConnected true after failed check")
	}
	if snap.LastDBError != "server selection timeout" {
		t.Errorf("LastDBError = %q", snap.LastDBError)
	}
	if snap.LastDBCheck.IsZero() {
		t.Error("LastDBCheck not recorded")
	}

	// Recovery clears the error.
	s.SetDB(true, nil)
	snap = s.Get()
	if !snap.DBConnected || snap.LastDBError != "" {
		t.Errorf("after recovery: connected=%v lastErr=%q", snap.DBConnected, snap.LastDBError)
	}
}

func TestHeartbeat_StaleWorkerMarkedDead(t *testing.T) {
	s := NewState("test", "fp", 50*time.Millisecond)

	s.Heartbeat(0, "owner")
	s.Heartbeat(1, "standby")

	snap := s.Get()
	if len(snap.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(snap.Workers))
	}
	for _, w := range snap.Workers {
		if !w.Alive {
			t.Errorf("worker %d dead immediately after heartbeat", w.Index)
		}
	}

	time.Sleep(80 * time.Millisecond)
	s.Heartbeat(1, "standby")

	snap = s.Get()
	if snap.Workers[0].Alive {
		t.Error("worker 0 still alive past stale threshold")
	}
	if !snap.Workers[1].Alive {
		t.Error("worker 1 dead despite fresh heartbeat")
	}
}

func TestGet_WorkersSortedByIndex(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	for _, idx := range []int{3, 0, 2, 1} {
		s.Heartbeat(idx, "standby")
	}
	snap := s.Get()
	for i, w := range snap.Workers {
		if w.Index != i {
			t.Fatalf("workers out of order: position %d has index %d", i, w.Index)
		}
	}
}

func TestRecordRestart(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	s.RecordRestart(errors.New("connection reset"))
	s.RecordRestart(nil)
	snap := s.Get()
	if snap.RestartCount != 2 {
		t.Errorf("RestartCount = %d, want 2", snap.RestartCount)
	}
	if snap.LastSessionError != "connection reset" {
		t.Errorf("LastSessionError = %q", snap.LastSessionError)
	}
}

func TestCounters(t *testing.T) {
	s := NewState("test", "fp", time.Minute)
	for i := 0; i < 3; i++ {
		s.IncRequests()
	}
	s.IncErrors()
	s.IncDBRetries()
	s.IncSessionReconnects()

	if s.RequestsTotal() != 3 || s.ErrorsTotal() != 1 || s.DBRetries() != 1 || s.SessionReconnects() != 1 {
		t.Errorf("counters = %d/%d/%d/%d", s.RequestsTotal(), s.ErrorsTotal(), s.DBRetries(), s.SessionReconnects())
	}
}
