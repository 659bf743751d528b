// Package health maintains the in-memory state behind the HTTP status
// surface. Workers and connection wrappers write flags and counters here;
// the web handlers only read. Nothing in this package performs I/O except
// the Monitor's periodic database ping.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// WorkerInfo is one worker's row in the /bot-status worker table.
type WorkerInfo struct {
	Index         int       `json:"index"`
	Role          string    `json:"role"`
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Snapshot is a consistent read of the mutable state.
type Snapshot struct {
	BotRunning       bool
	BotStartTime     time.Time
	DBConnected      bool
	LastDBError      string
	LastDBCheck      time.Time
	LastSessionError string
	RestartCount     int
	Workers          []WorkerInfo
}

// State is the shared health blackboard.
type State struct {
	instanceID  string
	fingerprint string
	processUp   time.Time

	mu               sync.RWMutex
	botRunning       bool
	botStartTime     time.Time
	dbConnected      bool
	lastDBError      string
	lastDBCheck      time.Time
	lastSessionError string
	restartCount     int
	workers          map[int]workerRecord

	// staleAfter marks a worker dead when its heartbeat is older.
	staleAfter time.Duration

	requestsTotal     atomic.Int64
	errorsTotal       atomic.Int64
	dbRetries         atomic.Int64
	sessionReconnects atomic.Int64
}

type workerRecord struct {
	role     string
	lastBeat time.Time
}

func NewState(instanceID, fingerprint string, staleAfter time.Duration) *State {
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	return &State{
		instanceID:  instanceID,
		fingerprint: fingerprint,
		processUp:   time.Now(),
		workers:     make(map[int]workerRecord),
		staleAfter:  staleAfter,
	}
}

func (s *State) InstanceID() string  { return s.instanceID }
func (s *State) Fingerprint() string { return s.fingerprint }

// SetBotRunning flips the owner-session liveness flag. The start time is
// recorded on the false→true transition so uptime survives flag re-asserts.
func (s *State) SetBotRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running && !s.botRunning {
		s.botStartTime = time.Now()
	}
	s.botRunning = running
}

func (s *State) BotRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botRunning
}

// UptimeSeconds reports whole seconds since the owner session came up, or 0
// when it is down. The value never decreases while the session stays up.
func (s *State) UptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.botRunning || s.botStartTime.IsZero() {
		return 0
	}
	return int64(time.Since(s.botStartTime).Seconds())
}

// ProcessUptimeSeconds reports whole seconds since process start.
func (s *State) ProcessUptimeSeconds() int64 {
	return int64(time.Since(s.processUp).Seconds())
}

// SetDB records the outcome of a database connectivity check.
func (s *State) SetDB(connected bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbConnected = connected
	s.lastDBCheck = time.Now()
	if err != nil {
		s.lastDBError = err.Error()
	} else if connected {
		s.lastDBError = ""
	}
}

func (s *State) DBConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbConnected
}

// RecordRestart bumps the owner restart counter and keeps the triggering
// error for /bot-status.
func (s *State) RecordRestart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount++
	if err != nil {
		s.lastSessionError = err.Error()
	}
}

// Heartbeat records that a worker is alive in the given role.
func (s *State) Heartbeat(index int, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[index] = workerRecord{role: role, lastBeat: time.Now()}
}

// Get returns a consistent snapshot for the status handlers.
func (s *State) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]WorkerInfo, 0, len(s.workers))
	now := time.Now()
	for idx, rec := range s.workers {
		workers = append(workers, WorkerInfo{
			Index:         idx,
			Role:          rec.role,
			Alive:         now.Sub(rec.lastBeat) < s.staleAfter,
			LastHeartbeat: rec.lastBeat,
		})
	}
	// Stable order for JSON output.
	for i := 1; i < len(workers); i++ {
		for j := i; j > 0 && workers[j-1].Index > workers[j].Index; j-- {
			workers[j-1], workers[j] = workers[j], workers[j-1]
		}
	}

	return Snapshot{
		BotRunning:       s.botRunning,
		BotStartTime:     s.botStartTime,
		DBConnected:      s.dbConnected,
		LastDBError:      s.lastDBError,
		LastDBCheck:      s.lastDBCheck,
		LastSessionError: s.lastSessionError,
		RestartCount:     s.restartCount,
		Workers:          workers,
	}
}

func (s *State) IncRequests() { s.requestsTotal.Add(1) }
func (s *State) IncErrors()   { s.errorsTotal.Add(1) }
func (s *State) IncDBRetries() {
	s.dbRetries.Add(1)
}
func (s *State) IncSessionReconnects() {
	s.sessionReconnects.Add(1)
}

func (s *State) RequestsTotal() int64     { return s.requestsTotal.Load() }
func (s *State) ErrorsTotal() int64       { return s.errorsTotal.Load() }
func (s *State) DBRetries() int64         { return s.dbRetries.Load() }
func (s *State) SessionReconnects() int64 { return s.sessionReconnects.Load() }
