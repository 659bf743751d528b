// Package instance enforces single-instance execution. The external platform
// drops a session when a second login appears, so two live bot processes are
// worse than none.
//
// Liveness is judged by an OS advisory lock (flock) held for the process
// lifetime, not by PID-file existence: the kernel releases the lock when the
// holder dies, which makes PID reuse harmless. The PID file is kept for
// operator tooling (kill, status scripts).
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ErrAlreadyRunning reports that a live process holds the instance lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Guard owns the lock and PID files for one process.
type Guard struct {
	lockPath string
	pidPath  string
	botName  string
	logger   *slog.Logger

	lockFile *os.File
}

func NewGuard(lockPath, pidPath, botName string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		lockPath: lockPath,
		pidPath:  pidPath,
		botName:  botName,
		logger:   logger,
	}
}

// Acquire takes the exclusive advisory lock and records our PID in both the
// lock and PID files. A lock file left behind by a dead process does not
// block acquisition: flock succeeds and the stale record is overwritten.
// If a live process holds the lock, Acquire returns ErrAlreadyRunning
// without side effects.
func (g *Guard) Acquire() error {
	f, err := g.lockLiveInode()
	if err != nil {
		return err
	}

	pid := os.Getpid()
	if err := f.Truncate(0); err != nil {
		g.unlockAndClose(f)
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)), 0); err != nil {
		g.unlockAndClose(f)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.WriteFile(g.pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		g.unlockAndClose(f)
		return fmt.Errorf("write pid file: %w", err)
	}

	g.lockFile = f
	g.logger.Info("instance lock acquired", "pid", pid, "lock", g.lockPath)
	return nil
}

// lockLiveInode opens the lock path and flocks it, then verifies the locked
// fd still names the file at the path. Without that check a launcher that
// opened the path just before an unlink would flock an orphaned inode while
// a later launcher flocks the recreated file, and both would believe they
// own the instance. On a mismatch the attempt is retried against the
// current file.
func (g *Guard) lockLiveInode() (*os.File, error) {
	for attempt := 0; attempt < 5; attempt++ {
		f, err := os.OpenFile(g.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			holder := g.recordedPID()
			_ = f.Close()
			if holder > 0 {
				return nil, fmt.Errorf("%w (lock %s held by PID %d)", ErrAlreadyRunning, g.lockPath, holder)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, g.lockPath)
		}

		held, err := f.Stat()
		if err != nil {
			g.unlockAndClose(f)
			return nil, fmt.Errorf("stat lock file: %w", err)
		}
		current, err := os.Stat(g.lockPath)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		// The file was unlinked or replaced between open and flock; a lock
		// on the old inode excludes nobody.
		g.unlockAndClose(f)
	}
	return nil, fmt.Errorf("lock file %s kept changing during acquisition", g.lockPath)
}

// Release unlocks the lock file and removes the PID record. Safe to call
// more than once. The lock file itself stays on disk: unlinking a path that
// another launcher may already hold open would let two processes flock
// different inodes of the same path, and liveness is carried by the flock,
// not by file existence.
func (g *Guard) Release() {
	if g.lockFile == nil {
		return
	}
	g.unlockAndClose(g.lockFile)
	g.lockFile = nil
	if err := os.Remove(g.pidPath); err != nil && !os.IsNotExist(err) {
		g.logger.Warn("failed to remove pid file", "path", g.pidPath, "error", err)
	}
	g.logger.Info("instance lock released", "pid", os.Getpid())
}

func (g *Guard) unlockAndClose(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// recordedPID reads the PID written into the lock file, or 0.
func (g *Guard) recordedPID() int {
	data, err := os.ReadFile(g.lockPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// CheckExisting inspects the PID file and reports the PID of a live bot
// process recorded there, or 0. A PID file pointing at a dead process (or at
// an unrelated process that reused the PID) is removed.
func (g *Guard) CheckExisting() int {
	data, err := os.ReadFile(g.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(g.pidPath)
		return 0
	}

	alive, err := process.PidExists(int32(pid))
	if err == nil && alive && g.isBotProcess(int32(pid)) {
		return pid
	}

	// Dead or reused PID: the record is stale.
	g.logger.Info("removing stale pid file", "path", g.pidPath, "recorded_pid", pid)
	_ = os.Remove(g.pidPath)
	return 0
}

// isBotProcess guards against PID reuse: the recorded PID must still be a
// process of ours before we treat it as a live instance.
func (g *Guard) isBotProcess(pid int32) bool {
	if int(pid) == os.Getpid() {
		return true
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(cmdline), strings.ToLower(g.botName))
}

// KillStale terminates every other live bot process, escalating to SIGKILL
// after grace. It returns the number of processes killed. This is the
// launcher's blunt-recovery path for multilogin conflicts.
func (g *Guard) KillStale(ctx context.Context, grace time.Duration) int {
	procs, err := process.Processes()
	if err != nil {
		g.logger.Warn("process scan failed", "error", err)
		return 0
	}

	killed := 0
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self || !g.isBotProcess(p.Pid) {
			continue
		}
		g.logger.Warn("terminating leftover instance", "pid", p.Pid)
		if err := p.Terminate(); err != nil {
			g.logger.Warn("terminate failed, killing", "pid", p.Pid, "error", err)
			_ = p.Kill()
		} else if !waitForExit(ctx, p.Pid, grace) {
			g.logger.Warn("instance ignored SIGTERM, killing", "pid", p.Pid)
			_ = p.Kill()
		}
		killed++
	}
	if killed > 0 {
		g.logger.Info("leftover instances cleaned up", "count", killed)
	}
	return killed
}

// waitForExit polls until the PID disappears or the grace period elapses.
func waitForExit(ctx context.Context, pid int32, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		alive, err := process.PidExists(pid)
		if err != nil || !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}
