package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/coolbuoy/matchbot/internal/config"
	"github.com/coolbuoy/matchbot/internal/instance"
)

func printDaemonUsage() {
	fmt.Fprintln(os.Stderr, "usage: matchbot daemon [start|stop|status]")
}

func runDaemonCommand(ctx context.Context, args []string) int {
	action := "start"
	if len(args) > 0 {
		action = strings.ToLower(strings.TrimSpace(args[0]))
	}
	if len(args) > 1 {
		printDaemonUsage()
		return 2
	}

	switch action {
	case "start":
		return daemonize()
	case "stop":
		return daemonStop()
	case "status":
		return daemonStatus(ctx)
	case "help", "-h", "--help":
		printDaemonUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action %q\n", action)
		printDaemonUsage()
		return 2
	}
}

// daemonize re-execs the binary detached from the terminal. The child runs
// the normal foreground path; MATCHBOT_DAEMONIZED stops it from forking
// again.
func daemonize() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, nil)
	if pid := guard.CheckExisting(); pid != 0 && pid != os.Getpid() {
		fmt.Fprintf(os.Stderr, "already running (PID %d)\n", pid)
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		return 1
	}

	logDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log dir: %v\n", err)
		return 1
	}
	out, err := os.OpenFile(filepath.Join(logDir, "daemon.out"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open daemon log: %v\n", err)
		return 1
	}
	defer out.Close()

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), "MATCHBOT_DAEMONIZED=1")
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start daemon: %v\n", err)
		return 1
	}
	// The child writes its own PID file once it holds the lock.
	fmt.Printf("daemon started (PID %d), logs in %s\n", cmd.Process.Pid, filepath.Join(logDir, "daemon.out"))
	_ = cmd.Process.Release()
	return 0
}

// daemonStop signals the recorded instance and waits for it to exit.
func daemonStop() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, nil)
	pid := guard.CheckExisting()
	if pid == 0 {
		fmt.Println("not running")
		return 0
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal PID %d: %v\n", pid, err)
		return 1
	}

	// Shutdown drains HTTP connections, so allow the full grace window.
	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		alive, err := process.PidExists(int32(pid))
		if err != nil || !alive {
			fmt.Printf("stopped (PID %d)\n", pid)
			return 0
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "PID %d did not exit within %s\n", pid, grace)
	return 1
}

// daemonStatus reports the recorded instance and probes its health endpoint.
func daemonStatus(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, nil)
	pid := guard.CheckExisting()
	if pid == 0 {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("running (PID %d)\n", pid)

	status, body, err := fetchLocal(ctx, healthURL(cfg, "/health"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "health probe: %v\n", err)
		return 1
	}
	os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}
	if status != 200 {
		return 1
	}
	return 0
}
