package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/coolbuoy/matchbot/internal/instance"
)

// setTestConfig points the CLI config at a temp home and the given address.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MATCHBOT_HOME", home)
	t.Setenv("MATCHBOT_RUNTIME_DIR", home)
	t.Setenv("MATCHBOT_PLATFORM_URL", "wss://localhost/web/botapi")

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	t.Setenv("PORT", port)
}

func TestIsAddrInUse(t *testing.T) {
	opErr := &net.OpError{
		Op:  "listen",
		Err: &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE},
	}
	if !isAddrInUse(opErr) {
		t.Error("EADDRINUSE syscall error not detected")
	}
	if !isAddrInUse(errors.New("listen tcp :10000: address already in use")) {
		t.Error("string fallback not detected")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Error("unrelated error misclassified")
	}
}

func TestPortOccupantHint_WithLsof(t *testing.T) {
	orig := execCommandFunc
	defer func() { execCommandFunc = orig }()
	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("echo", "12345")
	}

	hint := portOccupantHint("0.0.0.0:10000")
	if !strings.Contains(hint, "12345") {
		t.Errorf("hint %q does not name the occupying PID", hint)
	}
	if !strings.Contains(hint, "kill") {
		t.Errorf("hint %q does not suggest a fix", hint)
	}
}

func TestPortOccupantHint_NoLsof(t *testing.T) {
	orig := execCommandFunc
	defer func() { execCommandFunc = orig }()
	execCommandFunc = func(name string, args ...string) *exec.Cmd {
		return exec.Command("false")
	}

	hint := portOccupantHint("0.0.0.0:10000")
	if !strings.Contains(hint, "10000") {
		t.Errorf("hint %q does not name the port", hint)
	}
}

func TestRun_LateStartupFailureReleasesLock(t *testing.T) {
	setTestConfig(t, "127.0.0.1:0")
	t.Setenv("BOT_TOKEN", "tok")
	t.Setenv("ROOM_ID", "room")
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")

	// A bad exporter name fails startup after the instance lock is taken.
	home := os.Getenv("MATCHBOT_HOME")
	yaml := "telemetry:\n  enabled: true\n  exporter: bogus\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if code := run(ctx, cancel); code != 1 {
		t.Fatalf("run = %d, want 1", code)
	}

	cfg := mustLoadConfig(t)
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Error("pid file left behind after failed startup")
	}
	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, nil)
	if err := guard.Acquire(); err != nil {
		t.Fatalf("lock not released by failed startup: %v", err)
	}
	guard.Release()
}

func TestHealthURL(t *testing.T) {
	setTestConfig(t, "127.0.0.1:"+strconv.Itoa(12345))
	cfg := mustLoadConfig(t)
	got := healthURL(cfg, "/health")
	if got != "http://127.0.0.1:12345/health" {
		t.Errorf("healthURL = %q", got)
	}
}
