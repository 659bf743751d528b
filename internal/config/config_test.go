package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setEnv sets required variables for a loadable config and registers cleanup.
func setEnv(t *testing.T, pairs map[string]string) {
	t.Helper()
	for k, v := range pairs {
		t.Setenv(k, v)
	}
}

func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, map[string]string{
		"MATCHBOT_HOME": t.TempDir(),
		"BOT_TOKEN":     "tok-123",
		"ROOM_ID":       "room-456",
		"MONGODB_URI":   "mongodb://localhost:27017",
	})
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 10000 {
		t.Errorf("Port = %d, want 10000", cfg.Port)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.MongoDBName != "MatchShowBot" {
		t.Errorf("MongoDBName = %q, want MatchShowBot", cfg.MongoDBName)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Server.RequestTimeoutSeconds != 300 {
		t.Errorf("RequestTimeoutSeconds = %d, want 300", cfg.Server.RequestTimeoutSeconds)
	}
	if cfg.Server.ShutdownGraceSeconds != 60 {
		t.Errorf("ShutdownGraceSeconds = %d, want 60", cfg.Server.ShutdownGraceSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_CredentialCleaning(t *testing.T) {
	baseEnv(t)
	t.Setenv("BOT_TOKEN", "  tok-abc%  ")
	t.Setenv("ROOM_ID", "room-xyz%")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BotToken != "tok-abc" {
		t.Errorf("BotToken = %q, want trailing %%/whitespace stripped", cfg.BotToken)
	}
	if cfg.RoomID != "room-xyz" {
		t.Errorf("RoomID = %q, want trailing %% stripped", cfg.RoomID)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := t.TempDir()
	yaml := "port: 8080\nworkers: 2\nlog_level: debug\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	setEnv(t, map[string]string{
		"MATCHBOT_HOME": home,
		"BOT_TOKEN":     "t",
		"ROOM_ID":       "r",
		"MONGODB_URI":   "mongodb://localhost:27017",
		"PORT":          "9100",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, env must win over config.yaml", cfg.Port)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2 from config.yaml", cfg.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestValidate_ListsAllMissing(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: expected error with no credentials set")
	}
	for _, name := range []string{"BOT_TOKEN", "ROOM_ID", "MONGODB_URI"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Validate error %q missing %s", err, name)
		}
	}
}

func TestValidate_PartialMissing(t *testing.T) {
	cfg := defaultConfig()
	cfg.BotToken = "t"
	cfg.MongoURI = "mongodb://localhost:27017"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: expected error")
	}
	if !strings.Contains(err.Error(), "ROOM_ID") {
		t.Errorf("error %q should name ROOM_ID", err)
	}
	if strings.Contains(err.Error(), "BOT_TOKEN") {
		t.Errorf("error %q should not name BOT_TOKEN", err)
	}
}

func TestGunicornLogLevelFallback(t *testing.T) {
	baseEnv(t)
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("GUNICORN_LOG_LEVEL", "warning")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warning" {
		t.Errorf("LogLevel = %q, want gunicorn fallback applied", cfg.LogLevel)
	}
}

func TestLockAndPIDPaths(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	t.Setenv("MATCHBOT_RUNTIME_DIR", dir)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockPath() != filepath.Join(dir, "matchbot.lock") {
		t.Errorf("LockPath = %q", cfg.LockPath())
	}
	if cfg.PIDPath() != filepath.Join(dir, "matchbot.pid") {
		t.Errorf("PIDPath = %q", cfg.PIDPath())
	}
}

func TestFingerprint_StableAndSecretFree(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fp := cfg.Fingerprint()
	if fp != cfg.Fingerprint() {
		t.Error("Fingerprint not deterministic")
	}
	if strings.Contains(fp, "tok-123") || strings.Contains(fp, "room-456") {
		t.Errorf("Fingerprint %q leaks a credential", fp)
	}
}
