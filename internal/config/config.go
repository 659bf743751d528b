// Package config loads the bot's operational configuration. Credentials and
// connection targets come from environment variables (with .env support);
// config.yaml under the home directory carries the tunable knobs (retry
// schedule, health cron, server timeouts, telemetry).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RetryConfig tunes the connection bootstrap backoff (database and platform).
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseDelayMS   int     `yaml:"base_delay_ms"`
	Multiplier    float64 `yaml:"multiplier"`
	MaxDelayMS    int     `yaml:"max_delay_ms"`
	DisableJitter bool    `yaml:"disable_jitter"`
}

// HealthConfig tunes the periodic database revalidation.
type HealthConfig struct {
	// CronExpr is a standard 5-field cron expression for DB revalidation.
	CronExpr string `yaml:"cron_expr"`
	// PingTimeoutSeconds bounds each database ping.
	PingTimeoutSeconds int `yaml:"ping_timeout_seconds"`
	// WorkerStaleSeconds marks a worker dead when its heartbeat is older.
	WorkerStaleSeconds int `yaml:"worker_stale_seconds"`
}

// ServerConfig tunes the HTTP health surface.
type ServerConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `yaml:"shutdown_grace_seconds"`
}

// PlatformConfig names the virtual-room platform endpoint.
type PlatformConfig struct {
	APIURL string `yaml:"api_url"`
	// KeepaliveSeconds is the interval between session pings.
	KeepaliveSeconds int `yaml:"keepalive_seconds"`
}

// SupervisorConfig tunes the owner-worker restart loop.
type SupervisorConfig struct {
	MaxRestarts         int     `yaml:"max_restarts"`
	RestartDelaySeconds int     `yaml:"restart_delay_seconds"`
	RestartDelayGrowth  float64 `yaml:"restart_delay_growth"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
}

// TelemetryConfig mirrors the OTel init options.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Credentials come from the environment only, never from config.yaml.
	BotToken string `yaml:"-"`
	RoomID   string `yaml:"-"`
	MongoURI string `yaml:"-"`

	MongoDBName string `yaml:"mongodb_db_name"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	Workers     int    `yaml:"workers"`

	// BotName names the process for the instance guard (lock/PID file stem
	// and process-table matching).
	BotName string `yaml:"bot_name"`
	// RuntimeDir holds the lock and PID files.
	RuntimeDir string `yaml:"runtime_dir"`

	Retry      RetryConfig      `yaml:"retry"`
	Health     HealthConfig     `yaml:"health"`
	Server     ServerConfig     `yaml:"server"`
	Platform   PlatformConfig   `yaml:"platform"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		MongoDBName: "MatchShowBot",
		Port:        10000,
		LogLevel:    "info",
		Workers:     4,
		BotName:     "matchbot",
		RuntimeDir:  os.TempDir(),
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
			Multiplier:  2.0,
			MaxDelayMS:  30000,
		},
		Health: HealthConfig{
			CronExpr:           "* * * * *",
			PingTimeoutSeconds: 10,
			WorkerStaleSeconds: 90,
		},
		Server: ServerConfig{
			RequestTimeoutSeconds: 300,
			ShutdownGraceSeconds:  60,
		},
		Platform: PlatformConfig{
			APIURL:           "wss://highrise.game/web/botapi",
			KeepaliveSeconds: 15,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:         10,
			RestartDelaySeconds: 30,
			RestartDelayGrowth:  1.2,
			MaxDelaySeconds:     300,
		},
	}
}

// HomeDir returns the bot's home directory (MATCHBOT_HOME or ~/.matchbot).
func HomeDir() string {
	if override := os.Getenv("MATCHBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".matchbot")
}

// Load reads .env, config.yaml and the environment, in increasing precedence.
// It does not verify that required variables are present; call Validate for
// that so callers control when a missing credential becomes fatal.
func Load() (Config, error) {
	// Missing .env is fine; env vars may come from the deployment instead.
	_ = godotenv.Load()

	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create matchbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// ConfigPath returns the path of config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BOT_TOKEN"); raw != "" {
		cfg.BotToken = cleanCredential(raw)
	}
	if raw := os.Getenv("ROOM_ID"); raw != "" {
		cfg.RoomID = cleanCredential(raw)
	}
	if raw := os.Getenv("MONGODB_URI"); raw != "" {
		cfg.MongoURI = strings.TrimSpace(raw)
	}
	if raw := os.Getenv("MONGODB_DB_NAME"); raw != "" {
		cfg.MongoDBName = strings.TrimSpace(raw)
	}
	if raw := os.Getenv("PORT"); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	} else if raw := os.Getenv("GUNICORN_LOG_LEVEL"); raw != "" {
		// Legacy deployment configs still set the gunicorn variable.
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WORKERS"); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			cfg.Workers = v
		}
	}
	if raw := os.Getenv("MATCHBOT_RUNTIME_DIR"); raw != "" {
		cfg.RuntimeDir = raw
	}
	if raw := os.Getenv("MATCHBOT_PLATFORM_URL"); raw != "" {
		cfg.Platform.APIURL = raw
	}
}

func normalize(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = 10000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.MongoDBName) == "" {
		cfg.MongoDBName = "MatchShowBot"
	}
	if strings.TrimSpace(cfg.BotName) == "" {
		cfg.BotName = "matchbot"
	}
	if strings.TrimSpace(cfg.RuntimeDir) == "" {
		cfg.RuntimeDir = os.TempDir()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelayMS <= 0 {
		cfg.Retry.BaseDelayMS = 1000
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.MaxDelayMS <= 0 {
		cfg.Retry.MaxDelayMS = 30000
	}
	if strings.TrimSpace(cfg.Health.CronExpr) == "" {
		cfg.Health.CronExpr = "* * * * *"
	}
	if cfg.Health.PingTimeoutSeconds <= 0 {
		cfg.Health.PingTimeoutSeconds = 10
	}
	if cfg.Health.WorkerStaleSeconds <= 0 {
		cfg.Health.WorkerStaleSeconds = 90
	}
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		cfg.Server.RequestTimeoutSeconds = 300
	}
	if cfg.Server.ShutdownGraceSeconds <= 0 {
		cfg.Server.ShutdownGraceSeconds = 60
	}
	if strings.TrimSpace(cfg.Platform.APIURL) == "" {
		cfg.Platform.APIURL = "wss://highrise.game/web/botapi"
	}
	if cfg.Platform.KeepaliveSeconds <= 0 {
		cfg.Platform.KeepaliveSeconds = 15
	}
	if cfg.Supervisor.MaxRestarts <= 0 {
		cfg.Supervisor.MaxRestarts = 10
	}
	if cfg.Supervisor.RestartDelaySeconds <= 0 {
		cfg.Supervisor.RestartDelaySeconds = 30
	}
	if cfg.Supervisor.RestartDelayGrowth < 1 {
		cfg.Supervisor.RestartDelayGrowth = 1.2
	}
	if cfg.Supervisor.MaxDelaySeconds <= 0 {
		cfg.Supervisor.MaxDelaySeconds = 300
	}
}

// Validate reports every missing required variable at once so an operator
// fixes the deployment in one pass. Callers run it before any network dial.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.BotToken) == "" {
		missing = append(missing, "BOT_TOKEN")
	}
	if strings.TrimSpace(c.RoomID) == "" {
		missing = append(missing, "ROOM_ID")
	}
	if strings.TrimSpace(c.MongoURI) == "" {
		missing = append(missing, "MONGODB_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// BindAddr returns the HTTP listen address derived from Port.
func (c Config) BindAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}

// LockPath returns the instance lock file path.
func (c Config) LockPath() string {
	return filepath.Join(c.RuntimeDir, c.BotName+".lock")
}

// PIDPath returns the PID file path.
func (c Config) PIDPath() string {
	return filepath.Join(c.RuntimeDir, c.BotName+".pid")
}

// RetryDelays converts the retry knobs to durations.
func (c Config) RetryDelays() (base, max time.Duration) {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// Fingerprint identifies the active configuration in logs and /bot-status
// without exposing any credential.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "port=%d|workers=%d|log=%s|db=%s|cron=%s|room_set=%t",
		c.Port, c.Workers, c.LogLevel, c.MongoDBName, c.Health.CronExpr, c.RoomID != "")
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// cleanCredential strips whitespace and a trailing '%', a shell copy-paste
// artifact that kept breaking deployments.
func cleanCredential(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "%")
}
