// Package doctor runs preflight diagnostics: configuration, credentials,
// lock state, database, platform reachability, filesystem permissions, and
// the HTTP port. Checks never mutate state beyond a scratch write test.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/coolbuoy/matchbot/internal/config"
	"github.com/coolbuoy/matchbot/internal/instance"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCredentials,
		checkInstanceLock,
		checkDatabase,
		checkPlatform,
		checkPermissions,
		checkPort,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("port=%d, workers=%d, fingerprint=%s", cfg.Port, cfg.Workers, cfg.Fingerprint()),
	}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{
			Name:    "Credentials",
			Status:  "FAIL",
			Message: err.Error(),
			Detail:  "Set the variables in the environment or in .env",
		}
	}
	return CheckResult{Name: "Credentials", Status: "PASS", Message: "BOT_TOKEN, ROOM_ID and MONGODB_URI are set"}
}

func checkInstanceLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Instance", Status: "SKIP", Message: "Config missing"}
	}
	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, nil)
	if pid := guard.CheckExisting(); pid != 0 && pid != os.Getpid() {
		return CheckResult{
			Name:    "Instance",
			Status:  "WARN",
			Message: fmt.Sprintf("Another instance appears to be running (PID %d)", pid),
			Detail:  fmt.Sprintf("lock=%s", cfg.LockPath()),
		}
	}
	return CheckResult{Name: "Instance", Status: "PASS", Message: "No other instance detected"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || strings.TrimSpace(cfg.MongoURI) == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "MONGODB_URI not set"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.MongoURI).
		SetServerSelectionTimeout(5 * time.Second))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Driver init failed: %v", err)}
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: fmt.Sprintf("Ping failed: %v", err),
			Detail:  fmt.Sprintf("database=%s", cfg.MongoDBName),
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Reachable in %dms", time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("database=%s", cfg.MongoDBName),
	}
}

func checkPlatform(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Platform", Status: "SKIP", Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Platform.APIURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Platform", Status: "FAIL", Message: fmt.Sprintf("Bad platform URL %q", cfg.Platform.APIURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Platform",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Platform",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.RuntimeDir} {
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{
				Name:    "Permissions",
				Status:  "FAIL",
				Message: fmt.Sprintf("%s unwritable: %v", dir, err),
			}
		}
		os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and runtime directories writable"}
}

// checkPort verifies the HTTP port can be bound. A port in use is a WARN,
// not FAIL, because the occupant is usually a running instance.
func checkPort(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr())
	if err != nil {
		return CheckResult{
			Name:    "Port",
			Status:  "WARN",
			Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr(), err),
			Detail:  "Usually a running instance; see the Instance check",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Port", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr())}
}
