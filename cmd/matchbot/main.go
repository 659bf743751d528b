// Command matchbot supervises the matchmaking bot: it enforces single-
// instance execution, keeps the platform session alive under a restart
// policy, revalidates the database on a schedule, and serves the HTTP
// health surface the hosting platform probes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/coolbuoy/matchbot/internal/config"
	"github.com/coolbuoy/matchbot/internal/db"
	"github.com/coolbuoy/matchbot/internal/health"
	"github.com/coolbuoy/matchbot/internal/instance"
	otelx "github.com/coolbuoy/matchbot/internal/otel"
	"github.com/coolbuoy/matchbot/internal/platform"
	"github.com/coolbuoy/matchbot/internal/retry"
	"github.com/coolbuoy/matchbot/internal/telemetry"
	"github.com/coolbuoy/matchbot/internal/web"
	"github.com/coolbuoy/matchbot/internal/worker"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "v1.0.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `matchbot - matchmaking bot supervisor

Usage:
  Run in foreground:      %s
  Run in background:      %s -daemon
  Manage the daemon:      %s daemon [start|stop|status]
  Show bot status:        %s status
  Run diagnostics:        %s doctor [-json]
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemonFlag := flag.Bool("daemon", false, "detach and run in the background")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			os.Exit(runDaemonCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if *daemonFlag && os.Getenv("MATCHBOT_DAEMONIZED") == "" {
		os.Exit(daemonize())
	}

	if code := run(ctx, stop); code != 0 {
		stop()
		os.Exit(code)
	}
}

// run is the supervisor main loop: startup phases in order, then block until
// a shutdown signal or a fatal component error. Cleanup runs via defers so
// the lock, store and exporters are released on every path.
func run(ctx context.Context, stop context.CancelFunc) int {
	cfg, err := config.Load()
	if err != nil {
		return startupFailure(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Validate(); err != nil {
		return startupFailure(nil, "E_CONFIG_VALIDATE", err)
	}

	ring := telemetry.NewRing(0)
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false, ring)
	if err != nil {
		return startupFailure(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "version", Version)

	// Single-instance guard before anything touches the network.
	guard := instance.NewGuard(cfg.LockPath(), cfg.PIDPath(), cfg.BotName, logger)
	if existing := guard.CheckExisting(); existing != 0 && existing != os.Getpid() {
		logger.Warn("found recorded instance", "pid", existing)
	}
	if err := guard.Acquire(); err != nil {
		return startupFailure(logger, "E_INSTANCE_LOCK", err)
	}
	defer guard.Release()
	logger.Info("startup phase", "phase", "instance_locked")

	provider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}

	state := health.NewState(uuid.NewString(), cfg.Fingerprint(),
		time.Duration(cfg.Health.WorkerStaleSeconds)*time.Second)

	// Database bootstrap under the retry budget. Startup fails loudly when
	// the budget is exhausted; transient loss later only degrades /health.
	base, maxDelay := cfg.RetryDelays()
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   base,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    maxDelay,
		Jitter:      !cfg.Retry.DisableJitter,
	}
	store, err := db.Connect(ctx, cfg.MongoURI, cfg.MongoDBName, policy, logger,
		func(attempt int, delay time.Duration, err error) {
			state.IncDBRetries()
			metrics.DBRetries.Add(ctx, 1)
		})
	if err != nil {
		return startupFailure(logger, "E_DB_CONNECT", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()
	store.UseTracer(provider.Tracer)
	state.SetDB(true, nil)
	logger.Info("startup phase", "phase", "database_connected")

	monitor, err := health.NewMonitor(state, store, logger,
		cfg.Health.CronExpr,
		time.Duration(cfg.Health.PingTimeoutSeconds)*time.Second,
		func(seconds float64) {
			metrics.HealthCheckDuration.Record(ctx, seconds)
		})
	if err != nil {
		return startupFailure(logger, "E_HEALTH_MONITOR", err)
	}
	go monitor.Run(ctx)

	server := web.NewServer(web.Options{
		Addr:           cfg.BindAddr(),
		State:          state,
		Ring:           ring,
		Stats:          store,
		Logger:         logger,
		Tracer:         provider.Tracer,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		OnRequest: func(route string, status int, seconds float64) {
			metrics.RequestDuration.Record(ctx, seconds,
				metric.WithAttributes(otelx.AttrRoute.String(route)))
		},
	})
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			if isAddrInUse(err) {
				err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr()))
			}
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "http_listening", "addr", cfg.BindAddr())

	// Config watcher: reloads are logged, not hot-applied. Port and worker
	// changes need a restart and the log entry says so.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				if fresh.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("configuration changed on disk, restart to apply",
						"old_fingerprint", cfg.Fingerprint(),
						"new_fingerprint", fresh.Fingerprint())
				}
			}
		}()
	}

	// sessionLive mirrors the up/down state of the platform session so the
	// gauge moves in both directions instead of counting logins.
	var sessionLive atomic.Bool
	session := platform.NewSession(platform.Config{
		APIURL:    cfg.Platform.APIURL,
		Token:     cfg.BotToken,
		RoomID:    cfg.RoomID,
		Keepalive: time.Duration(cfg.Platform.KeepaliveSeconds) * time.Second,
	}, logger,
		func(sessionID string) {
			state.SetBotRunning(true)
			if sessionLive.CompareAndSwap(false, true) {
				metrics.SessionUp.Add(ctx, 1)
			}
			_, span := otelx.StartSpan(ctx, provider.Tracer, "session.ready",
				otelx.AttrSessionID.String(sessionID))
			span.End()
		},
		func(ev platform.Event) {
			if ev.Type == "UserJoinedEvent" {
				var payload struct {
					User struct {
						ID       string `json:"id"`
						Username string `json:"username"`
					} `json:"user"`
				}
				if err := json.Unmarshal(ev.Raw, &payload); err == nil && payload.User.ID != "" {
					saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					if err := store.SaveUser(saveCtx, db.User{
						UserID:   payload.User.ID,
						Username: payload.User.Username,
						JoinedAt: time.Now().UTC(),
					}); err != nil {
						logger.Warn("user save failed", "user_id", payload.User.ID, "error", err)
					}
					cancel()
				}
				return
			}
			logger.Debug("platform event", "type", ev.Type)
		},
	)

	pool := worker.NewPool(worker.Options{
		Workers: cfg.Workers,
		Runner:  session,
		Policy: worker.Policy{
			MaxRestarts:       cfg.Supervisor.MaxRestarts,
			InitialDelay:      time.Duration(cfg.Supervisor.RestartDelaySeconds) * time.Second,
			BackoffMultiplier: cfg.Supervisor.RestartDelayGrowth,
			MaxDelay:          time.Duration(cfg.Supervisor.MaxDelaySeconds) * time.Second,
			ConflictDelay:     60 * time.Second,
		},
		State:      state,
		Logger:     logger,
		IsFatal:    func(err error) bool { return errors.Is(err, platform.ErrAuth) },
		IsConflict: func(err error) bool { return errors.Is(err, platform.ErrConflict) },
		OnConflict: func(ctx context.Context) {
			guard.KillStale(ctx, 10*time.Second)
		},
		OnReconnect: func() {
			state.IncSessionReconnects()
			metrics.SessionReconnects.Add(ctx, 1)
			_, span := otelx.StartSpan(ctx, provider.Tracer, "session.restart",
				otelx.AttrRestart.Int(state.Get().RestartCount))
			span.End()
		},
		OnSessionEnd: func() {
			if sessionLive.CompareAndSwap(true, false) {
				metrics.SessionUp.Add(ctx, -1)
			}
		},
		OnHeartbeat: func(index int, role string) {
			metrics.WorkerHeartbeats.Add(ctx, 1, metric.WithAttributes(
				otelx.AttrWorkerIndex.Int(index),
				otelx.AttrWorkerRole.String(role),
			))
		},
	})
	poolErr := make(chan error, 1)
	go func() { poolErr <- pool.Run(ctx) }()
	logger.Info("startup phase", "phase", "workers_started", "workers", cfg.Workers)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
		exitCode = 1
	case err := <-poolErr:
		if err != nil {
			logger.Error("worker pool stopped", "error", err)
			exitCode = 1
		} else {
			logger.Info("worker pool stopped")
		}
	}
	stop()

	// Stop intake first, then drain in-flight requests within the grace
	// window. Lock release and store close run via defers.
	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	state.SetBotRunning(false)
	logger.Info("shutdown complete")
	return exitCode
}

// startupFailure logs a fatal startup error and returns the process exit
// code. It never exits directly: run's defers must still release the
// instance lock, close the store and flush exporters.
func startupFailure(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"matchbot","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change PORT.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change PORT.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// healthURL builds the local health endpoint for CLI commands.
func healthURL(cfg config.Config, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port, path)
}

// fetchLocal GETs a supervisor endpoint with a short timeout and returns the
// status code and body.
func fetchLocal(ctx context.Context, url string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
