// Package web serves the supervisor's HTTP surface: liveness for the
// hosting platform, detailed status and metrics for operators, and a small
// dashboard. Handlers only read shared state; nothing here mutates the bot.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/coolbuoy/matchbot/internal/health"
	otelx "github.com/coolbuoy/matchbot/internal/otel"
	"github.com/coolbuoy/matchbot/internal/telemetry"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// StatsSource supplies the database counters shown on /bot-metrics. It is
// optional; without one the counters are omitted rather than failing the
// endpoint.
type StatsSource interface {
	UserCount(ctx context.Context) (int64, error)
	RegistrationCount(ctx context.Context) (int64, error)
}

// Server wires the handlers onto an http.Server with bounded timeouts.
type Server struct {
	state  *health.State
	ring   *telemetry.Ring
	stats  StatsSource
	logger *slog.Logger
	tracer trace.Tracer

	httpServer *http.Server

	// onRequest observes finished requests for OTel; may be nil.
	onRequest func(route string, status int, seconds float64)
}

type Options struct {
	Addr           string
	State          *health.State
	Ring           *telemetry.Ring
	Stats          StatsSource
	Logger         *slog.Logger
	Tracer         trace.Tracer
	RequestTimeout time.Duration
	OnRequest      func(route string, status int, seconds float64)
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("matchbot")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 300 * time.Second
	}
	s := &Server{
		state:     opts.State,
		ring:      opts.Ring,
		stats:     opts.Stats,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		onRequest: opts.OnRequest,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /bot-status", s.handleBotStatus)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /bot-metrics", s.handleBotMetrics)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       opts.RequestTimeout,
		WriteTimeout:      opts.RequestTimeout,
		IdleTimeout:       2 * opts.RequestTimeout,
	}
	return s
}

// Handler exposes the instrumented mux, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// normal shutdown and is not returned.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for counting and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps every request in a server span, counts it, flags 5xx
// responses as errors, and logs at debug so the log ring is not dominated by
// probe traffic.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otelx.StartServerSpan(r.Context(), s.tracer, "http "+r.URL.Path,
			otelx.AttrRoute.String(r.URL.Path))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		span.End()

		s.state.IncRequests()
		if rec.status >= http.StatusInternalServerError {
			s.state.IncErrors()
		}
		if s.onRequest != nil {
			s.onRequest(r.URL.Path, rec.status, elapsed.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed", elapsed.Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "matchbot",
		"status":  "ok",
		"endpoints": []string{
			"/health", "/bot-status", "/logs", "/bot-metrics", "/dashboard",
		},
	})
}

// handleHealth is the hosting platform's liveness probe. Healthy means the
// owner session is up and the last database check passed; anything else is
// 503 with the failing component named.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Get()
	body := map[string]any{
		"status":         "healthy",
		"bot_running":    snap.BotRunning,
		"database":       "connected",
		"uptime_seconds": s.state.UptimeSeconds(),
		"instance_id":    s.state.InstanceID(),
	}
	status := http.StatusOK
	if !snap.BotRunning || !snap.DBConnected {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		if !snap.DBConnected {
			body["database"] = "disconnected"
			if snap.LastDBError != "" {
				body["database_error"] = snap.LastDBError
			}
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Get()
	body := map[string]any{
		"bot_running":        snap.BotRunning,
		"uptime_seconds":     s.state.UptimeSeconds(),
		"restart_count":      snap.RestartCount,
		"last_session_error": snap.LastSessionError,
		"instance_id":        s.state.InstanceID(),
		"config_fingerprint": s.state.Fingerprint(),
		"workers":            snap.Workers,
		"database": map[string]any{
			"connected":  snap.DBConnected,
			"last_check": snap.LastDBCheck,
			"last_error": snap.LastDBError,
		},
		"environment": map[string]bool{
			"bot_token_set":   os.Getenv("BOT_TOKEN") != "",
			"room_id_set":     os.Getenv("ROOM_ID") != "",
			"mongodb_uri_set": os.Getenv("MONGODB_URI") != "",
		},
	}
	if !snap.BotStartTime.IsZero() {
		body["bot_start_time"] = snap.BotStartTime.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleLogs serves the in-memory log tail, newest first. limit clamps to
// [1, 1000]; level filters out anything below it.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	minLevel := telemetry.ParseLevel(r.URL.Query().Get("level"))

	records := s.ring.Tail(limit, minLevel)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"logs":  records,
	})
}

func (s *Server) handleBotMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := map[string]any{
		"requests_total":         s.state.RequestsTotal(),
		"errors_total":           s.state.ErrorsTotal(),
		"db_retries_total":       s.state.DBRetries(),
		"session_reconnects":     s.state.SessionReconnects(),
		"restart_count":          s.state.Get().RestartCount,
		"uptime_seconds":         s.state.UptimeSeconds(),
		"process_uptime_seconds": s.state.ProcessUptimeSeconds(),
		"goroutines":             runtime.NumGoroutine(),
		"heap_alloc_bytes":       mem.HeapAlloc,
		"heap_sys_bytes":         mem.HeapSys,
		"gc_cycles":              mem.NumGC,
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			body["cpu_percent"] = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			body["rss_bytes"] = mi.RSS
		}
	}

	if s.stats != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if n, err := s.stats.UserCount(ctx); err == nil {
			body["user_count"] = n
		}
		if n, err := s.stats.RegistrationCount(ctx); err == nil {
			body["registration_count"] = n
		}
	}

	writeJSON(w, http.StatusOK, body)
}
