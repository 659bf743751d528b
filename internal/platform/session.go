// Package platform maintains the websocket session with the room platform.
// Exactly one session per token may exist platform-side; a second login
// invalidates the first, so the supervisor runs this only in the owner
// worker.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Error kinds let the supervisor pick a restart strategy.
var (
	// ErrAuth means the platform rejected our credentials. Retrying with the
	// same token cannot succeed.
	ErrAuth = errors.New("platform rejected credentials")
	// ErrConflict means another login displaced this session (multilogin).
	ErrConflict = errors.New("session displaced by another login")
)

// Config carries the connection parameters for one session.
type Config struct {
	APIURL    string
	Token     string
	RoomID    string
	Keepalive time.Duration
}

// Event is the envelope of an inbound platform message. Only the type tag is
// interpreted here; payload handling belongs to the bot logic, not the
// supervisor.
type Event struct {
	Type      string          `json:"_type"`
	SessionID string          `json:"session_id,omitempty"`
	RID       string          `json:"rid,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Session is one websocket connection lifecycle: dial, announce, keepalive,
// read until failure.
type Session struct {
	cfg    Config
	logger *slog.Logger

	// onReady fires once per connection after the session metadata arrives.
	onReady func(sessionID string)
	// onEvent fires for every inbound event after readiness.
	onEvent func(Event)
}

func NewSession(cfg Config, logger *slog.Logger, onReady func(string), onEvent func(Event)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	return &Session{cfg: cfg, logger: logger, onReady: onReady, onEvent: onEvent}
}

// Run dials the platform and blocks until the connection fails or ctx is
// cancelled. The returned error is nil only on clean ctx cancellation;
// otherwise it is classified (ErrAuth, ErrConflict, or transient).
func (s *Session) Run(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, s.cfg.APIURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"api-token": []string{s.cfg.Token},
			"room-id":   []string{s.cfg.RoomID},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w (HTTP %d)", ErrAuth, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", s.cfg.APIURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	// Keepalive pings run beside the read loop. A ping failure surfaces as a
	// read error, so the loop only has one exit path.
	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go s.keepalive(pingCtx, conn)

	ready := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return classifyReadError(err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("unparseable platform event", "error", err, "bytes", len(data))
			continue
		}
		ev.Raw = data

		if !ready {
			if ev.Type == "SessionMetadata" || ev.SessionID != "" {
				ready = true
				s.logger.Info("platform session established", "session_id", ev.SessionID)
				if s.onReady != nil {
					s.onReady(ev.SessionID)
				}
				continue
			}
		}
		if ev.Type == "Error" && looksLikeConflict(string(ev.Raw)) {
			return fmt.Errorf("%w: %s", ErrConflict, ev.Raw)
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.Keepalive)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("keepalive ping failed", "error", err)
				}
				return
			}
		}
	}
}

// classifyReadError maps a websocket close into the supervisor's error
// vocabulary.
func classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("connection closed by platform: %w", err)
	}
	if looksLikeConflict(err.Error()) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("connection lost: %w", err)
}

// looksLikeConflict matches the platform's multilogin phrasing.
func looksLikeConflict(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"multilogin", "another login", "session replaced", "duplicate session"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
