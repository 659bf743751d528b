package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// wsURL rewrites an httptest server URL into a websocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		APIURL:    url,
		Token:     "tok",
		RoomID:    "room-1",
		Keepalive: time.Minute,
	}
}

func TestRun_ReadyAndEventDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-token") != "tok" || r.Header.Get("room-id") != "room-1" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"_type":"SessionMetadata","session_id":"sess-42"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"_type":"ChatEvent"}`))
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer srv.Close()

	var gotSession string
	events := make(chan Event, 4)
	s := NewSession(testConfig(wsURL(srv)), nil,
		func(id string) { gotSession = id },
		func(ev Event) { events <- ev },
	)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil after server closed the connection")
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrConflict) {
		t.Fatalf("normal closure misclassified: %v", err)
	}
	if gotSession != "sess-42" {
		t.Errorf("onReady session = %q, want sess-42", gotSession)
	}
	select {
	case ev := <-events:
		if ev.Type != "ChatEvent" {
			t.Errorf("event type = %q", ev.Type)
		}
	default:
		t.Error("event not dispatched")
	}
}

func TestRun_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSession(testConfig(wsURL(srv)), nil, nil, nil)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestRun_PolicyViolationIsConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"_type":"SessionMetadata","session_id":"s"}`))
		_ = conn.Close(websocket.StatusPolicyViolation, "multilogin")
	}))
	defer srv.Close()

	s := NewSession(testConfig(wsURL(srv)), nil, nil, nil)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestRun_ContextCancelIsClean(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"_type":"SessionMetadata","session_id":"s"}`))
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(testConfig(wsURL(srv)), nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLooksLikeConflict(t *testing.T) {
	cases := map[string]bool{
		"platform error: Multilogin detected":   true,
		"closed: another login from new device": true,
		"read tcp: connection reset by peer":    false,
		"session replaced":                      true,
		"":                                      false,
	}
	for msg, want := range cases {
		if got := looksLikeConflict(msg); got != want {
			t.Errorf("looksLikeConflict(%q) = %v, want %v", msg, got, want)
		}
	}
}
