package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/meetbridge/pkg/core/engine"
	"github.com/vango-go/meetbridge/pkg/core/engine/enginetest"
	"github.com/vango-go/meetbridge/pkg/core/transcripts"
	"github.com/vango-go/meetbridge/pkg/gateway/config"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
)

func newTestServer(t *testing.T) (*Server, *enginetest.Opener) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	opener := enginetest.NewOpener()
	reg := sessions.New(sessions.Config{}, sessions.Deps{Opener: opener, Agent: engine.Agent{Name: "Assistant"}, Logger: logger})
	s := New(config.Config{
		HandshakeTimeout: time.Second,
		WSWriteTimeout:   time.Second,
		WSPingInterval:   time.Second,
		OutboundQueue:    16,
		MaxMessageBytes:  1 << 20,
		IgnoredSpeakers:  map[string]struct{}{},
	}, Deps{Registry: reg, Transcripts: transcripts.NewMemory(10)}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.CloseSessions(ctx)
	})
	return s, opener
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestServer_OperationalRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	for path, want := range map[string]string{
		"/healthz":             "ok",
		"/readyz":              `"ok":true`,
		"/metrics":             "meetbridge_sessions_active",
		"/v1/tools":            `"providers":[]`,
		"/v1/bots/bot-1/turns": `"turns":[]`,
	} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), want) {
			t.Fatalf("%s body=%q, want %q", path, rr.Body.String(), want)
		}
	}
}

func TestServer_DrainingFlipsReadiness(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetDraining()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
}

func TestServer_BridgeThroughMiddleware(t *testing.T) {
	s, opener := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/bridge", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]any{"type": "ready", "bot_id": "bot-9"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["message"] != "Control channel bound to bot-9" {
		t.Fatalf("ack=%v", ack)
	}
	if opener.Opens() != 1 {
		t.Fatalf("opens=%d, want 1", opener.Opens())
	}

	if n := s.NotifyDraining(); n != 1 {
		t.Fatalf("notified=%d, want 1", n)
	}
	var notice map[string]any
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if notice["message"] != drainingNotice {
		t.Fatalf("notice=%v", notice)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if s.WaitConnections(ctx) {
		t.Fatalf("expected open socket to outlive the wait")
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if !s.Tracker().Wait(waitCtx) {
		t.Fatalf("socket still tracked after forced close")
	}
}
