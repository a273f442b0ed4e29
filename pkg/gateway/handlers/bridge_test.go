package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/meetbridge/pkg/core/engine"
	"github.com/vango-go/meetbridge/pkg/core/engine/enginetest"
	"github.com/vango-go/meetbridge/pkg/gateway/config"
	"github.com/vango-go/meetbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/metrics"
)

type bridgeHarness struct {
	server    *httptest.Server
	opener    *enginetest.Opener
	registry  *sessions.Registry
	tracker   *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
	wsBase    string
}

type bridgeTestOptions struct {
	handshakeTimeout   time.Duration
	keepOnControlClose bool
}

func newBridgeTestServer(t *testing.T, opts bridgeTestOptions) *bridgeHarness {
	t.Helper()
	if opts.handshakeTimeout <= 0 {
		opts.handshakeTimeout = 2 * time.Second
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opener := enginetest.NewOpener()
	registry := sessions.New(sessions.Config{InputRate: 48000, OutputRate: 48000}, sessions.Deps{
		Opener: opener,
		Agent:  engine.Agent{Name: "Assistant"},
		Logger: logger,
	})
	tracker := sessions.NewTracker()
	lc := lifecycle.New()
	m := metrics.New("test", registry.Count)

	b := Bridge{
		Config: config.Config{
			IgnoredSpeakers:          map[string]struct{}{"Meetstream Agent": {}},
			HandshakeTimeout:         opts.handshakeTimeout,
			WSWriteTimeout:           2 * time.Second,
			WSPingInterval:           5 * time.Second,
			OutboundQueue:            64,
			MaxMessageBytes:          1 << 20,
			CloseOnControlDisconnect: !opts.keepOnControlClose,
		},
		Registry:  registry,
		Tracker:   tracker,
		Metrics:   m,
		Lifecycle: lc,
		Logger:    logger,
	}

	r := mux.NewRouter()
	r.Handle("/bridge", ControlHandler{Bridge: b})
	r.Handle("/bridge/audio", AudioHandler{Bridge: b})
	r.Handle("/ws/{session_id}", UIHandler{Bridge: b})

	srv := httptest.NewServer(r)
	h := &bridgeHarness{
		server:    srv,
		opener:    opener,
		registry:  registry,
		tracker:   tracker,
		lifecycle: lc,
		metrics:   m,
		wsBase:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = registry.CloseAll(ctx)
	})
	return h
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	out, err := readJSON(conn, timeout)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return out
}

func readJSON(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read error=%v, want close code %d", err, code)
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialControl(t *testing.T, h *bridgeHarness, botID string) *websocket.Conn {
	t.Helper()
	conn := mustDialWS(t, h.wsBase+"/bridge")
	mustWriteJSON(t, conn, map[string]any{"type": "ready", "bot_id": botID})
	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["command"] != "sendmsg" || ack["message"] != "Control channel bound to "+botID || ack["bot_id"] != botID {
		t.Fatalf("control ack=%v", ack)
	}
	return conn
}

func TestControlHandshakeRejectsBadFirstFrame(t *testing.T) {
	cases := map[string]any{
		"wrong type":     map[string]any{"type": "hello", "bot_id": "bot-1"},
		"missing bot id": map[string]any{"type": "ready"},
		"empty bot id":   map[string]any{"type": "ready", "bot_id": "  "},
		"numeric bot id": map[string]any{"type": "ready", "bot_id": 42},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			h := newBridgeTestServer(t, bridgeTestOptions{})
			conn := mustDialWS(t, h.wsBase+"/bridge")
			mustWriteJSON(t, conn, frame)
			expectClose(t, conn, websocket.ClosePolicyViolation)
			if h.opener.Opens() != 0 {
				t.Fatalf("opens=%d, want 0", h.opener.Opens())
			}
			if h.registry.ControlConn("bot-1") != nil {
				t.Fatalf("rejected handshake must not bind")
			}
		})
	}
}

func TestControlHandshakeTimeout(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{handshakeTimeout: 100 * time.Millisecond})
	conn := mustDialWS(t, h.wsBase+"/bridge")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestControlAckAndCommands(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := dialControl(t, h, "bot-1")

	if h.opener.Opens() != 1 {
		t.Fatalf("opens=%d, want 1", h.opener.Opens())
	}
	sess := h.opener.Last()

	mustWriteJSON(t, conn, map[string]any{"command": "usermsg", "message": ""})
	mustWriteJSON(t, conn, map[string]any{"command": "bogus"})
	mustWriteJSON(t, conn, map[string]any{"command": "usermsg", "message": "what time is it?"})
	mustWriteJSON(t, conn, map[string]any{"command": "interrupt"})

	waitFor(t, "interrupt", func() bool { return sess.Interrupts() == 1 })
	texts := sess.Texts()
	if len(texts) != 1 || texts[0] != "what time is it?" {
		t.Fatalf("texts=%v", texts)
	}
}

func TestControlReceivesFlushedTurnsAndAudio(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := dialControl(t, h, "bot-1")
	sess := h.opener.Last()

	sess.Emit(
		engine.TextDelta{Delta: "Hel"},
		engine.TextDelta{Delta: "lo"},
		engine.TurnCompleted{},
		engine.Audio{PCM: make([]byte, 48), SampleRate: 24000},
		engine.AudioInterrupted{},
	)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["command"] != "sendmsg" || msg["message"] != "Hello" {
		t.Fatalf("turn=%v", msg)
	}
	audioMsg := mustReadJSON(t, conn, 2*time.Second)
	if audioMsg["command"] != "sendaudio" || audioMsg["sample_rate"] != float64(48000) || audioMsg["encoding"] != "pcm16" {
		t.Fatalf("audio=%v", audioMsg)
	}
	pcm, err := base64.StdEncoding.DecodeString(audioMsg["audiochunk"].(string))
	if err != nil || len(pcm) != 96 {
		t.Fatalf("audiochunk len=%d err=%v, want 96", len(pcm), err)
	}
	stop := mustReadJSON(t, conn, 2*time.Second)
	if stop["command"] != "sendaudio" || stop["audiochunk"] != "" {
		t.Fatalf("interrupt=%v", stop)
	}
	if _, ok := stop["sample_rate"]; ok {
		t.Fatalf("interrupt frame must not carry format fields: %v", stop)
	}
}

func TestControlDisconnectClosesSession(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := dialControl(t, h, "bot-1")
	sess := h.opener.Last()

	_ = conn.Close()
	waitFor(t, "session close", sess.Closed)
	if _, ok := h.registry.Get("bot-1"); ok {
		t.Fatalf("session still registered")
	}
	waitFor(t, "tracker drain", func() bool { return h.tracker.Count() == 0 })
}

func TestControlDisconnectKeepsSessionWhenConfigured(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{keepOnControlClose: true})
	conn := dialControl(t, h, "bot-1")
	sess := h.opener.Last()

	_ = conn.Close()
	waitFor(t, "unbind", func() bool { return h.registry.ControlConn("bot-1") == nil })
	if sess.Closed() {
		t.Fatalf("session closed despite keep policy")
	}
}

func TestStaleControlDisconnectKeepsCurrentBinding(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	first := dialControl(t, h, "bot-1")
	second := dialControl(t, h, "bot-1")
	if h.opener.Opens() != 1 {
		t.Fatalf("opens=%d, want 1", h.opener.Opens())
	}
	sess := h.opener.Last()

	_ = first.Close()
	waitFor(t, "first socket untracked", func() bool { return h.tracker.Count() == 1 })
	if sess.Closed() {
		t.Fatalf("stale socket closed the session")
	}

	sess.Emit(engine.TextDelta{Delta: "still here"}, engine.TurnCompleted{})
	msg := mustReadJSON(t, second, 2*time.Second)
	if msg["message"] != "still here" {
		t.Fatalf("msg=%v", msg)
	}
}

func TestAudioChannelFiltersAndForwards(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := mustDialWS(t, h.wsBase+"/bridge/audio")
	mustWriteJSON(t, conn, map[string]any{"type": "ready", "bot_id": "bot-1"})
	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "ack" || ack["message"] != "Audio channel bound to bot-1" {
		t.Fatalf("ack=%v", ack)
	}
	sess := h.opener.Last()

	chunk := base64.StdEncoding.EncodeToString(make([]byte, 960))
	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk", "speakerName": "Meetstream Agent", "audioData": chunk})
	mustWriteJSON(t, conn, map[string]any{"type": "Transcript", "speakerName": "Alice", "audioData": chunk})
	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk", "speakerName": "Alice", "audioData": chunk})

	waitFor(t, "forwarded audio", func() bool { return len(sess.Audio()) == 1 })
	if got := len(sess.Audio()[0]); got != 480 {
		t.Fatalf("forwarded %d bytes, want 480 after 48k->24k", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sess.Audio()); n != 1 {
		t.Fatalf("forwarded chunks=%d, want 1", n)
	}
}

func TestAudioChannelCountsOutcomes(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := mustDialWS(t, h.wsBase+"/bridge/audio")
	mustWriteJSON(t, conn, map[string]any{"type": "ready", "bot_id": "bot-1"})
	mustReadJSON(t, conn, 2*time.Second)
	sess := h.opener.Last()

	counter := func(result string) float64 {
		return testutil.ToFloat64(h.metrics.InboundAudioTotal.WithLabelValues(result))
	}

	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk", "speakerName": "Alice", "audioData": "!!not base64!!"})
	waitFor(t, "dropped chunk", func() bool { return counter(metrics.AudioDropped) == 1 })

	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk", "speakerName": "Alice", "audioData": ""})
	waitFor(t, "empty chunk", func() bool { return counter(metrics.AudioIgnored) == 1 })

	chunk := base64.StdEncoding.EncodeToString(make([]byte, 960))
	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk", "speakerName": "Alice", "audioData": chunk})
	waitFor(t, "forwarded chunk", func() bool { return counter(metrics.AudioForwarded) == 1 })

	if n := len(sess.Audio()); n != 1 {
		t.Fatalf("engine received %d chunks, want 1", n)
	}
	if got := counter(metrics.AudioDropped); got != 1 {
		t.Fatalf("dropped=%v, want 1", got)
	}
}

func TestAudioHandshakeRejected(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := mustDialWS(t, h.wsBase+"/bridge/audio")
	mustWriteJSON(t, conn, map[string]any{"type": "PCMChunk"})
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestUIMirrorsEventsAndForwardsAudio(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := mustDialWS(t, h.wsBase+"/ws/sid-1?bot_id=bot-1")
	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "ack" || ack["message"] != "UI bound sid-1 → bot-1" {
		t.Fatalf("ack=%v", ack)
	}
	sess := h.opener.Last()

	sess.Emit(engine.AgentStart{Agent: "Assistant"}, engine.TextDelta{Delta: "x"})
	rec := mustReadJSON(t, conn, 2*time.Second)
	if rec["type"] != "agent_start" || rec["agent"] != "Assistant" {
		t.Fatalf("mirror=%v", rec)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "audio", "data": []int{1, -1, 40000}})
	waitFor(t, "ui audio", func() bool { return len(sess.Audio()) == 1 })
	if got := sess.Audio()[0]; len(got) != 6 || got[4] != 0xff || got[5] != 0x7f {
		t.Fatalf("ui pcm=%v", got)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "usermsg", "message": "hi from ui"})
	waitFor(t, "ui text", func() bool { return len(sess.Texts()) == 1 })
}

func TestUIDefaultsBotToSessionID(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	conn := mustDialWS(t, h.wsBase+"/ws/room-7")
	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["message"] != "UI bound room-7 → room-7" {
		t.Fatalf("ack=%v", ack)
	}
	if h.registry.UIConnForBot("room-7") == nil {
		t.Fatalf("expected UI binding for room-7")
	}

	_ = conn.Close()
	waitFor(t, "ui unbind", func() bool { return h.registry.UIConnForBot("room-7") == nil })
}

func TestDrainingRefusesNewSockets(t *testing.T) {
	h := newBridgeTestServer(t, bridgeTestOptions{})
	h.lifecycle.SetDraining(true)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsBase+"/bridge", nil)
	if err == nil {
		t.Fatalf("expected dial failure while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}
