package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/meetbridge/pkg/gateway/config"
	"github.com/vango-go/meetbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/meetbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/live/wsconn"
	"github.com/vango-go/meetbridge/pkg/gateway/metrics"
	"github.com/vango-go/meetbridge/pkg/gateway/mw"
)

// Bridge carries what the socket handlers share.
type Bridge struct {
	Config    config.Config
	Registry  *sessions.Registry
	Tracker   *sessions.Tracker
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (b Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// upgrade refuses new sockets while draining and applies the read limit.
func (b Bridge) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, &mw.Error{Type: "invalid_request", Message: "method not allowed", RequestID: reqID})
		return nil, false
	}
	if b.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &mw.Error{Type: "draining", Message: "bridge is draining", RequestID: reqID})
		return nil, false
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger().Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return nil, false
	}
	if b.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(b.Config.MaxMessageBytes)
	}
	return ws, true
}

// readHandshake reads the ready frame under the handshake timeout. On failure
// the socket is closed with a policy violation.
func (b Bridge) readHandshake(ws *websocket.Conn, channel string) (protocol.Handshake, bool) {
	timeout := b.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	messageType, frame, err := ws.ReadMessage()
	if err != nil {
		b.rejectHandshake(ws, channel, "failed to read ready frame", err)
		return protocol.Handshake{}, false
	}
	if messageType != websocket.TextMessage {
		b.rejectHandshake(ws, channel, "first frame must be ready", nil)
		return protocol.Handshake{}, false
	}
	hs, err := protocol.DecodeHandshake(frame)
	if err != nil {
		b.rejectHandshake(ws, channel, err.Error(), err)
		return protocol.Handshake{}, false
	}
	_ = ws.SetReadDeadline(time.Time{})
	return hs, true
}

func (b Bridge) rejectHandshake(ws *websocket.Conn, channel, reason string, err error) {
	b.Metrics.HandshakeFailed(channel)
	b.logger().Warn("handshake rejected", "channel", channel, "reason", reason, "error", err)
	writeClose(ws, websocket.ClosePolicyViolation, reason)
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
}

// open wraps ws in a queued writer and tracks it until the returned func runs.
// notify frames a shutdown notice for this channel.
func (b Bridge) open(ws *websocket.Conn, channel, botID string, notify func(c *wsconn.Conn, msg string) error) (*wsconn.Conn, func()) {
	logger := b.logger().With("channel", channel, "bot_id", botID)
	var opts []wsconn.Option
	if hook := b.Metrics.DropHook(channel); hook != nil {
		opts = append(opts, wsconn.WithDropHook(hook))
	}
	conn := wsconn.New(ws, wsconn.Config{
		WriteTimeout: b.Config.WSWriteTimeout,
		PingInterval: b.Config.WSPingInterval,
		QueueSize:    b.Config.OutboundQueue,
	}, logger, opts...)

	h := sessions.Handle{Channel: channel, BotID: botID, Close: conn.Close}
	if notify != nil {
		h.Notify = func(msg string) error { return notify(conn, msg) }
	}
	unregister := b.Tracker.Register(conn.ID(), h)
	connClosed := b.Metrics.ConnOpened(channel)
	logger.Info("socket bound", "conn_id", conn.ID())

	return conn, func() {
		conn.Close()
		unregister()
		connClosed()
		logger.Info("socket closed", "conn_id", conn.ID())
	}
}

func notifyAck(c *wsconn.Conn, msg string) error {
	return c.SendJSON(protocol.NewAck(msg))
}
