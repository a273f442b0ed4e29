package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vango-go/meetbridge/pkg/core/audio"
	"github.com/vango-go/meetbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
)

// UIHandler serves the debug UI: it mirrors a bot's engine events and lets a
// browser talk to the engine directly.
type UIHandler struct {
	Bridge
}

func (h UIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(mux.Vars(r)["session_id"])
	if sessionID == "" {
		http.NotFound(w, r)
		return
	}
	botID := strings.TrimSpace(r.URL.Query().Get("bot_id"))
	if botID == "" {
		botID = sessionID
	}

	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.Close()
	logger := h.logger().With("session_id", sessionID, "bot_id", botID)

	ctx := r.Context()
	if _, err := h.Registry.Ensure(ctx, botID); err != nil {
		h.Metrics.SessionOpenFailed()
		logger.Error("engine session unavailable", "error", err)
		writeClose(ws, websocket.CloseInternalServerErr, "engine session unavailable")
		return
	}

	conn, done := h.open(ws, sessions.ChannelUI, botID, notifyAck)
	defer done()

	h.Registry.AttachUI(sessionID, botID, conn)
	defer h.Registry.DetachUI(sessionID, conn)
	_ = conn.SendJSON(protocol.NewAck("UI bound " + sessionID + " → " + botID))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("ui socket read ended", "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeUIMessage(data)
		if err != nil {
			logger.Debug("ignoring ui frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.UIAudio:
			if len(m.Data) == 0 {
				continue
			}
			if err := h.Registry.SendUIAudio(ctx, botID, audio.Int16sToPCM16(m.Data)); err != nil {
				logger.Error("ui audio forwarding failed; closing", "error", err)
				return
			}
		case protocol.UserMessage:
			if strings.TrimSpace(m.Message) == "" {
				continue
			}
			if err := h.Registry.ForwardText(ctx, botID, m.Message); err != nil {
				logger.Warn("forward ui message", "error", err)
			}
		}
	}
}
