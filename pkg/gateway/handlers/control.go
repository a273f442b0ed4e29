package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/meetbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/live/wsconn"
)

// ControlHandler serves the platform's control channel: text in both
// directions, interrupts in, synthesized audio out.
type ControlHandler struct {
	Bridge
}

func (h ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.Close()

	hs, ok := h.readHandshake(ws, sessions.ChannelControl)
	if !ok {
		return
	}
	botID := hs.BotID
	logger := h.logger().With("bot_id", botID)

	conn, done := h.open(ws, sessions.ChannelControl, botID, func(c *wsconn.Conn, msg string) error {
		return c.SendJSON(protocol.NewSendMsg(botID, msg))
	})
	defer done()

	h.Registry.AttachControl(botID, conn)
	defer func() {
		current := h.Registry.DetachControl(botID, conn)
		if current && h.Config.CloseOnControlDisconnect {
			h.Registry.Close(context.Background(), botID)
		}
	}()

	ctx := r.Context()
	if _, err := h.Registry.Ensure(ctx, botID); err != nil {
		h.Metrics.SessionOpenFailed()
		logger.Error("engine session unavailable", "error", err)
		writeClose(ws, websocket.CloseInternalServerErr, "engine session unavailable")
		return
	}
	_ = conn.SendJSON(protocol.NewSendMsg(botID, "Control channel bound to "+botID))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("control socket read ended", "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		cmd, err := protocol.DecodeControlCommand(data)
		if err != nil {
			logger.Debug("ignoring control frame", "error", err)
			continue
		}
		switch c := cmd.(type) {
		case protocol.UserMessage:
			if strings.TrimSpace(c.Message) == "" {
				continue
			}
			if err := h.Registry.ForwardText(ctx, botID, c.Message); err != nil {
				logger.Warn("forward user message", "error", err)
			}
		case protocol.Interrupt:
			if err := h.Registry.Interrupt(ctx, botID); err != nil {
				logger.Warn("interrupt", "error", err)
			}
		}
	}
}
