package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/meetbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/metrics"
)

// AudioHandler ingests per-speaker PCM from the platform.
type AudioHandler struct {
	Bridge
}

func (h AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.Close()

	hs, ok := h.readHandshake(ws, sessions.ChannelAudio)
	if !ok {
		return
	}
	botID := hs.BotID
	logger := h.logger().With("bot_id", botID)

	conn, done := h.open(ws, sessions.ChannelAudio, botID, notifyAck)
	defer done()

	ctx := r.Context()
	if _, err := h.Registry.Ensure(ctx, botID); err != nil {
		h.Metrics.SessionOpenFailed()
		logger.Warn("engine session not ready for audio channel", "error", err)
	}
	_ = conn.SendJSON(protocol.NewAck("Audio channel bound to " + botID))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("audio socket read ended", "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			h.Metrics.InboundAudio(metrics.AudioIgnored)
			continue
		}
		chunk, err := protocol.DecodeAudioChunk(data)
		if err != nil {
			h.Metrics.InboundAudio(metrics.AudioIgnored)
			continue
		}
		if h.Config.IsIgnoredSpeaker(chunk.SpeakerName) {
			h.Metrics.InboundAudio(metrics.AudioFiltered)
			continue
		}
		h.Metrics.InboundAudio(ingestOutcome(h.Registry.IngestAudioB64(ctx, botID, chunk.AudioData)))
	}
}

func ingestOutcome(res sessions.IngestResult) string {
	switch res {
	case sessions.IngestForwarded:
		return metrics.AudioForwarded
	case sessions.IngestEmpty:
		return metrics.AudioIgnored
	default:
		return metrics.AudioDropped
	}
}
