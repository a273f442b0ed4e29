package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vango-go/meetbridge/pkg/core/transcripts"
	"github.com/vango-go/meetbridge/pkg/gateway/mw"
)

const (
	defaultTurnLimit = 100
	maxTurnLimit     = 1000
)

// TurnLister is satisfied by every transcripts.Store.
type TurnLister interface {
	List(ctx context.Context, botID string, limit int) ([]transcripts.Turn, error)
}

// TurnsHandler returns a bot's most recent flushed turns, oldest first.
type TurnsHandler struct {
	Transcripts TurnLister
}

func (h TurnsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	botID := mux.Vars(r)["bot_id"]

	limit := defaultTurnLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			mw.WriteJSONError(w, http.StatusBadRequest, &mw.Error{
				Type:      "invalid_request",
				Message:   "limit must be a positive integer",
				RequestID: reqID,
			})
			return
		}
		limit = min(n, maxTurnLimit)
	}

	if h.Transcripts == nil {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &mw.Error{
			Type:      "unavailable",
			Message:   "transcripts are not recorded",
			RequestID: reqID,
		})
		return
	}

	turns, err := h.Transcripts.List(r.Context(), botID, limit)
	if err != nil {
		mw.WriteJSONError(w, http.StatusInternalServerError, &mw.Error{
			Type:      "internal_error",
			Message:   "could not read transcripts",
			RequestID: reqID,
		})
		return
	}
	if turns == nil {
		turns = []transcripts.Turn{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"bot_id": botID, "turns": turns})
}
