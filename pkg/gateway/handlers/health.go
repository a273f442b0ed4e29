package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/meetbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 once shutdown has started so load balancers stop
// routing new meetings here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
	Tracker   *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool           `json:"ok"`
		Draining    bool           `json:"draining"`
		Sessions    int            `json:"sessions"`
		Connections map[string]int `json:"connections"`
		UptimeS     int64          `json:"uptime_s"`
	}

	resp := readyResp{
		Draining:    h.Lifecycle.IsDraining(),
		Connections: h.Tracker.CountByChannel(),
		UptimeS:     int64(h.Lifecycle.Uptime().Seconds()),
	}
	if h.Registry != nil {
		resp.Sessions = h.Registry.Count()
	}
	resp.OK = !resp.Draining

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
