package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/meetbridge/pkg/core/tools"
)

// ToolLister is satisfied by *tools.Registry.
type ToolLister interface {
	Providers() []tools.ProviderStatus
}

// ToolsHandler lists the connected tool providers and their tools.
type ToolsHandler struct {
	Tools ToolLister
}

func (h ToolsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	providers := []tools.ProviderStatus{}
	if h.Tools != nil {
		if p := h.Tools.Providers(); p != nil {
			providers = p
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"providers": providers})
}
