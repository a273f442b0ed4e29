package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vango-go/meetbridge/pkg/gateway/config"
	"github.com/vango-go/meetbridge/pkg/gateway/handlers"
	"github.com/vango-go/meetbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/meetbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/meetbridge/pkg/gateway/metrics"
	"github.com/vango-go/meetbridge/pkg/gateway/mw"
)

const drainingNotice = "Bridge is shutting down"

type Deps struct {
	Registry    *sessions.Registry
	Tools       handlers.ToolLister
	Transcripts handlers.TurnLister
	Metrics     *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router *mux.Router

	registry  *sessions.Registry
	tracker   *sessions.Tracker
	metrics   *metrics.Metrics
	tools     handlers.ToolLister
	turns     handlers.TurnLister
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New("", deps.Registry.Count)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    mux.NewRouter(),
		registry:  deps.Registry,
		tracker:   sessions.NewTracker(),
		metrics:   m,
		tools:     deps.Tools,
		turns:     deps.Transcripts,
		lifecycle: lifecycle.New(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	bridge := handlers.Bridge{
		Config:    s.cfg,
		Registry:  s.registry,
		Tracker:   s.tracker,
		Metrics:   s.metrics,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	}

	s.router.Handle("/healthz", handlers.HealthHandler{}).Methods(http.MethodGet)
	s.router.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
		Tracker:   s.tracker,
	}).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.Handle("/v1/tools", handlers.ToolsHandler{Tools: s.tools}).Methods(http.MethodGet)
	s.router.Handle("/v1/bots/{bot_id}/turns", handlers.TurnsHandler{Transcripts: s.turns}).Methods(http.MethodGet)

	s.router.Handle("/bridge", handlers.ControlHandler{Bridge: bridge})
	s.router.Handle("/bridge/audio", handlers.AudioHandler{Bridge: bridge})
	s.router.Handle("/ws/{session_id}", handlers.UIHandler{Bridge: bridge})

	s.router.NotFoundHandler = handlers.NotFoundHandler{}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips /readyz to 503 and refuses new sockets.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// NotifyDraining tells every open socket the bridge is going away.
func (s *Server) NotifyDraining() int {
	return s.tracker.NotifyAll(drainingNotice)
}

// CloseSessions tears down every engine session.
func (s *Server) CloseSessions(ctx context.Context) error {
	return s.registry.CloseAll(ctx)
}

// WaitConnections waits for open sockets to finish, closing them if ctx ends
// first.
func (s *Server) WaitConnections(ctx context.Context) bool {
	if s.tracker.Wait(ctx) {
		return true
	}
	n := s.tracker.CloseAll()
	s.logger.Warn("closed lingering sockets", "count", n)
	return false
}

func (s *Server) Tracker() *sessions.Tracker { return s.tracker }
