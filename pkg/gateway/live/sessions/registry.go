// Package sessions owns the per-bot engine sessions and the sockets bound to
// them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/meetbridge/pkg/core/engine"
	"github.com/vango-go/meetbridge/pkg/gateway/live/pump"
)

// ErrClosed is returned by Ensure after CloseAll.
var ErrClosed = errors.New("sessions: registry closed")

// ToolConnector is satisfied by *tools.Registry.
type ToolConnector interface {
	ConnectAll(ctx context.Context)
}

type Config struct {
	// InputRate is the platform's inbound PCM rate.
	InputRate int
	// OutputRate is the platform's playback rate.
	OutputRate int
}

type Deps struct {
	Opener   engine.Opener
	Agent    engine.Agent
	Tools    ToolConnector
	Observer pump.Observer
	Recorder pump.TurnRecorder
	Logger   *slog.Logger
}

// BotSession is the live engine session of one bot.
type BotSession struct {
	BotID     string
	Session   engine.Session
	Caps      engine.Capabilities
	CreatedAt time.Time

	pump   *pump.Pump
	cancel context.CancelFunc
	done   chan struct{}
	live   atomic.Bool
}

// Live reports whether the session's pump is still running.
func (s *BotSession) Live() bool { return s != nil && s.live.Load() }

// LastFlushed returns the last text turn sent to the meeting.
func (s *BotSession) LastFlushed() string { return s.pump.LastFlushed() }

// Done is closed when the pump exits.
func (s *BotSession) Done() <-chan struct{} { return s.done }

// Registry maps bot ids to engine sessions. Creation and teardown for one bot
// are serialized by that bot's lock; lookups only take mu.
type Registry struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	pumps      sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu       sync.Mutex
	sessions map[string]*BotSession

	bindings
}

var _ pump.Sink = (*Registry)(nil)

func New(cfg Config, deps Deps) *Registry {
	if cfg.InputRate <= 0 {
		cfg.InputRate = 48000
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = 48000
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		deps:       deps,
		log:        logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		locks:      make(map[string]*sync.Mutex),
		sessions:   make(map[string]*BotSession),
		bindings:   newBindings(),
	}
}

func (r *Registry) lockFor(botID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[botID] = l
	}
	return l
}

// Get returns the stored session for botID, live or not. A Get racing the
// first Ensure for the same id may report absent.
func (r *Registry) Get(botID string) (*BotSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[botID]
	return s, ok
}

// Count returns the number of stored sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Ensure returns the live session for botID, opening one if needed.
func (r *Registry) Ensure(ctx context.Context, botID string) (*BotSession, error) {
	if s, ok := r.Get(botID); ok && s.Live() {
		return s, nil
	}

	l := r.lockFor(botID)
	l.Lock()
	defer l.Unlock()

	if r.closed.Load() {
		return nil, ErrClosed
	}
	if s, ok := r.Get(botID); ok {
		if s.Live() {
			return s, nil
		}
		r.log.Info("replacing ended session", "bot_id", botID)
		r.teardown(s)
	}

	if r.deps.Tools != nil {
		r.deps.Tools.ConnectAll(ctx)
	}
	es, err := r.deps.Opener.Open(ctx, r.deps.Agent)
	if err != nil {
		return nil, fmt.Errorf("open engine session for %s: %w", botID, err)
	}

	s := r.start(botID, es)
	r.mu.Lock()
	r.sessions[botID] = s
	r.mu.Unlock()
	r.log.Info("engine session opened", "bot_id", botID, "interrupt", s.Caps.Interrupt, "text", s.Caps.Text)
	return s, nil
}

func (r *Registry) start(botID string, es engine.Session) *BotSession {
	opts := []pump.Option{pump.WithLogger(r.log)}
	if r.deps.Observer != nil {
		opts = append(opts, pump.WithObserver(r.deps.Observer))
	}
	if r.deps.Recorder != nil {
		opts = append(opts, pump.WithRecorder(r.deps.Recorder))
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	s := &BotSession{
		BotID:     botID,
		Session:   es,
		Caps:      es.Capabilities(),
		CreatedAt: time.Now().UTC(),
		pump:      pump.New(botID, es, r, pump.Config{OutputRate: r.cfg.OutputRate}, opts...),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.live.Store(true)

	r.pumps.Add(1)
	go func() {
		defer r.pumps.Done()
		defer close(s.done)
		defer s.live.Store(false)
		if err := s.pump.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("event pump stopped", "bot_id", botID, "error", err)
		}
	}()
	return s
}

// teardown closes s and removes it from the map. Callers hold the bot lock.
func (r *Registry) teardown(s *BotSession) {
	s.cancel()
	if err := s.Session.Close(); err != nil {
		r.log.Warn("engine session close failed", "bot_id", s.BotID, "error", err)
	}
	r.mu.Lock()
	if r.sessions[s.BotID] == s {
		delete(r.sessions, s.BotID)
	}
	r.mu.Unlock()
}

// Close tears down botID's session. Attached sockets stay bound, so a session
// recreated for them keeps routing to them. Closing an unknown bot is a no-op.
func (r *Registry) Close(ctx context.Context, botID string) {
	l := r.lockFor(botID)
	l.Lock()
	defer l.Unlock()

	if s, ok := r.Get(botID); ok {
		r.teardown(s)
		r.log.Info("engine session closed", "bot_id", botID)
	}
}

// CloseAll closes every session and waits for their pumps until ctx ends.
// Later Ensure calls fail with ErrClosed.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.closed.Store(true)

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(ctx, id)
	}
	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
