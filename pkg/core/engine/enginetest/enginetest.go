// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/meetbridge/pkg/core/engine"
)

// Opener records every Open call and hands out scripted sessions.
type Opener struct {
	// Caps is copied into every opened session.
	Caps engine.Capabilities
	// OpenDelay widens the window in which concurrent callers can race.
	OpenDelay time.Duration
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu       sync.Mutex
	sessions []*Session
	agents   []engine.Agent
}

func NewOpener() *Opener {
	return &Opener{Caps: engine.Capabilities{Interrupt: true, Text: true}}
}

func (o *Opener) Open(ctx context.Context, agent engine.Agent) (engine.Session, error) {
	if o.OpenDelay > 0 {
		select {
		case <-time.After(o.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents = append(o.agents, agent)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	s := NewSession(o.Caps)
	o.sessions = append(o.sessions, s)
	return s, nil
}

// Opens reports how many sessions were opened.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Session returns the i-th opened session.
func (o *Opener) Session(i int) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.sessions) {
		return nil
	}
	return o.sessions[i]
}

// Last returns the most recently opened session.
func (o *Opener) Last() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sessions) == 0 {
		return nil
	}
	return o.sessions[len(o.sessions)-1]
}

// Agents returns the descriptors passed to Open.
func (o *Opener) Agents() []engine.Agent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]engine.Agent(nil), o.agents...)
}

// Session is a scripted engine session. Tests push events with Emit and
// inspect what the bridge sent.
type Session struct {
	caps   engine.Capabilities
	events chan engine.Event

	mu         sync.Mutex
	audio      [][]byte
	texts      []string
	interrupts int
	closed     bool
	ended      bool

	// SendAudioErr, when set, fails SendAudio.
	SendAudioErr error
}

func NewSession(caps engine.Capabilities) *Session {
	return &Session{caps: caps, events: make(chan engine.Event, 256)}
}

func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return nil
}

func (s *Session) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrSessionClosed
	}
	if !s.caps.Text {
		return &engine.UnsupportedError{Capability: "text"}
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caps.Interrupt {
		return &engine.UnsupportedError{Capability: "interrupt"}
	}
	s.interrupts++
	return nil
}

func (s *Session) Events() <-chan engine.Event { return s.events }

func (s *Session) Capabilities() engine.Capabilities { return s.caps }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.endLocked()
	return nil
}

// Emit queues ev on the event stream. Emitting after End is a no-op.
func (s *Session) Emit(ev ...engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	for _, e := range ev {
		s.events <- e
	}
}

// End closes the event stream without closing the session.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
