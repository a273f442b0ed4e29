// Package pump drains one engine session's events and delivers them to the
// sockets bound to its bot.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/meetbridge/pkg/core/audio"
	"github.com/vango-go/meetbridge/pkg/core/engine"
	"github.com/vango-go/meetbridge/pkg/core/transcripts"
	"github.com/vango-go/meetbridge/pkg/gateway/live/protocol"
)

// Sender accepts one outbound JSON frame without blocking.
type Sender interface {
	SendJSON(v any) error
}

// Sink resolves the sockets currently bound to a bot. Either may be nil.
type Sink interface {
	Control(botID string) Sender
	UI(botID string) Sender
}

// Observer receives counters; the zero Pump uses none.
type Observer interface {
	EngineEvent(kind string)
	Outbound(channel, kind string, err error)
}

// TurnRecorder stores flushed text.
type TurnRecorder interface {
	Append(ctx context.Context, turn transcripts.Turn) error
}

const (
	channelControl = "control"
	channelUI      = "ui"
)

// DefaultRecordTimeout bounds one transcript write.
const DefaultRecordTimeout = 2 * time.Second

type Config struct {
	// OutputRate is the platform's playback rate.
	OutputRate int
	// RecordTimeout bounds each transcript append.
	RecordTimeout time.Duration
}

type Option func(*Pump)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithObserver(o Observer) Option { return func(p *Pump) { p.observer = o } }

func WithRecorder(r TurnRecorder) Option { return func(p *Pump) { p.recorder = r } }

// Pump implements engine.Handler for one bot.
type Pump struct {
	botID    string
	session  engine.Session
	sink     Sink
	cfg      Config
	logger   *slog.Logger
	observer Observer
	recorder TurnRecorder

	ctx context.Context
	// buf is only touched by the Run goroutine.
	buf strings.Builder

	mu          sync.Mutex
	lastFlushed string
}

var _ engine.Handler = (*Pump)(nil)

func New(botID string, session engine.Session, sink Sink, cfg Config, opts ...Option) *Pump {
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = 48000
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	p := &Pump{
		botID:   botID,
		session: session,
		sink:    sink,
		cfg:     cfg,
		logger:  slog.Default(),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("bot_id", botID)
	return p
}

// Run consumes events until the stream closes or ctx ends. A nil event on the
// stream is a programming error; Run recovers it only to report it as an
// error so the caller can retire the session.
func (p *Pump) Run(ctx context.Context) (err error) {
	p.ctx = ctx
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("event pump defect", "panic", v)
			err = fmt.Errorf("pump %s: %v", p.botID, v)
		}
	}()

	events := p.session.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				p.logger.Info("engine event stream ended")
				return nil
			}
			if ev != nil && p.observer != nil {
				p.observer.EngineEvent(ev.Kind())
			}
			engine.Dispatch(ev, p)
		}
	}
}

// LastFlushed returns the most recent text turn delivered to the meeting.
func (p *Pump) LastFlushed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFlushed
}

// Pending returns the text accumulated for the current turn. Only safe to call
// from the Run goroutine or after Run returns.
func (p *Pump) Pending() string { return p.buf.String() }

func (p *Pump) TextDelta(e engine.TextDelta) {
	p.buf.WriteString(e.Delta)
}

func (p *Pump) TurnCompleted(engine.TurnCompleted) {
	text := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if text == "" {
		return
	}
	p.mu.Lock()
	p.lastFlushed = text
	p.mu.Unlock()
	p.sendControl(engine.KindTurnCompleted, protocol.NewSendMsg(p.botID, text))
	p.record(transcripts.RoleAssistant, text)
}

func (p *Pump) TurnFailed(e engine.TurnFailed) {
	if p.buf.Len() > 0 {
		p.logger.Debug("discarding partial turn", "reason", e.Reason, "canceled", e.Canceled, "chars", p.buf.Len())
	}
	p.buf.Reset()
}

func (p *Pump) Audio(e engine.Audio) {
	src := e.SampleRate
	if src <= 0 {
		src = audio.EngineSampleRate
	}
	pcm := audio.Resample(e.PCM, src, p.cfg.OutputRate)
	p.sendControl(engine.KindAudio, protocol.NewSendAudio(p.botID, pcm, p.cfg.OutputRate))
	p.mirror(e)
}

func (p *Pump) AudioInterrupted(e engine.AudioInterrupted) {
	p.sendControl(engine.KindAudioInterrupted, protocol.NewAudioInterrupted(p.botID))
	p.mirror(e)
}

func (p *Pump) ToolEnd(e engine.ToolEnd) {
	text := FormatToolOutput(e.Tool, e.Output)
	p.sendControl(engine.KindToolEnd, protocol.NewSendMsg(p.botID, text))
	if text != "" {
		p.record(transcripts.RoleTool, text)
	}
	p.mirror(e)
}

func (p *Pump) AudioEnd(e engine.AudioEnd)                   { p.mirror(e) }
func (p *Pump) ToolStart(e engine.ToolStart)                 { p.mirror(e) }
func (p *Pump) AgentStart(e engine.AgentStart)               { p.mirror(e) }
func (p *Pump) AgentEnd(e engine.AgentEnd)                   { p.mirror(e) }
func (p *Pump) Handoff(e engine.Handoff)                     { p.mirror(e) }
func (p *Pump) GuardrailTripped(e engine.GuardrailTripped)   { p.mirror(e) }
func (p *Pump) HistoryUpdated(e engine.HistoryUpdated)       { p.mirror(e) }
func (p *Pump) HistoryAdded(e engine.HistoryAdded)           { p.mirror(e) }
func (p *Pump) InputAudioTimeout(e engine.InputAudioTimeout) { p.mirror(e) }

func (p *Pump) Error(e engine.Error) {
	p.logger.Warn("engine error event", "error", e.Err)
	p.mirror(e)
}

func (p *Pump) sendControl(kind string, msg any) {
	if p.sink == nil {
		return
	}
	c := p.sink.Control(p.botID)
	if c == nil {
		return
	}
	err := c.SendJSON(msg)
	if err != nil {
		p.logger.Warn("control send failed", "kind", kind, "error", err)
	}
	if p.observer != nil {
		p.observer.Outbound(channelControl, kind, err)
	}
}

func (p *Pump) mirror(ev engine.Event) {
	if p.sink == nil {
		return
	}
	ui := p.sink.UI(p.botID)
	if ui == nil {
		return
	}
	err := ui.SendJSON(engine.RecordOf(ev))
	if err != nil {
		p.logger.Debug("ui mirror failed", "kind", ev.Kind(), "error", err)
	}
	if p.observer != nil {
		p.observer.Outbound(channelUI, ev.Kind(), err)
	}
}

func (p *Pump) record(role, text string) {
	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.RecordTimeout)
	defer cancel()
	if err := p.recorder.Append(ctx, transcripts.Turn{BotID: p.botID, Role: role, Text: text}); err != nil {
		p.logger.Warn("transcript append failed", "error", err)
	}
}
