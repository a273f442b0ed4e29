// Package gemini adapts the Gemini Live API to engine.Session.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/meetbridge/pkg/core/audio"
	"github.com/vango-go/meetbridge/pkg/core/engine"
)

const DefaultModel = "gemini-live-2.5-flash-preview"

var inputMIMEType = "audio/pcm;rate=" + strconv.Itoa(audio.EngineSampleRate)

type Config struct {
	APIKey string
	Model  string
	Voice  string
	// EventBuffer sizes the per-session event channel.
	EventBuffer int
}

// liveConn is the subset of *genai.Session the adapter uses.
type liveConn interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)

// Opener opens Gemini Live sessions.
type Opener struct {
	cfg     Config
	logger  *slog.Logger
	connect connectFunc
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Opener, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newOpener(cfg, logger, func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveConn, error) {
		return client.Live.Connect(ctx, model, lc)
	}), nil
}

func newOpener(cfg Config, logger *slog.Logger, connect connectFunc) *Opener {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Opener{cfg: cfg, logger: logger, connect: connect}
}

func (o *Opener) Open(ctx context.Context, agent engine.Agent) (engine.Session, error) {
	lc, err := o.connectConfig(ctx, agent)
	if err != nil {
		return nil, err
	}
	conn, err := o.connect(ctx, o.cfg.Model, lc)
	if err != nil {
		return nil, fmt.Errorf("gemini: connect %s: %w", o.cfg.Model, err)
	}
	return startSession(conn, agent, o.cfg.EventBuffer, o.logger.With("agent", agent.Name)), nil
}

func (o *Opener) connectConfig(ctx context.Context, agent engine.Agent) (*genai.LiveConnectConfig, error) {
	instructions := agent.Instructions
	if instructions == "" {
		instructions = engine.DefaultInstructions
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		SystemInstruction:        genai.NewContentFromText(instructions, genai.RoleUser),
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if o.cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: o.cfg.Voice},
			},
		}
	}
	if agent.Tools == nil {
		return lc, nil
	}
	decls, err := agent.Tools.Declarations(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: list tools: %w", err)
	}
	if len(decls) > 0 {
		fns := make([]*genai.FunctionDeclaration, 0, len(decls))
		for _, d := range decls {
			fns = append(fns, &genai.FunctionDeclaration{
				Name:                 d.Name,
				Description:          d.Description,
				ParametersJsonSchema: d.Parameters,
			})
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: fns}}
	}
	return lc, nil
}

type session struct {
	conn   liveConn
	agent  engine.Agent
	logger *slog.Logger

	events chan engine.Event
	ctx    context.Context
	cancel context.CancelFunc

	// genai writes straight to its websocket, which allows one writer.
	sendMu sync.Mutex

	callsMu sync.Mutex
	calls   map[string]context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func startSession(conn liveConn, agent engine.Agent, buffer int, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		agent:  agent,
		logger: logger,
		events: make(chan engine.Event, buffer),
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]context.CancelFunc),
	}
	s.wg.Add(1)
	go s.receiveLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
	}()
	return s
}

func (s *session) Capabilities() engine.Capabilities {
	return engine.Capabilities{Interrupt: false, Text: true}
}

func (s *session) Events() <-chan engine.Event { return s.events }

func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.send(func() error {
		return s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: pcm, MIMEType: inputMIMEType},
		})
	})
}

func (s *session) SendText(ctx context.Context, text string) error {
	return s.send(func() error {
		return s.conn.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

// Interrupt is not offered by the Live API; the server interrupts on detected
// speech by itself.
func (s *session) Interrupt(ctx context.Context) error {
	return &engine.UnsupportedError{Capability: "interrupt"}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.callsMu.Lock()
		for _, cancel := range s.calls {
			cancel()
		}
		s.callsMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *session) send(fn func() error) error {
	if s.ctx.Err() != nil {
		return engine.ErrSessionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return fn()
}

func (s *session) emit(ev engine.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(engine.Error{Err: fmt.Errorf("gemini: receive: %w", err)})
			}
			return
		}
		if !s.handleMessage(msg) {
			return
		}
	}
}

// handleMessage translates one server message. It reports false once the
// session is shutting down.
func (s *session) handleMessage(msg *genai.LiveServerMessage) bool {
	if msg == nil {
		return true
	}
	var out []engine.Event
	if msg.SetupComplete != nil {
		out = append(out, engine.AgentStart{Agent: s.agent.Name})
	}
	if sc := msg.ServerContent; sc != nil {
		out = append(out, contentEvents(sc)...)
	}
	if msg.ToolCallCancellation != nil {
		s.cancelCalls(msg.ToolCallCancellation.IDs)
	}
	if msg.GoAway != nil {
		out = append(out, engine.Error{Err: fmt.Errorf("gemini: server closing session in %s", msg.GoAway.TimeLeft)})
	}
	for _, ev := range out {
		if !s.emit(ev) {
			return false
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			if !s.emit(engine.ToolStart{Agent: s.agent.Name, Tool: fc.Name, Args: fc.Args}) {
				return false
			}
			s.startCall(fc)
		}
	}
	return true
}

func contentEvents(sc *genai.LiveServerContent) []engine.Event {
	var out []engine.Event
	if sc.Interrupted {
		out = append(out, engine.AudioInterrupted{}, engine.TurnFailed{Reason: "interrupted", Canceled: true})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, engine.HistoryAdded{Item: map[string]any{
			"role": "user",
			"text": sc.InputTranscription.Text,
		}})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if blob := part.InlineData; blob != nil && strings.HasPrefix(blob.MIMEType, "audio/") && len(blob.Data) > 0 {
				out = append(out, engine.Audio{PCM: blob.Data, SampleRate: rateFromMIME(blob.MIMEType)})
			}
			if part.Text != "" && !part.Thought {
				out = append(out, engine.TextDelta{Delta: part.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, engine.TextDelta{Delta: sc.OutputTranscription.Text})
	}
	if sc.GenerationComplete {
		out = append(out, engine.AudioEnd{})
	}
	if sc.TurnComplete {
		out = append(out, engine.TurnCompleted{})
	}
	return out
}

// rateFromMIME parses "audio/pcm;rate=24000". Missing rates default to the
// engine rate.
func rateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.ToLower(k) != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return audio.EngineSampleRate
}

func (s *session) startCall(fc *genai.FunctionCall) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.callsMu.Lock()
	s.calls[fc.ID] = cancel
	s.callsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.callsMu.Lock()
			delete(s.calls, fc.ID)
			s.callsMu.Unlock()
			cancel()
		}()
		s.runCall(ctx, fc)
	}()
}

func (s *session) runCall(ctx context.Context, fc *genai.FunctionCall) {
	var (
		output any
		err    error
	)
	if s.agent.Tools == nil {
		err = fmt.Errorf("no tools available for %q", fc.Name)
	} else {
		output, err = s.agent.Tools.Call(ctx, fc.Name, fc.Args)
	}
	if ctx.Err() != nil && s.ctx.Err() != nil {
		return
	}
	if ctx.Err() != nil {
		s.logger.Info("tool call cancelled", "tool", fc.Name, "call_id", fc.ID)
		return
	}

	response := map[string]any{"output": output}
	if err != nil {
		s.logger.Warn("tool call failed", "tool", fc.Name, "call_id", fc.ID, "error", err)
		response = map[string]any{"error": err.Error()}
		output = err
	}
	if !s.emit(engine.ToolEnd{Agent: s.agent.Name, Tool: fc.Name, Output: output}) {
		return
	}
	sendErr := s.send(func() error {
		return s.conn.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       fc.ID,
				Name:     fc.Name,
				Response: response,
			}},
		})
	})
	if sendErr != nil {
		s.logger.Warn("send tool response failed", "tool", fc.Name, "error", sendErr)
	}
}

func (s *session) cancelCalls(ids []string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	for _, id := range ids {
		if cancel, ok := s.calls[id]; ok {
			cancel()
		}
	}
}
