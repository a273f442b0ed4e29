package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/meetbridge/pkg/core/engine"
)

type fakeConn struct {
	incoming chan *genai.LiveServerMessage
	closed   chan struct{}
	once     sync.Once

	mu        sync.Mutex
	realtime  []genai.LiveRealtimeInput
	content   []genai.LiveClientContentInput
	responses []genai.LiveToolResponseInput
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan *genai.LiveServerMessage, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, in)
	return nil
}

func (f *fakeConn) SendClientContent(in genai.LiveClientContentInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = append(f.content, in)
	return nil
}

func (f *fakeConn) SendToolResponse(in genai.LiveToolResponseInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, in)
	return nil
}

func (f *fakeConn) Receive() (*genai.LiveServerMessage, error) {
	select {
	case msg, ok := <-f.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-f.closed:
		return nil, errors.New("closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) toolResponses() []genai.LiveToolResponseInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genai.LiveToolResponseInput(nil), f.responses...)
}

type stubTools struct {
	decls []engine.ToolDeclaration
	call  func(ctx context.Context, name string, args map[string]any) (any, error)
}

func (s stubTools) Declarations(context.Context) ([]engine.ToolDeclaration, error) {
	return s.decls, nil
}

func (s stubTools) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	return s.call(ctx, name, args)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openWith(t *testing.T, conn *fakeConn, agent engine.Agent) (engine.Session, *genai.LiveConnectConfig) {
	t.Helper()
	var got *genai.LiveConnectConfig
	o := newOpener(Config{Voice: "Puck"}, testLogger(), func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
		assert.Equal(t, DefaultModel, model)
		got = cfg
		return conn, nil
	})
	s, err := o.Open(context.Background(), agent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, got
}

func nextEvent(t *testing.T, s engine.Session) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestOpen_BuildsConnectConfig(t *testing.T) {
	tools := stubTools{decls: []engine.ToolDeclaration{{
		Name:        "current_time",
		Description: "time",
		Parameters:  map[string]any{"type": "object"},
	}}}
	_, cfg := openWith(t, newFakeConn(), engine.Agent{Name: "assistant", Tools: tools})

	require.NotNil(t, cfg)
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	require.Len(t, cfg.Tools, 1)
	require.Len(t, cfg.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "current_time", cfg.Tools[0].FunctionDeclarations[0].Name)
	assert.Equal(t, "Puck", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	assert.Equal(t, engine.DefaultInstructions, cfg.SystemInstruction.Parts[0].Text)
}

func TestSession_TranslatesServerContent(t *testing.T) {
	conn := newFakeConn()
	s, _ := openWith(t, conn, engine.Agent{Name: "assistant"})

	conn.incoming <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	conn.incoming <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 0}}},
		}},
		OutputTranscription: &genai.Transcription{Text: "hello"},
	}}
	conn.incoming <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}
	conn.incoming <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}

	assert.Equal(t, engine.AgentStart{Agent: "assistant"}, nextEvent(t, s))
	assert.Equal(t, engine.Audio{PCM: []byte{1, 0}, SampleRate: 24000}, nextEvent(t, s))
	assert.Equal(t, engine.TextDelta{Delta: "hello"}, nextEvent(t, s))
	assert.Equal(t, engine.TurnCompleted{}, nextEvent(t, s))
	assert.Equal(t, engine.AudioInterrupted{}, nextEvent(t, s))
	assert.Equal(t, engine.TurnFailed{Reason: "interrupted", Canceled: true}, nextEvent(t, s))
}

func TestSession_ReceiveErrorEndsStream(t *testing.T) {
	conn := newFakeConn()
	s, _ := openWith(t, conn, engine.Agent{Name: "assistant"})
	close(conn.incoming)

	ev := nextEvent(t, s)
	require.IsType(t, engine.Error{}, ev)
	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestSession_ExecutesToolCalls(t *testing.T) {
	conn := newFakeConn()
	tools := stubTools{call: func(ctx context.Context, name string, args map[string]any) (any, error) {
		return "12:00 " + args["timezone_name"].(string), nil
	}}
	s, _ := openWith(t, conn, engine.Agent{Name: "assistant", Tools: tools})

	conn.incoming <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: "current_time", Args: map[string]any{"timezone_name": "UTC"}}},
	}}

	assert.Equal(t, engine.ToolStart{Agent: "assistant", Tool: "current_time", Args: map[string]any{"timezone_name": "UTC"}}, nextEvent(t, s))
	assert.Equal(t, engine.ToolEnd{Agent: "assistant", Tool: "current_time", Output: "12:00 UTC"}, nextEvent(t, s))

	require.Eventually(t, func() bool { return len(conn.toolResponses()) == 1 }, 2*time.Second, 10*time.Millisecond)
	resp := conn.toolResponses()[0].FunctionResponses[0]
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, map[string]any{"output": "12:00 UTC"}, resp.Response)
}

func TestSession_SendAudioAndText(t *testing.T) {
	conn := newFakeConn()
	s, _ := openWith(t, conn, engine.Agent{Name: "assistant"})

	require.NoError(t, s.SendAudio(context.Background(), []byte{1, 2}))
	require.NoError(t, s.SendText(context.Background(), "hi"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.realtime, 1)
	assert.Equal(t, "audio/pcm;rate=24000", conn.realtime[0].Audio.MIMEType)
	require.Len(t, conn.content, 1)
	assert.Equal(t, "hi", conn.content[0].Turns[0].Parts[0].Text)
}

func TestSession_InterruptUnsupported(t *testing.T) {
	s, _ := openWith(t, newFakeConn(), engine.Agent{})
	assert.False(t, s.Capabilities().Interrupt)

	var unsupported *engine.UnsupportedError
	assert.ErrorAs(t, s.Interrupt(context.Background()), &unsupported)
}

func TestSession_CloseEndsStream(t *testing.T) {
	s, _ := openWith(t, newFakeConn(), engine.Agent{})
	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	assert.ErrorIs(t, s.SendAudio(context.Background(), []byte{1, 2}), engine.ErrSessionClosed)
}

func TestRateFromMIME(t *testing.T) {
	assert.Equal(t, 16000, rateFromMIME("audio/pcm;rate=16000"))
	assert.Equal(t, 24000, rateFromMIME("audio/pcm"))
	assert.Equal(t, 24000, rateFromMIME("audio/pcm; rate=abc"))
}
