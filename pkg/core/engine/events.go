package engine

import "fmt"

// Event is one item of a session's event stream. The set of implementations
// is closed; consumers dispatch with Dispatch and a Handler.
type Event interface {
	Kind() string
	accept(h Handler)
}

// Handler has one method per event kind. Adding a kind adds a method here, so
// every consumer stops compiling until it handles the new kind.
type Handler interface {
	TextDelta(TextDelta)
	TurnCompleted(TurnCompleted)
	TurnFailed(TurnFailed)
	Audio(Audio)
	AudioInterrupted(AudioInterrupted)
	AudioEnd(AudioEnd)
	ToolStart(ToolStart)
	ToolEnd(ToolEnd)
	AgentStart(AgentStart)
	AgentEnd(AgentEnd)
	Handoff(Handoff)
	GuardrailTripped(GuardrailTripped)
	HistoryUpdated(HistoryUpdated)
	HistoryAdded(HistoryAdded)
	Error(Error)
	InputAudioTimeout(InputAudioTimeout)
}

// Dispatch calls the Handler method matching ev. A nil event is a programming
// error and panics.
func Dispatch(ev Event, h Handler) {
	if ev == nil {
		panic("engine: dispatch of nil event")
	}
	if h == nil {
		panic(fmt.Sprintf("engine: dispatch of %s to nil handler", ev.Kind()))
	}
	ev.accept(h)
}

const (
	KindTextDelta         = "text_delta"
	KindTurnCompleted     = "turn_completed"
	KindTurnFailed        = "turn_failed"
	KindAudio             = "audio"
	KindAudioInterrupted  = "audio_interrupted"
	KindAudioEnd          = "audio_end"
	KindToolStart         = "tool_start"
	KindToolEnd           = "tool_end"
	KindAgentStart        = "agent_start"
	KindAgentEnd          = "agent_end"
	KindHandoff           = "handoff"
	KindGuardrailTripped  = "guardrail_tripped"
	KindHistoryUpdated    = "history_updated"
	KindHistoryAdded      = "history_added"
	KindError             = "error"
	KindInputAudioTimeout = "input_audio_timeout_triggered"
)

// TextDelta is a streamed fragment of the assistant's reply text.
type TextDelta struct {
	Delta string
}

// TurnCompleted ends the current response turn successfully.
type TurnCompleted struct{}

// TurnFailed ends the current response turn with an error or cancellation.
type TurnFailed struct {
	Reason   string
	Canceled bool
}

// Audio carries synthesized speech.
type Audio struct {
	PCM        []byte
	SampleRate int
}

type AudioInterrupted struct{}

type AudioEnd struct{}

type ToolStart struct {
	Agent string
	Tool  string
	Args  map[string]any
}

type ToolEnd struct {
	Agent  string
	Tool   string
	Output any
}

type AgentStart struct {
	Agent string
}

type AgentEnd struct {
	Agent  string
	Output any
}

type Handoff struct {
	From string
	To   string
}

type GuardrailTripped struct {
	Results any
}

type HistoryUpdated struct {
	History any
}

type HistoryAdded struct {
	Item any
}

type Error struct {
	Err error
}

type InputAudioTimeout struct{}

func (TextDelta) Kind() string         { return KindTextDelta }
func (TurnCompleted) Kind() string     { return KindTurnCompleted }
func (TurnFailed) Kind() string        { return KindTurnFailed }
func (Audio) Kind() string             { return KindAudio }
func (AudioInterrupted) Kind() string  { return KindAudioInterrupted }
func (AudioEnd) Kind() string          { return KindAudioEnd }
func (ToolStart) Kind() string         { return KindToolStart }
func (ToolEnd) Kind() string           { return KindToolEnd }
func (AgentStart) Kind() string        { return KindAgentStart }
func (AgentEnd) Kind() string          { return KindAgentEnd }
func (Handoff) Kind() string           { return KindHandoff }
func (GuardrailTripped) Kind() string  { return KindGuardrailTripped }
func (HistoryUpdated) Kind() string    { return KindHistoryUpdated }
func (HistoryAdded) Kind() string      { return KindHistoryAdded }
func (Error) Kind() string             { return KindError }
func (InputAudioTimeout) Kind() string { return KindInputAudioTimeout }

func (e TextDelta) accept(h Handler)         { h.TextDelta(e) }
func (e TurnCompleted) accept(h Handler)     { h.TurnCompleted(e) }
func (e TurnFailed) accept(h Handler)        { h.TurnFailed(e) }
func (e Audio) accept(h Handler)             { h.Audio(e) }
func (e AudioInterrupted) accept(h Handler)  { h.AudioInterrupted(e) }
func (e AudioEnd) accept(h Handler)          { h.AudioEnd(e) }
func (e ToolStart) accept(h Handler)         { h.ToolStart(e) }
func (e ToolEnd) accept(h Handler)           { h.ToolEnd(e) }
func (e AgentStart) accept(h Handler)        { h.AgentStart(e) }
func (e AgentEnd) accept(h Handler)          { h.AgentEnd(e) }
func (e Handoff) accept(h Handler)           { h.Handoff(e) }
func (e GuardrailTripped) accept(h Handler)  { h.GuardrailTripped(e) }
func (e HistoryUpdated) accept(h Handler)    { h.HistoryUpdated(e) }
func (e HistoryAdded) accept(h Handler)      { h.HistoryAdded(e) }
func (e Error) accept(h Handler)             { h.Error(e) }
func (e InputAudioTimeout) accept(h Handler) { h.InputAudioTimeout(e) }
