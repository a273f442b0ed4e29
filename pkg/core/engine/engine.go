// Package engine defines the boundary between the bridge and a conversational
// AI engine: how sessions are opened, what they accept and the closed set of
// events they emit.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("engine: session closed")

// Capabilities are declared by a session when it is opened. Callers check them
// instead of probing the session at runtime.
type Capabilities struct {
	Interrupt bool
	Text      bool
}

// UnsupportedError reports an operation the session declared it cannot do.
type UnsupportedError struct {
	Capability string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("engine: %s not supported", e.Capability)
}

// ToolDeclaration describes a callable tool offered to the engine.
type ToolDeclaration struct {
	Name        string
	Description string
	// Parameters is a JSON schema document.
	Parameters any
}

// Toolbox executes tool calls requested by the engine.
type Toolbox interface {
	Declarations(ctx context.Context) ([]ToolDeclaration, error)
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// Agent is the descriptor a session is opened with.
type Agent struct {
	Name         string
	Instructions string
	Tools        Toolbox
}

// Session is one live engine conversation. Audio in and out is mono PCM16LE
// at 24000 Hz.
type Session interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	// Interrupt returns an *UnsupportedError when Capabilities().Interrupt is false.
	Interrupt(ctx context.Context) error
	// Events is closed when the session ends.
	Events() <-chan Event
	Capabilities() Capabilities
	Close() error
}

// Opener starts engine sessions.
type Opener interface {
	Open(ctx context.Context, agent Agent) (Session, error)
}

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = `You are a realtime meeting assistant.

Use tools whenever one fits:
- current_time answers questions about the time.
- weather_now answers questions about current weather.
- Canva tools handle design and layout requests when connected.
- n8n tools run workflows when connected.

Keep spoken answers short and do not repeat earlier text word for word.`
