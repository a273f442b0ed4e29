package engine

// Record is the canonical JSON form of an event. Audio is encoded as base64 by
// encoding/json.
type Record struct {
	Type             string `json:"type"`
	Agent            string `json:"agent,omitempty"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`
	Tool             string `json:"tool,omitempty"`
	Output           any    `json:"output,omitempty"`
	Audio            []byte `json:"audio,omitempty"`
	SampleRate       int    `json:"sample_rate,omitempty"`
	Delta            string `json:"delta,omitempty"`
	History          any    `json:"history,omitempty"`
	GuardrailResults any    `json:"guardrail_results,omitempty"`
	Error            string `json:"error,omitempty"`
}

// RecordOf converts ev to its Record.
func RecordOf(ev Event) Record {
	var b recordBuilder
	Dispatch(ev, &b)
	b.rec.Type = ev.Kind()
	return b.rec
}

type recordBuilder struct {
	rec Record
}

func (b *recordBuilder) TextDelta(e TextDelta) { b.rec.Delta = e.Delta }

func (b *recordBuilder) TurnCompleted(TurnCompleted) {}

func (b *recordBuilder) TurnFailed(e TurnFailed) { b.rec.Error = e.Reason }

func (b *recordBuilder) Audio(e Audio) {
	b.rec.Audio = e.PCM
	b.rec.SampleRate = e.SampleRate
}

func (b *recordBuilder) AudioInterrupted(AudioInterrupted) {}

func (b *recordBuilder) AudioEnd(AudioEnd) {}

func (b *recordBuilder) ToolStart(e ToolStart) {
	b.rec.Agent = e.Agent
	b.rec.Tool = e.Tool
}

func (b *recordBuilder) ToolEnd(e ToolEnd) {
	b.rec.Agent = e.Agent
	b.rec.Tool = e.Tool
	b.rec.Output = jsonSafe(e.Output)
}

func (b *recordBuilder) AgentStart(e AgentStart) { b.rec.Agent = e.Agent }

func (b *recordBuilder) AgentEnd(e AgentEnd) {
	b.rec.Agent = e.Agent
	b.rec.Output = jsonSafe(e.Output)
}

func (b *recordBuilder) Handoff(e Handoff) {
	b.rec.From = e.From
	b.rec.To = e.To
}

func (b *recordBuilder) GuardrailTripped(e GuardrailTripped) {
	b.rec.GuardrailResults = jsonSafe(e.Results)
}

func (b *recordBuilder) HistoryUpdated(e HistoryUpdated) { b.rec.History = jsonSafe(e.History) }

func (b *recordBuilder) HistoryAdded(e HistoryAdded) { b.rec.History = jsonSafe(e.Item) }

func (b *recordBuilder) Error(e Error) {
	if e.Err != nil {
		b.rec.Error = e.Err.Error()
	}
}

func (b *recordBuilder) InputAudioTimeout(InputAudioTimeout) {}

func jsonSafe(v any) any {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}
