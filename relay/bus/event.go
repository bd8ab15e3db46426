package bus

type (
	// Stream categorizes an event within a run. The well-known streams are
	// enumerated below; producers may emit extension streams as open strings
	// and the relay routes them like lifecycle events.
	Stream string

	// Event is one observable occurrence during an agent run, fully formed by
	// the sequencer: the per-run sequence number and timestamp are stamped on
	// emission and the session key resolved. Events are immutable once
	// delivered and never persisted by the relay.
	Event struct {
		// RunID identifies the run that produced the event.
		RunID string `json:"runId"`
		// Seq is the per-run sequence number, strictly increasing by one per
		// accepted event, starting at 1. A receiver observing seq != last+1
		// must treat it as a gap.
		Seq int `json:"seq"`
		// Stream is the event category.
		Stream Stream `json:"stream"`
		// Ts is the Unix time in milliseconds the event was sequenced.
		Ts int64 `json:"ts"`
		// SessionKey identifies the owning session, when known.
		SessionKey string `json:"sessionKey,omitempty"`
		// Data is the free-form event payload.
		Data map[string]any `json:"data,omitempty"`
	}

	// EventInput is a caller-supplied event before sequencing. The bus stamps
	// Seq and Ts and resolves the session key.
	EventInput struct {
		// RunID identifies the run. Required.
		RunID string
		// Stream is the event category. Required.
		Stream Stream
		// SessionKey explicitly binds the event to a session. Optional; when
		// empty the bus falls back to the run context registry.
		SessionKey string
		// Data is the free-form event payload.
		Data map[string]any
	}
)

const (
	// StreamLifecycle carries run phase transitions (start, end, error).
	StreamLifecycle Stream = "lifecycle"
	// StreamTool carries tool invocation telemetry.
	StreamTool Stream = "tool"
	// StreamAssistant carries cumulative assistant text.
	StreamAssistant Stream = "assistant"
	// StreamError carries error diagnostics, including relay-synthesized ones.
	StreamError Stream = "error"
)

// Lifecycle phases carried in Data["phase"] of lifecycle events.
const (
	// PhaseStart marks the beginning of a run.
	PhaseStart = "start"
	// PhaseEnd marks successful run completion.
	PhaseEnd = "end"
	// PhaseError marks run failure.
	PhaseError = "error"
)

// Phase returns the lifecycle phase carried by the event, or the empty string
// when absent or not a string.
func (e Event) Phase() string {
	p, _ := e.Data["phase"].(string)
	return p
}

// Terminal reports whether the event is a lifecycle event with a terminal
// phase (end or error).
func (e Event) Terminal() bool {
	if e.Stream != StreamLifecycle {
		return false
	}
	p := e.Phase()
	return p == PhaseEnd || p == PhaseError
}

// Text returns the assistant text carried by the event, or the empty string
// when absent or not a string.
func (e Event) Text() string {
	t, _ := e.Data["text"].(string)
	return t
}
