package chat

type (
	// State identifies the kind of a projected chat event.
	State string

	// TextContent is one text block of an assistant message.
	TextContent struct {
		// Type is always "text" for relay-projected messages.
		Type string `json:"type"`
		// Text is the message content.
		Text string `json:"text"`
	}

	// Message is the assistant message carried by delta and final events.
	Message struct {
		// Role is always "assistant" for relay-projected messages.
		Role string `json:"role"`
		// Content holds the message blocks.
		Content []TextContent `json:"content"`
		// Timestamp is the Unix time in milliseconds the event was projected.
		Timestamp int64 `json:"timestamp"`
	}

	// Payload is the client-facing projection of a run's assistant output.
	//
	// Deltas carry the full buffered text so far (cumulative, not incremental);
	// finals carry the complete message or omit it when the run produced no
	// text; errors carry a formatted error message.
	Payload struct {
		// RunID is the client-visible run identifier (the client's own ID when
		// the run was dispatched through the chat registry, else the raw run ID).
		RunID string `json:"runId"`
		// SessionKey identifies the owning session.
		SessionKey string `json:"sessionKey"`
		// Seq is the bus sequence number of the event that triggered the projection.
		Seq int `json:"seq"`
		// State is delta, final, or error.
		State State `json:"state"`
		// Message is the assistant message. Nil for error events and for finals
		// of runs that produced no text.
		Message *Message `json:"message,omitempty"`
		// ErrorMessage describes the run failure for error events.
		ErrorMessage string `json:"errorMessage,omitempty"`
	}
)

const (
	// StateDelta marks an incremental text update.
	StateDelta State = "delta"
	// StateFinal marks successful run completion.
	StateFinal State = "final"
	// StateError marks run failure.
	StateError State = "error"
)

// NewMessage builds an assistant message with a single text block.
func NewMessage(text string, ts int64) *Message {
	return &Message{
		Role:      "assistant",
		Content:   []TextContent{{Type: "text", Text: text}},
		Timestamp: ts,
	}
}
