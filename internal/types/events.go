package types

// ChannelKind names one of the two realtime streams a session exposes: the
// primary agent terminal and the optional secondary shell.
type ChannelKind string

const (
	ChannelAgent ChannelKind = "agent"
	ChannelShell ChannelKind = "shell"
)

type StreamEventType string

const (
	EventSessionStatus     StreamEventType = "session_status"
	EventSessionActivated  StreamEventType = "session_activated"
	EventSessionCompleted  StreamEventType = "session_completed"
	EventSessionFailed     StreamEventType = "session_failed"
	EventNeedsInputChanged StreamEventType = "needs_input_changed"
)

// StreamEvent is the JSON envelope delivered to realtime clients for
// everything that is not raw terminal output. Raw output travels as binary
// frames outside this envelope so viewers can feed it straight into a
// terminal emulator.
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Session     *Session        `json:"session,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	NeedsInput  bool            `json:"needs_input,omitempty"`
	Pattern     string          `json:"pattern,omitempty"`
	IdleSeconds float64         `json:"idle_seconds,omitempty"`
	TS          string          `json:"ts"`
}
