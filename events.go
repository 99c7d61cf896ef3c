// Package voicebridge is the facade/event fan-out layer (spec §4.6): it
// wires the device, codec, protocol engine, playback pipeline, and tool
// server together behind one Session, translating their callbacks into a
// single typed event stream. Grounded on the teacher's App (app.go): a thin
// struct delegating to its engine/transport, a session state mutex, and
// callback-to-event translation — generalized here from the teacher's
// per-server-address session map (this spec has exactly one server per
// Session) and from Wails event emission to a single registered Go callback.
package voicebridge

import "time"

// EventKind is the variant tag for an Event (spec §3's Event union).
type EventKind int

const (
	WebSocketConnected EventKind = iota
	WebSocketDisconnected
	SessionEstablished
	SessionEnded
	ListeningStarted
	ListeningStopped
	TtsStarted
	TtsStopped
	AudioData
	TextMessage
	McpMessage
	EmotionMessage
	StateChanged
	Error
)

func (k EventKind) String() string {
	switch k {
	case WebSocketConnected:
		return "WebSocketConnected"
	case WebSocketDisconnected:
		return "WebSocketDisconnected"
	case SessionEstablished:
		return "SessionEstablished"
	case SessionEnded:
		return "SessionEnded"
	case ListeningStarted:
		return "ListeningStarted"
	case ListeningStopped:
		return "ListeningStopped"
	case TtsStarted:
		return "TtsStarted"
	case TtsStopped:
		return "TtsStopped"
	case AudioData:
		return "AudioData"
	case TextMessage:
		return "TextMessage"
	case McpMessage:
		return "McpMessage"
	case EmotionMessage:
		return "EmotionMessage"
	case StateChanged:
		return "StateChanged"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is the single typed union the facade delivers to its one registered
// consumer (spec §3: "each event carries a wall-clock timestamp").
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	SessionID string // SessionEstablished

	AudioFrame       []byte // AudioData
	AudioTimestampMs uint32 // AudioData

	Text string // TextMessage
	Role string // TextMessage

	Raw []byte // McpMessage

	Emotion string // EmotionMessage

	OldState string // StateChanged
	NewState string // StateChanged

	ErrorCode    string // Error
	ErrorMessage string // Error
}

// ListeningState mirrors spec §3's Session.listening_state.
type ListeningState string

const (
	ListeningIdle  ListeningState = "idle"
	ListeningStart ListeningState = "start"
	ListeningStop  ListeningState = "stop"
)

// TTSState mirrors spec §3's Session.tts_state.
type TTSState string

const (
	TTSIdle  TTSState = "idle"
	TTSStart TTSState = "start"
	TTSStop  TTSState = "stop"
)
