package interaction

import "time"

// State is a phase of the interaction controller.
type State int32

const (
	// StateIdle means the controller loop is not running.
	StateIdle State = iota
	// StateListening means the loop runs and waits for a wake word.
	StateListening
	StateCapturing
	StateTranscribing
	StateRouting
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCapturing:
		return "capturing"
	case StateTranscribing:
		return "transcribing"
	case StateRouting:
		return "routing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Active reports whether s belongs to a running session.
func (s State) Active() bool {
	return s >= StateCapturing
}

// Outcome labels how a session ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeNoSpeech      Outcome = "no_speech"
	OutcomeNotUnderstood Outcome = "not_understood"
	OutcomeError         Outcome = "error"
)

// Fixed replies for sessions that cannot produce an answer.
const (
	ApologyNoSpeech      = "I didn't hear anything. Please try again."
	ApologyNotUnderstood = "I couldn't understand what you said. Please try again."
	ApologyError         = "I'm sorry, I encountered an error. Please try again."
	ApologyEmptyResponse = "I'm sorry, I don't know how to respond to that."
)

// Session is one wake-to-reply interaction. At most one is active at a time.
type Session struct {
	ID        string
	State     State
	StartedAt time.Time
	WakeWord  string

	// Audio is the captured utterance as 16 kHz mono PCM.
	Audio      []byte
	Transcript string
	Response   string
	Outcome    Outcome
}

// Status is a point-in-time view of the controller.
type Status struct {
	State          string    `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	SessionStarted time.Time `json:"session_started,omitzero"`

	Total         int64         `json:"total"`
	Successful    int64         `json:"successful"`
	Failed        int64         `json:"failed"`
	NoSpeech      int64         `json:"no_speech"`
	NotUnderstood int64         `json:"not_understood"`
	DroppedWakes  int64         `json:"dropped_wakes"`
	SuccessRate   float64       `json:"success_rate"`
	AvgResponse   time.Duration `json:"avg_response"`
	HistoryLength int           `json:"history_length"`
}
