package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID      string         `json:"session_id,omitempty"`
	SessionKey     string         `json:"session_key,omitempty"`
	Text           string         `json:"text"`
	Original       string         `json:"original,omitempty"`
	Language       string         `json:"language,omitempty"`
	Partial        bool           `json:"partial"`
	EndOfUtterance bool           `json:"end_of_utterance,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SessionEvent announces a session lifecycle transition.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	SessionKey string    `json:"session_key"`
	Kind       string    `json:"kind"`
	SampleRate int       `json:"sample_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionPrefix     = "stt.session"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"

	// StreamTranscripts retains final transcripts and session events in
	// JetStream.
	StreamTranscripts = "TRANSCRIPTS"
)

// SessionSubject returns the subject for a lifecycle event kind, for example
// stt.session.created.
func SessionSubject(kind string) string {
	return SubjectSessionPrefix + "." + kind
}

// NodeHeartbeatSubject returns the heartbeat subject for a node.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
