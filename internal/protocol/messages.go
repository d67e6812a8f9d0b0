package protocol

import "time"

// Transcript represents recognized text broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is published on every recording state change.
type SessionStatus struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	BaseName       string    `json:"base_name,omitempty"`
	Device         string    `json:"device,omitempty"`
	Engine         string    `json:"engine,omitempty"`
	AudioPath      string    `json:"audio_path,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
	AccuratePath   string    `json:"accurate_path,omitempty"`
	SummaryPath    string    `json:"summary_path,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	DroppedSamples uint64    `json:"dropped_samples,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ControlRequest asks the recorder to start or stop a recording.
type ControlRequest struct {
	Action string `json:"action"` // start, stop, status
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *SessionStatus `json:"status,omitempty"`
}

const (
	SubjectTranscriptPartial = "scribe.transcript.partial"
	SubjectTranscriptFinal   = "scribe.transcript.final"
	SubjectSessionStatus     = "scribe.session.status"
	SubjectRecordingControl  = "scribe.recording.control"
)

const (
	StateStarted   = "started"
	StateStopped   = "stopped"
	StateProcessed = "processed"
	StateFailed    = "failed"
)
