package protocol

import "time"

const (
	VoiceTypeDevice = "device"
	VoiceTypeRemote = "remote"
)

// ReadRequest asks the daemon to read text aloud. Empty voice fields fall
// back to the configured defaults.
type ReadRequest struct {
	Text      string `json:"text"`
	VoiceType string `json:"voice_type,omitempty"`
	// DeviceVoice is the engine voice identifier for device reads.
	DeviceVoice string `json:"device_voice,omitempty"`
	// RemoteVoice and APIKey select the cloud voice for remote reads.
	RemoteVoice string `json:"remote_voice,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Speed       *int   `json:"speed,omitempty"`
	// Policy overrides the configured concurrency policy: replace or reject.
	Policy string `json:"policy,omitempty"`
	// StripMarkdown drops markdown markers for this request even when the
	// daemon reads text verbatim.
	StripMarkdown bool `json:"strip_markdown,omitempty"`
}

type ReadReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type StopRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type StopReply struct {
	Stopped   bool   `json:"stopped"`
	SessionID string `json:"session_id,omitempty"`
}

// Status is published on every session state change and returned by
// status queries.
type Status struct {
	SessionID    string    `json:"session_id,omitempty"`
	State        string    `json:"state"`
	Backend      string    `json:"backend,omitempty"`
	Title        string    `json:"title,omitempty"`
	Text         string    `json:"text,omitempty"`
	Chunk        int       `json:"chunk,omitempty"`
	TotalChunks  int       `json:"total_chunks,omitempty"`
	ChunksPlayed int       `json:"chunks_played,omitempty"`
	FellBack     bool      `json:"fell_back,omitempty"`
	Error        string    `json:"error,omitempty"`
	Visible      bool      `json:"visible"`
	Timestamp    time.Time `json:"timestamp"`
}

// HistoryRequest lists recent sessions, or the timeline of one session
// when SessionID is set.
type HistoryRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	Backend      string    `json:"backend"`
	Voice        string    `json:"voice,omitempty"`
	Chunks       int       `json:"chunks"`
	ChunksPlayed int       `json:"chunks_played"`
	FellBack     bool      `json:"fell_back,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

type SessionEvent struct {
	Type      string    `json:"type"`
	Chunk     int       `json:"chunk"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryReply struct {
	Sessions []SessionSummary `json:"sessions,omitempty"`
	Events   []SessionEvent   `json:"events,omitempty"`
	Error    string           `json:"error,omitempty"`
}

const (
	SubjectRead      = "readaloud.read"
	SubjectStop      = "readaloud.stop"
	SubjectStatus    = "readaloud.status"
	SubjectStatusGet = "readaloud.status.get"
	SubjectHistory   = "readaloud.history"
)
