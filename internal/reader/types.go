package reader

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/readaloud/internal/remote"
)

var (
	// ErrInvalidInput is returned by Start for blank text or a remote voice
	// without an API key. Nothing is started.
	ErrInvalidInput = errors.New("invalid read request")
	// ErrSessionActive is returned by Start while another session runs.
	ErrSessionActive = errors.New("a reading session is already active")
	ErrClosed        = errors.New("orchestrator closed")
)

type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateSpeaking  State = "speaking"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

type Backend string

const (
	BackendDevice Backend = "device"
	BackendRemote Backend = "remote"
)

// VoiceSelection is either DeviceVoice or RemoteVoice.
type VoiceSelection interface {
	backend() Backend
	label() string
}

// DeviceVoice reads with the local engine. An empty Identifier uses the
// engine default.
type DeviceVoice struct {
	Identifier string
}

func (DeviceVoice) backend() Backend { return BackendDevice }
func (v DeviceVoice) label() string   { return v.Identifier }

type RemoteVoice struct {
	VoiceID string
	APIKey  string
	Speed   int
}

func (RemoteVoice) backend() Backend { return BackendRemote }
func (v RemoteVoice) label() string   { return v.VoiceID }

type ReadRequest struct {
	Text  string
	Voice VoiceSelection
}

// Result is the terminal report of a session.
type Result struct {
	SessionID    string
	State        State
	Backend      Backend
	Voice        string
	Chunks       int
	ChunksPlayed int
	FellBack     bool
	Err          error
	StartedAt    time.Time
	EndedAt      time.Time
}

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID    string
	State        State
	Backend      Backend
	Voice        string
	Chunk        int
	TotalChunks  int
	ChunksPlayed int
	FellBack     bool
}

// Synthesizer renders one chunk remotely.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string, speed int) remote.Outcome
}

// SynthesizerFactory returns a synthesizer authenticated with apiKey.
type SynthesizerFactory func(apiKey string) Synthesizer

// Observer receives session milestones. Calls happen on the session
// goroutine and must not block for long.
type Observer interface {
	SessionStarted(p Progress)
	ChunkStarted(p Progress)
	FellBack(p Progress, cause error)
	SessionEnded(r Result)
}
