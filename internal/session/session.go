package session

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/screenpilot/internal/changedetect"
)

// Session is the single live interaction owned by the controller. It is only
// mutated from the controller's event loop.
type Session struct {
	ID              string
	State           State
	CreatedAt       time.Time
	AudioPath       string
	Audio           []byte
	LastFingerprint changedetect.Fingerprint
	MissionAchieved bool
	Reason          string
	AIText          string
	Uploads         int
	SkippedTicks    int
	UploadInFlight  bool
	ThinkingAt      time.Time
	FirstReplyAt    time.Time
}

// New creates a session whose recording will be written under audioDir.
func New(audioDir, audioExt string) *Session {
	if audioExt == "" {
		audioExt = ".wav"
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	return &Session{
		ID:        id,
		State:     StateIdle,
		CreatedAt: now,
		AudioPath: filepath.Join(audioDir, "input_"+id+audioExt),
	}
}

// Snapshot is a read-only view of a session for API responses.
type Snapshot struct {
	SessionID       string    `json:"session_id,omitempty"`
	State           State     `json:"state"`
	InputEnabled    bool      `json:"input_enabled"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	MissionAchieved bool      `json:"mission_achieved"`
	Reason          string    `json:"reason,omitempty"`
	AIText          string    `json:"ai_text,omitempty"`
	Uploads         int       `json:"uploads"`
	SkippedTicks    int       `json:"skipped_ticks"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:       s.ID,
		State:           s.State,
		InputEnabled:    s.State != StateThinking,
		CreatedAt:       s.CreatedAt,
		MissionAchieved: s.MissionAchieved,
		Reason:          s.Reason,
		AIText:          s.AIText,
		Uploads:         s.Uploads,
		SkippedTicks:    s.SkippedTicks,
		Fingerprint:     s.LastFingerprint.String(),
	}
}
