package history

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/screenpilot/internal/session"
)

var ErrInvalidRecord = errors.New("invalid history record")

// How a session came to be torn down.
const (
	EndedByReset    = "reset"
	EndedByCancel   = "cancel"
	EndedByRestart  = "restart"
	EndedByShutdown = "shutdown"
)

// Record summarises one finished session.
type Record struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	Outcome         session.State `json:"outcome"`
	EndedBy         string        `json:"ended_by"`
	Reason          string        `json:"reason,omitempty"`
	AIText          string        `json:"ai_text,omitempty"`
	PIIRedacted     bool          `json:"pii_redacted"`
	MissionAchieved bool          `json:"mission_achieved"`
	Uploads         int           `json:"uploads"`
	SkippedTicks    int           `json:"skipped_ticks"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
}

// Store persists finished sessions. Recent returns newest first.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func normalize(record Record) (Record, error) {
	if record.SessionID == "" {
		return Record{}, ErrInvalidRecord
	}
	if _, err := session.ParseState(string(record.Outcome)); err != nil {
		return Record{}, err
	}
	if record.ID == "" {
		record.ID = newID()
	}
	var textChanged, reasonChanged bool
	record.AIText, textChanged = redactPII(record.AIText)
	record.Reason, reasonChanged = redactPII(record.Reason)
	record.PIIRedacted = record.PIIRedacted || textChanged || reasonChanged
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	return record, nil
}
