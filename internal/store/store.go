// Package store defines the persistence contract used by the message
// pipeline and the records that cross it. Implementations live in the
// postgres and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user row does not exist.
var ErrNotFound = errors.New("store: not found")

// Sensitivity levels stored on users.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// Message is a stored chat record. It is never updated after SaveMessage.
type Message struct {
	ID              int64     `db:"id"`
	SenderID        int64     `db:"sender_id"`
	ReceiverID      int64     `db:"receiver_id"`
	Content         string    `db:"content"`
	ContentFiltered string    `db:"content_filtered"`
	MessageType     string    `db:"message_type"`
	IsFlagged       bool      `db:"is_flagged"`
	SeverityScore   *string   `db:"severity_score"`
	IsBlocked       bool      `db:"is_blocked"`
	CreatedAt       time.Time `db:"created_at"`
}

// Incident is an append-only moderation audit record.
type Incident struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	Severity        string    `db:"severity"`
	DetectedContent string    `db:"detected_content"`
	Analysis        string    `db:"ai_analysis"`
	Model           string    `db:"detection_model"`
	Confidence      float64   `db:"confidence_score"`
	CreatedAt       time.Time `db:"created_at"`
}

// EscalationState is the moderation subset of a user row. All three fields
// only ever move forward.
type EscalationState struct {
	WarningCount int  `db:"warning_count"`
	HasRedTag    bool `db:"has_red_tag"`
	IsBlocked    bool `db:"is_blocked"`
}

// Merge returns the field-wise maximum of s and o.
func (s EscalationState) Merge(o EscalationState) EscalationState {
	if o.WarningCount > s.WarningCount {
		s.WarningCount = o.WarningCount
	}
	s.HasRedTag = s.HasRedTag || o.HasRedTag
	s.IsBlocked = s.IsBlocked || o.IsBlocked
	return s
}

// User carries the display and moderation fields the pipeline reads.
type User struct {
	ID               int64  `db:"id"`
	Username         string `db:"username"`
	AvatarURL        string `db:"avatar_url"`
	SensitivityLevel string `db:"sensitivity_level"`
	EscalationState
}

// Store is the persistence collaborator. Each call commits independently;
// there is no transaction spanning calls.
type Store interface {
	// SaveMessage inserts m and sets its ID and CreatedAt.
	SaveMessage(ctx context.Context, m *Message) (int64, error)
	// SaveIncident inserts inc and sets its ID and CreatedAt.
	SaveIncident(ctx context.Context, inc *Incident) (int64, error)
	// LoadUserState returns the user row or ErrNotFound.
	LoadUserState(ctx context.Context, userID int64) (*User, error)
	// ApplyEscalation writes state, never lowering any stored field.
	ApplyEscalation(ctx context.Context, userID int64, state EscalationState) error
	IsFriendshipAccepted(ctx context.Context, a, b int64) (bool, error)
	IsUserBlocked(ctx context.Context, userID int64) (bool, error)
	Close() error
}
