// Package escalation advances a user's moderation state one flagged payload
// at a time: every flag adds a warning, and crossing the configured
// thresholds red-tags and then blocks the user.
package escalation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/metrics"
	"github.com/safehaven/chat-server/internal/store"
)

// ErrInvalidThresholds is returned when Block < Warning or Warning < 1.
var ErrInvalidThresholds = errors.New("escalation: thresholds must satisfy block >= warning >= 1")

// Thresholds are the warning counts at which a user is red-tagged and
// blocked.
type Thresholds struct {
	Warning int
	Block   int
}

// DefaultThresholds red-tags at 3 warnings and blocks at 5.
var DefaultThresholds = Thresholds{Warning: 3, Block: 5}

func (t Thresholds) Validate() error {
	if t.Warning < 1 || t.Block < t.Warning {
		return fmt.Errorf("%w (warning=%d, block=%d)", ErrInvalidThresholds, t.Warning, t.Block)
	}
	return nil
}

// Advance applies one flagged payload to s. Flags already set stay set.
func (t Thresholds) Advance(s store.EscalationState) store.EscalationState {
	s.WarningCount++
	if s.WarningCount >= t.Warning {
		s.HasRedTag = true
	}
	if s.WarningCount >= t.Block {
		s.IsBlocked = true
	}
	return s
}

// Transition describes one ledger step.
type Transition struct {
	UserID int64
	Before store.EscalationState
	After  store.EscalationState
}

// RedTagged reports whether this step set the red tag.
func (t Transition) RedTagged() bool { return t.After.HasRedTag && !t.Before.HasRedTag }

// Blocked reports whether this step blocked the user.
func (t Transition) Blocked() bool { return t.After.IsBlocked && !t.Before.IsBlocked }

// Store is the subset of store.Store the ledger needs.
type Store interface {
	LoadUserState(ctx context.Context, userID int64) (*store.User, error)
	ApplyEscalation(ctx context.Context, userID int64, state store.EscalationState) error
}

// Ledger reads, advances and writes back escalation state.
type Ledger struct {
	store      Store
	thresholds Thresholds
	logger     *zap.Logger
}

func NewLedger(s Store, thresholds Thresholds, logger *zap.Logger) (*Ledger, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{store: s, thresholds: thresholds, logger: logger.Named("escalation")}, nil
}

func (l *Ledger) Thresholds() Thresholds { return l.thresholds }

// Record advances userID's state by one flagged payload and persists it.
// The write merges with the stored row, so a concurrent writer can only
// push the result further forward.
func (l *Ledger) Record(ctx context.Context, userID int64) (Transition, error) {
	u, err := l.store.LoadUserState(ctx, userID)
	if err != nil {
		return Transition{}, fmt.Errorf("escalation: load %d: %w", userID, err)
	}

	tr := Transition{
		UserID: userID,
		Before: u.EscalationState,
		After:  l.thresholds.Advance(u.EscalationState),
	}

	if err := l.store.ApplyEscalation(ctx, userID, tr.After); err != nil {
		return tr, fmt.Errorf("escalation: apply %d: %w", userID, err)
	}

	metrics.Escalations.WithLabelValues("warned").Inc()
	if tr.RedTagged() {
		metrics.Escalations.WithLabelValues("red_tagged").Inc()
	}
	if tr.Blocked() {
		metrics.Escalations.WithLabelValues("blocked").Inc()
		l.logger.Warn("user blocked", zap.Int64("user_id", userID), zap.Int("warning_count", tr.After.WarningCount))
	} else {
		l.logger.Info("warning recorded",
			zap.Int64("user_id", userID),
			zap.Int("warning_count", tr.After.WarningCount),
			zap.Bool("red_tagged", tr.After.HasRedTag),
		)
	}

	return tr, nil
}
