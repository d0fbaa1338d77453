// Package sqlite implements store.Store on an embedded SQLite database. It
// backs local development and the integration tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/safehaven/chat-server/internal/store"
)

// Store is a store.Store backed by SQLite through gorm.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open opens the database file at path. WAL mode and a busy timeout are
// enabled unless path already carries query parameters.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) SaveMessage(ctx context.Context, m *store.Message) (int64, error) {
	row := MessageModel{
		SenderID:        m.SenderID,
		ReceiverID:      m.ReceiverID,
		Content:         m.Content,
		ContentFiltered: m.ContentFiltered,
		MessageType:     m.MessageType,
		IsFlagged:       m.IsFlagged,
		SeverityScore:   m.SeverityScore,
		IsBlocked:       m.IsBlocked,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("sqlite: save message: %w", err)
	}
	m.ID = row.ID
	m.CreatedAt = row.CreatedAt
	return row.ID, nil
}

func (s *Store) SaveIncident(ctx context.Context, inc *store.Incident) (int64, error) {
	row := IncidentModel{
		UserID:          inc.UserID,
		Severity:        inc.Severity,
		DetectedContent: inc.DetectedContent,
		AIAnalysis:      inc.Analysis,
		DetectionModel:  inc.Model,
		ConfidenceScore: inc.Confidence,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("sqlite: save incident: %w", err)
	}
	inc.ID = row.ID
	inc.CreatedAt = row.CreatedAt
	return row.ID, nil
}

func (s *Store) LoadUserState(ctx context.Context, userID int64) (*store.User, error) {
	var row UserModel
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load user %d: %w", userID, err)
	}
	return userFromModel(row), nil
}

func (s *Store) ApplyEscalation(ctx context.Context, userID int64, state store.EscalationState) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"warning_count": gorm.Expr("MAX(warning_count, ?)", state.WarningCount),
		"has_red_tag":   gorm.Expr("(has_red_tag OR ?)", state.HasRedTag),
		"is_blocked":    gorm.Expr("(is_blocked OR ?)", state.IsBlocked),
	})
	if res.Error != nil {
		return fmt.Errorf("sqlite: apply escalation %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IsFriendshipAccepted(ctx context.Context, a, b int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&FriendRequestModel{}).
		Where("status = ?", "accepted").
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("sqlite: friendship %d/%d: %w", a, b, err)
	}
	return n > 0, nil
}

func (s *Store) IsUserBlocked(ctx context.Context, userID int64) (bool, error) {
	u, err := s.LoadUserState(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsBlocked, nil
}

// CreateUser inserts u and sets its ID. The seed command uses it to set up
// development databases.
func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	row := UserModel{
		Username:         u.Username,
		AvatarURL:        u.AvatarURL,
		SensitivityLevel: u.SensitivityLevel,
		WarningCount:     u.WarningCount,
		HasRedTag:        u.HasRedTag,
		IsBlocked:        u.IsBlocked,
	}
	if row.SensitivityLevel == "" {
		row.SensitivityLevel = store.SensitivityMedium
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: create user: %w", err)
	}
	u.ID = row.ID
	return nil
}

// AddFriendRequest records a friend request between two users with the given
// status (pending, accepted, rejected).
func (s *Store) AddFriendRequest(ctx context.Context, senderID, receiverID int64, status string) error {
	row := FriendRequestModel{SenderID: senderID, ReceiverID: receiverID, Status: status}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: add friend request: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func userFromModel(m UserModel) *store.User {
	return &store.User{
		ID:               m.ID,
		Username:         m.Username,
		AvatarURL:        m.AvatarURL,
		SensitivityLevel: m.SensitivityLevel,
		EscalationState: store.EscalationState{
			WarningCount: m.WarningCount,
			HasRedTag:    m.HasRedTag,
			IsBlocked:    m.IsBlocked,
		},
	}
}
