// Package postgres implements store.Store on PostgreSQL with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}

	logger.Info("Connected to PostgreSQL")
	return &Store{db: db, logger: logger.Named("postgres")}, nil
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate() error {
	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}

	s.logger.Info("Database migration was run successfully")
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, m *store.Message) (int64, error) {
	query := `INSERT INTO messages (sender_id, receiver_id, content, content_filtered, message_type, is_flagged, severity_score, is_blocked)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`
	err := s.db.QueryRowxContext(ctx, query,
		m.SenderID, m.ReceiverID, m.Content, m.ContentFiltered, m.MessageType,
		m.IsFlagged, m.SeverityScore, m.IsBlocked,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("postgres: save message: %w", err)
	}
	return m.ID, nil
}

func (s *Store) SaveIncident(ctx context.Context, inc *store.Incident) (int64, error) {
	query := `INSERT INTO incidents (user_id, severity, detected_content, ai_analysis, detection_model, confidence_score)
	          VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	err := s.db.QueryRowxContext(ctx, query,
		inc.UserID, inc.Severity, inc.DetectedContent, inc.Analysis, inc.Model, inc.Confidence,
	).Scan(&inc.ID, &inc.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("postgres: save incident: %w", err)
	}
	return inc.ID, nil
}

func (s *Store) LoadUserState(ctx context.Context, userID int64) (*store.User, error) {
	var u store.User
	query := `SELECT id, username, avatar_url, sensitivity_level, warning_count, has_red_tag, is_blocked
	          FROM users WHERE id = $1`
	if err := s.db.GetContext(ctx, &u, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load user %d: %w", userID, err)
	}
	return &u, nil
}

// ApplyEscalation merges state into the row so that a concurrent writer can
// never move a field backwards.
func (s *Store) ApplyEscalation(ctx context.Context, userID int64, state store.EscalationState) error {
	query := `UPDATE users
	          SET warning_count = GREATEST(warning_count, $2),
	              has_red_tag   = has_red_tag OR $3,
	              is_blocked    = is_blocked OR $4,
	              updated_at    = now()
	          WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, userID, state.WarningCount, state.HasRedTag, state.IsBlocked)
	if err != nil {
		return fmt.Errorf("postgres: apply escalation %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IsFriendshipAccepted(ctx context.Context, a, b int64) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (
	              SELECT 1 FROM friend_requests
	              WHERE status = 'accepted'
	                AND ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)))`
	if err := s.db.GetContext(ctx, &ok, query, a, b); err != nil {
		return false, fmt.Errorf("postgres: friendship %d/%d: %w", a, b, err)
	}
	return ok, nil
}

func (s *Store) IsUserBlocked(ctx context.Context, userID int64) (bool, error) {
	var blocked bool
	if err := s.db.GetContext(ctx, &blocked, `SELECT is_blocked FROM users WHERE id = $1`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("postgres: user blocked %d: %w", userID, err)
	}
	return blocked, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
