// Package sqlstore keeps sessions, profiles and the turn log in a SQL
// database through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-voice/core/conversations"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

const scopeName = "github.com/koscakluka/ema-voice/core/storage/sqlstore"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

// Store implements conversations.SessionStore, conversations.ProfileStore
// and conversations.TurnLog.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite serializes writers anyway, and every ":memory:" connection is a
	// separate database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&sessionRecord{}, &profileRecord{}, &turnRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetSession(ctx context.Context, id string) (*conversations.Session, error) {
	ctx, span := tracer.Start(ctx, "get session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	var record sessionRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conversations.ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session conversations.Session
	if err := copier.Copy(&session, &record); err != nil {
		return nil, fmt.Errorf("failed to map session: %w", err)
	}
	return &session, nil
}

// CreateSession starts a new active session for userID.
func (s *Store) CreateSession(ctx context.Context, userID string) (*conversations.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	record := sessionRecord{
		ID:        id.String(),
		UserID:    userID,
		Status:    conversations.SessionStatusActive,
		StartedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	var session conversations.Session
	if err := copier.Copy(&session, &record); err != nil {
		return nil, fmt.Errorf("failed to map session: %w", err)
	}
	return &session, nil
}

// EndSession moves a session to a terminal status.
func (s *Store) EndSession(ctx context.Context, id string, status conversations.SessionStatus) error {
	if status == conversations.SessionStatusActive {
		return fmt.Errorf("cannot end session with status %q", status)
	}
	endedAt := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "ended_at": endedAt})
	if result.Error != nil {
		return fmt.Errorf("failed to end session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return conversations.ErrNotFound
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*conversations.Profile, error) {
	var record profileRecord
	if err := s.db.WithContext(ctx).First(&record, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, conversations.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	var profile conversations.Profile
	if err := copier.Copy(&profile, &record); err != nil {
		return nil, fmt.Errorf("failed to map profile: %w", err)
	}
	return &profile, nil
}

// SaveProfile inserts or replaces the profile of profile.UserID.
func (s *Store) SaveProfile(ctx context.Context, profile conversations.Profile) error {
	var record profileRecord
	if err := copier.Copy(&record, &profile); err != nil {
		return fmt.Errorf("failed to map profile: %w", err)
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *Store) AppendTurn(ctx context.Context, sessionID string, role conversations.Role, text string) error {
	ctx, span := tracer.Start(ctx, "append turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("turn.role", string(role)))

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate turn id: %w", err)
	}
	record := turnRecord{
		ID:        id.String(),
		SessionID: sessionID,
		Role:      role,
		Content:   text,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]conversations.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []turnRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		logger.Warn("failed to load recent turns", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	slices.Reverse(records)

	turns := []conversations.Turn{}
	if err := copier.Copy(&turns, &records); err != nil {
		return nil, fmt.Errorf("failed to map turns: %w", err)
	}
	return turns, nil
}
