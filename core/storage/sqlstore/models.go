package sqlstore

import (
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
)

type sessionRecord struct {
	ID        string                      `gorm:"primaryKey;size:36"`
	UserID    string                      `gorm:"size:64;not null;index"`
	Status    conversations.SessionStatus `gorm:"size:16;not null"`
	StartedAt time.Time                   `gorm:"not null"`
	EndedAt   *time.Time
}

func (sessionRecord) TableName() string { return "voice_sessions" }

type profileRecord struct {
	UserID       string `gorm:"primaryKey;size:64"`
	DisplayName  string `gorm:"size:128"`
	Instructions string `gorm:"type:text"`
	UpdatedAt    time.Time
}

func (profileRecord) TableName() string { return "voice_profiles" }

// turnRecord ids are UUIDv7 so that id order matches insertion order when
// created_at collides.
type turnRecord struct {
	ID        string             `gorm:"primaryKey;size:36"`
	SessionID string             `gorm:"size:36;not null;index:idx_turns_session_created"`
	Role      conversations.Role `gorm:"size:16;not null"`
	Content   string             `gorm:"type:text;not null"`
	CreatedAt time.Time          `gorm:"not null;index:idx_turns_session_created"`
}

func (turnRecord) TableName() string { return "voice_turns" }
