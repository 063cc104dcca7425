// Package conversations defines the session, profile and turn contracts the
// voice pipeline consumes. Storage lives behind these interfaces; the
// pipeline never creates or deletes sessions.
package conversations

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record is absent.
var ErrNotFound = errors.New("not found")

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

type Session struct {
	ID        string
	UserID    string
	Status    SessionStatus
	StartedAt time.Time
	EndedAt   *time.Time
}

func (s Session) IsActive() bool { return s.Status == SessionStatusActive }

// Profile holds the personalization the assistant is given for a user.
type Profile struct {
	UserID       string
	DisplayName  string
	Instructions string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-attributed unit of conversation content.
type Turn struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionContext is everything the pipeline knows about the session it
// serves. It is resolved once when the connection is accepted.
type SessionContext struct {
	SessionID string
	UserID    string
	// Profile is nil when the user has no stored personalization.
	Profile *Profile
}

type SessionStore interface {
	// GetSession returns ErrNotFound when the session does not exist.
	GetSession(ctx context.Context, id string) (*Session, error)
}

type ProfileStore interface {
	// GetProfile returns ErrNotFound when the user has no profile.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// TurnLog is the append-only message log of a session.
type TurnLog interface {
	AppendTurn(ctx context.Context, sessionID string, role Role, text string) error
	// RecentTurns returns at most limit turns ordered oldest -> newest.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
