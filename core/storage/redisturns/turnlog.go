// Package redisturns caches the recent-turn window of each session in a
// redis list in front of a durable conversations.TurnLog.
package redisturns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const (
	scopeName = "github.com/koscakluka/ema-voice/core/storage/redisturns"

	defaultWindow    = 20
	defaultTTL       = 2 * time.Hour
	defaultKeyPrefix = "ema:turns:"
)

var logger = otelslog.NewLogger(scopeName)

// TurnLog writes through to the backing log and serves RecentTurns from
// redis when the requested window fits in the cache. Cache failures are
// logged and fall back to the backing log.
type TurnLog struct {
	client    redis.Cmdable
	backing   conversations.TurnLog
	window    int
	ttl       time.Duration
	keyPrefix string
}

type Option func(*TurnLog)

// WithWindow sets how many of the newest turns are kept per session.
func WithWindow(window int) Option {
	return func(l *TurnLog) {
		if window > 0 {
			l.window = window
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(l *TurnLog) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(l *TurnLog) { l.keyPrefix = prefix }
}

func New(client redis.Cmdable, backing conversations.TurnLog, opts ...Option) *TurnLog {
	l := &TurnLog{
		client:    client,
		backing:   backing,
		window:    defaultWindow,
		ttl:       defaultTTL,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type cachedTurn struct {
	Role      conversations.Role `json:"role"`
	Content   string             `json:"content"`
	CreatedAt time.Time          `json:"created_at"`
}

func (l *TurnLog) key(sessionID string) string { return l.keyPrefix + sessionID }

func (l *TurnLog) AppendTurn(ctx context.Context, sessionID string, role conversations.Role, text string) error {
	if err := l.backing.AppendTurn(ctx, sessionID, role, text); err != nil {
		return err
	}

	entry, err := json.Marshal(cachedTurn{Role: role, Content: text, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil
	}

	// RPUSHX only extends a window that was loaded in full; an absent key is
	// filled from the backing log on the next read.
	key := l.key(sessionID)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPushX(ctx, key, entry)
		pipe.LTrim(ctx, key, int64(-l.window), -1)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		logger.Warn("failed to update cached turns", "session_id", sessionID, "error", err)
		l.invalidate(ctx, sessionID)
	}
	return nil
}

func (l *TurnLog) RecentTurns(ctx context.Context, sessionID string, limit int) ([]conversations.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > l.window {
		return l.backing.RecentTurns(ctx, sessionID, limit)
	}

	key := l.key(sessionID)
	entries, err := l.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		logger.Warn("failed to read cached turns", "session_id", sessionID, "error", err)
		return l.backing.RecentTurns(ctx, sessionID, limit)
	}
	if len(entries) > 0 {
		turns, err := decodeTurns(entries)
		if err == nil {
			return turns, nil
		}
		logger.Warn("discarding unreadable cached turns", "session_id", sessionID, "error", err)
		l.invalidate(ctx, sessionID)
	}

	turns, err := l.backing.RecentTurns(ctx, sessionID, l.window)
	if err != nil {
		return nil, err
	}
	l.fill(ctx, sessionID, turns)

	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (l *TurnLog) fill(ctx context.Context, sessionID string, turns []conversations.Turn) {
	if len(turns) == 0 {
		return
	}

	entries := make([]any, 0, len(turns))
	for _, turn := range turns {
		entry, err := json.Marshal(cachedTurn{Role: turn.Role, Content: turn.Content, CreatedAt: turn.CreatedAt})
		if err != nil {
			return
		}
		entries = append(entries, entry)
	}

	key := l.key(sessionID)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, entries...)
		pipe.Expire(ctx, key, l.ttl)
		return nil
	})
	if err != nil {
		logger.Warn("failed to fill cached turns", "session_id", sessionID, "error", err)
	}
}

func (l *TurnLog) invalidate(ctx context.Context, sessionID string) {
	if err := l.client.Del(ctx, l.key(sessionID)).Err(); err != nil {
		logger.Warn("failed to invalidate cached turns", "session_id", sessionID, "error", err)
	}
}

func decodeTurns(entries []string) ([]conversations.Turn, error) {
	turns := make([]conversations.Turn, 0, len(entries))
	for _, entry := range entries {
		var cached cachedTurn
		if err := json.Unmarshal([]byte(entry), &cached); err != nil {
			return nil, fmt.Errorf("failed to decode cached turn: %w", err)
		}
		turns = append(turns, conversations.Turn{Role: cached.Role, Content: cached.Content, CreatedAt: cached.CreatedAt})
	}
	return turns, nil
}
