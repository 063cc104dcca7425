package conversations

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryTurnLog keeps session turns in process memory. It backs sessions
// when no persistent store is configured and is lost on restart.
type MemoryTurnLog struct {
	mu    sync.RWMutex
	turns map[string][]Turn
	// maxTurns bounds the turns kept per session, 0 keeps everything.
	maxTurns int
}

func NewMemoryTurnLog(maxTurns int) *MemoryTurnLog {
	return &MemoryTurnLog{turns: map[string][]Turn{}, maxTurns: maxTurns}
}

func (l *MemoryTurnLog) AppendTurn(_ context.Context, sessionID string, role Role, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	turns := append(l.turns[sessionID], Turn{Role: role, Content: text, CreatedAt: time.Now()})
	if l.maxTurns > 0 && len(turns) > l.maxTurns {
		turns = append([]Turn(nil), turns[len(turns)-l.maxTurns:]...)
	}
	l.turns[sessionID] = turns
	return nil
}

func (l *MemoryTurnLog) RecentTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	turns := []Turn{}
	for turn := range l.RValues(sessionID) {
		if limit > 0 && len(turns) == limit {
			break
		}
		turns = append(turns, turn)
	}
	slices.Reverse(turns)
	return turns, nil
}

// RValues iterates over the session turns newest first.
func (l *MemoryTurnLog) RValues(sessionID string) func(yield func(Turn) bool) {
	return func(yield func(Turn) bool) {
		turns := l.snapshot(sessionID)
		for i := len(turns) - 1; i >= 0; i-- {
			if !yield(turns[i]) {
				return
			}
		}
	}
}

func (l *MemoryTurnLog) snapshot(sessionID string) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Turn(nil), l.turns[sessionID]...)
}
