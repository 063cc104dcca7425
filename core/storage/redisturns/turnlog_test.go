package redisturns

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/redis/go-redis/v9"
)

type countingTurnLog struct {
	*conversations.MemoryTurnLog
	reads int
}

func (l *countingTurnLog) RecentTurns(ctx context.Context, sessionID string, limit int) ([]conversations.Turn, error) {
	l.reads++
	return l.MemoryTurnLog.RecentTurns(ctx, sessionID, limit)
}

func setupTurnLog(t *testing.T, opts ...Option) (*miniredis.Miniredis, *countingTurnLog, *TurnLog) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingTurnLog{MemoryTurnLog: conversations.NewMemoryTurnLog(0)}
	return mr, backing, New(client, backing, opts...)
}

func TestRecentTurnsFillsCacheOnMiss(t *testing.T) {
	ctx := context.Background()
	mr, backing, log := setupTurnLog(t, WithWindow(4))

	for i := range 6 {
		if err := log.AppendTurn(ctx, "s1", conversations.RoleUser, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("AppendTurn returned error: %v", err)
		}
	}
	if mr.Exists(defaultKeyPrefix + "s1") {
		t.Fatalf("expected appends not to create a partial cache entry")
	}

	turns, err := log.RecentTurns(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}
	if len(turns) != 3 || turns[0].Content != "turn 3" || turns[2].Content != "turn 5" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if backing.reads != 1 {
		t.Fatalf("expected one backing read, got %d", backing.reads)
	}

	cached, err := mr.List(defaultKeyPrefix + "s1")
	if err != nil || len(cached) != 4 {
		t.Fatalf("expected 4 cached entries, got %d (err %v)", len(cached), err)
	}

	if _, err := log.RecentTurns(ctx, "s1", 4); err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}
	if backing.reads != 1 {
		t.Fatalf("expected cached read, backing was read %d times", backing.reads)
	}
}

func TestAppendExtendsAndTrimsCachedWindow(t *testing.T) {
	ctx := context.Background()
	mr, backing, log := setupTurnLog(t, WithWindow(3))

	_ = log.AppendTurn(ctx, "s1", conversations.RoleUser, "hello")
	if _, err := log.RecentTurns(ctx, "s1", 3); err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}

	_ = log.AppendTurn(ctx, "s1", conversations.RoleAssistant, "hi there")
	_ = log.AppendTurn(ctx, "s1", conversations.RoleUser, "how are you")
	_ = log.AppendTurn(ctx, "s1", conversations.RoleAssistant, "fine")

	cached, _ := mr.List(defaultKeyPrefix + "s1")
	if len(cached) != 3 {
		t.Fatalf("expected window of 3 cached entries, got %d", len(cached))
	}

	turns, err := log.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "how are you" || turns[1].Role != conversations.RoleAssistant {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if backing.reads != 1 {
		t.Fatalf("expected a single backing read, got %d", backing.reads)
	}
}

func TestRecentTurnsBeyondWindowReadsBacking(t *testing.T) {
	ctx := context.Background()
	_, backing, log := setupTurnLog(t, WithWindow(2))

	for i := range 4 {
		_ = log.AppendTurn(ctx, "s1", conversations.RoleUser, fmt.Sprintf("turn %d", i))
	}
	turns, err := log.RecentTurns(ctx, "s1", 4)
	if err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}
	if len(turns) != 4 || backing.reads != 1 {
		t.Fatalf("expected 4 turns from backing, got %d (reads %d)", len(turns), backing.reads)
	}
}

func TestRedisOutageFallsBackToBacking(t *testing.T) {
	ctx := context.Background()
	mr, backing, log := setupTurnLog(t)
	mr.Close()

	if err := log.AppendTurn(ctx, "s1", conversations.RoleUser, "hello"); err != nil {
		t.Fatalf("expected append to succeed without redis, got %v", err)
	}
	turns, err := log.RecentTurns(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("RecentTurns returned error: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "hello" || backing.reads == 0 {
		t.Fatalf("expected backing read with one turn, got %+v", turns)
	}
}
