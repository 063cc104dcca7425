package orchestration

import (
	"context"
	"strings"

	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/llms"
)

const defaultHistoryWindow = 20

// turnLog wraps the session log. Without a configured log the orchestrator
// keeps the session history in memory. Persistence failures never abort a
// turn, they are only logged.
type turnLog struct {
	log    conversations.TurnLog
	window int
}

func (t *turnLog) append(ctx context.Context, sessionID string, role conversations.Role, text string) {
	if err := t.log.AppendTurn(ctx, sessionID, role, text); err != nil {
		logger.Warn("failed to append turn", "session_id", sessionID, "role", string(role), "error", err)
	}
}

// history returns the recent turns as model input with transcript as the
// last user turn.
func (t *turnLog) history(ctx context.Context, sessionID string, transcript string) []llms.Turn {
	recent, err := t.log.RecentTurns(ctx, sessionID, t.window)
	if err != nil {
		logger.Warn("failed to load recent turns", "session_id", sessionID, "error", err)
		recent = nil
	}

	turns := make([]llms.Turn, 0, len(recent)+1)
	for _, turn := range recent {
		switch turn.Role {
		case conversations.RoleUser:
			turns = append(turns, llms.Turn{Role: llms.TurnRoleUser, Content: turn.Content})
		case conversations.RoleAssistant:
			turns = append(turns, llms.Turn{Role: llms.TurnRoleAssistant, Content: turn.Content})
		}
	}

	if n := len(turns); n == 0 || turns[n-1].Role != llms.TurnRoleUser || turns[n-1].Content != transcript {
		turns = append(turns, llms.Turn{Role: llms.TurnRoleUser, Content: transcript})
	}
	return turns
}

func composeInstructions(base string, session conversations.SessionContext) string {
	if session.Profile == nil || strings.TrimSpace(session.Profile.Instructions) == "" {
		return base
	}
	if base == "" {
		return session.Profile.Instructions
	}
	return base + "\n\n" + session.Profile.Instructions
}
