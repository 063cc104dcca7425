package events

const (
	// KindTurnCompleted identifies successful completion of a turn.
	KindTurnCompleted Kind = "turn_state.completed"
	// KindStageFailed identifies a failure of one pipeline stage.
	KindStageFailed Kind = "turn_state.stage_failed"
)

// TurnCompleted marks the end of a turn and carries the full reply.
type TurnCompleted struct {
	Base
	Response string
}

// NewTurnCompleted creates a turn completed event.
func NewTurnCompleted(response string) TurnCompleted {
	return TurnCompleted{Base: NewBase(KindTurnCompleted), Response: response}
}

// StageFailed reports a stage failure with a human-readable message.
type StageFailed struct {
	Base
	Stage   string
	Message string
	Fatal   bool
}

// NewStageFailed creates a stage failed event.
func NewStageFailed(stage, message string, fatal bool) StageFailed {
	return StageFailed{Base: NewBase(KindStageFailed), Stage: stage, Message: message, Fatal: fatal}
}
