package orchestration

import (
	"errors"
	"fmt"
)

type Stage string

const (
	StageTranscription Stage = "transcription"
	StageCompletion    Stage = "completion"
	StageSynthesis     Stage = "synthesis"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrStopped        = errors.New("orchestrator stopped")
	ErrNotConfigured  = errors.New("orchestrator client not configured")
)

// StageError is a failure of one pipeline stage. Fatal stage errors stop the
// whole session pipeline.
type StageError struct {
	Stage Stage
	Fatal bool
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
