// Package orchestration runs the per-session voice pipeline: it forwards
// inbound audio to transcription, reacts to final transcripts with a streamed
// completion, and speaks the reply sentence by sentence.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/conversations"
	events "github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Orchestrator struct {
	speechToText speechToText
	llm          llm
	textToSpeech textToSpeech
	turnLog      turnLog
	emitter      eventEmitter

	instructions string
	timeouts     Timeouts
	metrics      Metrics
	encodingInfo audio.EncodingInfo

	// mu guards the fields below. Every state transition happens under it,
	// which makes the listening to generating switch atomic with respect to
	// fragment arrival.
	mu            sync.Mutex
	state         State
	started       bool
	stopped       bool
	session       conversations.SessionContext
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	cancelTurn    context.CancelFunc

	stopOnce sync.Once
	turns    sync.WaitGroup
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		turnLog:      turnLog{window: defaultHistoryWindow},
		timeouts:     DefaultTimeouts(),
		metrics:      noopMetrics{},
		encodingInfo: audio.GetDefaultEncodingInfo(),
		state:        StateIdle,
	}

	for _, opt := range opts {
		opt(o)
	}
	if o.turnLog.log == nil {
		o.turnLog.log = conversations.NewMemoryTurnLog(o.turnLog.window)
	}

	return o
}

// Start opens the transcription stream for the session and starts listening.
// ctx bounds the whole session, cancelling it has the same effect as Stop.
//
// Start may be called once. A failed Start leaves the pipeline idle.
func (o *Orchestrator) Start(ctx context.Context, session conversations.SessionContext) error {
	ctx, span := tracer.Start(ctx, "start voice pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", session.SessionID))

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.session = session
	// The session context must outlive the start span.
	o.sessionCtx, o.cancelSession = context.WithCancel(context.WithoutCancel(ctx))
	o.state = StateListening
	o.mu.Unlock()

	if err := o.startTranscription(ctx); err != nil {
		stageErr := &StageError{Stage: StageTranscription, Fatal: true, Err: err}
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, stageErr.Error())
		o.reportStageError(stageErr)
		o.Stop()
		return stageErr
	}

	if parentDone := ctx.Done(); parentDone != nil {
		go func() {
			select {
			case <-parentDone:
				o.Stop()
			case <-o.sessionCtx.Done():
			}
		}()
	}

	return nil
}

func (o *Orchestrator) startTranscription(ctx context.Context) error {
	if !o.llm.isConfigured() {
		return fmt.Errorf("completion: %w", ErrNotConfigured)
	}

	openCtx, cancel := context.WithTimeout(ctx, o.timeouts.Open)
	defer cancel()

	return o.speechToText.start(openCtx, o.encodingInfo, o.handleFragment, o.handleTranscriptionError)
}

// IngestAudio forwards a chunk of inbound audio to transcription. It never
// blocks on a reply being generated.
func (o *Orchestrator) IngestAudio(audio []byte) {
	if len(audio) == 0 {
		return
	}

	open, err := o.speechToText.sendAudio(audio)
	if !open {
		logger.Warn("audio received while transcription is not open",
			"session_id", o.sessionID(), "bytes", len(audio))
		return
	}
	if err != nil {
		o.handleTranscriptionError(fmt.Errorf("failed to send audio: %w", err))
	}
}

// Stop cancels the active turn and closes the transcription stream without
// waiting for in-flight vendor calls. Repeated calls are ignored.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.state = StateIdle
		if o.cancelTurn != nil {
			o.cancelTurn()
			o.cancelTurn = nil
		}
		if o.cancelSession != nil {
			o.cancelSession()
		}
		sessionID := o.session.SessionID
		o.mu.Unlock()

		if err := o.speechToText.close(); err != nil {
			logger.Warn("failed to close speech-to-text", "session_id", sessionID, "error", err)
		}
	})
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) sessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.SessionID
}

func (o *Orchestrator) handleFragment(fragment speechtotext.Fragment) {
	if !fragment.IsFinal {
		if strings.TrimSpace(fragment.Text) != "" {
			o.emitter.emit(events.NewUserTranscriptInterim(fragment.Text, fragment.Confidence))
		}
		return
	}

	transcript := strings.TrimSpace(fragment.Text)
	if transcript == "" {
		return
	}
	o.emitter.emit(events.NewUserTranscriptFinal(transcript, fragment.Confidence))

	receivedAt := time.Now()
	o.mu.Lock()
	if o.state != StateListening {
		state := o.state
		sessionID := o.session.SessionID
		o.mu.Unlock()

		if state != StateGenerating {
			logger.Debug("final transcript ignored", "session_id", sessionID, "state", state.String())
			return
		}
		logger.Info("final transcript dropped", "session_id", sessionID, "state", state.String())
		o.metrics.FinalTranscriptDropped()
		return
	}
	o.state = StateGenerating
	turnCtx, cancel := context.WithCancel(o.sessionCtx)
	o.cancelTurn = cancel
	session := o.session
	o.turns.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.turns.Done()
		defer cancel()
		o.runTurn(turnCtx, session, transcript, receivedAt)
	}()
}

func (o *Orchestrator) handleTranscriptionError(err error) {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}

	stageErr := &StageError{Stage: StageTranscription, Fatal: true, Err: err}
	span := trace.SpanFromContext(o.sessionCtx)
	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())
	o.reportStageError(stageErr)
	o.Stop()
}

func (o *Orchestrator) reportStageError(err *StageError) {
	logger.Error("pipeline stage failed",
		"session_id", o.sessionID(),
		"stage", string(err.Stage),
		"fatal", err.Fatal,
		"error", err.Err)
	o.metrics.StageFailed(string(err.Stage))
	o.emitter.emit(events.NewStageFailed(string(err.Stage), stageMessage(err), err.Fatal))
}

// stageMessage is the text shown to the client.
func stageMessage(err *StageError) string {
	switch err.Stage {
	case StageTranscription:
		if errors.Is(err.Err, ErrNotConfigured) {
			return "voice pipeline is not configured"
		}
		return "speech recognition failed"
	case StageCompletion:
		if errors.Is(err.Err, context.DeadlineExceeded) {
			return "response generation timed out"
		}
		return "response generation failed"
	case StageSynthesis:
		return "speech synthesis failed for part of the response"
	}
	return err.Error()
}

// finishTurn returns to listening unless the pipeline was stopped meanwhile.
func (o *Orchestrator) finishTurn() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateGenerating {
		o.state = StateListening
	}
	o.cancelTurn = nil
}

// wait blocks until no turn is running.
func (o *Orchestrator) wait() {
	o.turns.Wait()
}
