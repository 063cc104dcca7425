package orchestration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	events "github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/sentences"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	turnOutcomeCompleted = "completed"
	turnOutcomeFailed    = "failed"
	turnOutcomeCancelled = "cancelled"
)

// runTurn generates and speaks the reply to one final transcript. Every
// sentence is fully synthesized inside the delta callback, so the completion
// stream is not read again until that sentence's audio has been emitted.
func (o *Orchestrator) runTurn(ctx context.Context, session conversations.SessionContext, transcript string, receivedAt time.Time) {
	ctx, span := tracer.Start(ctx, "voice turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", session.SessionID),
		attribute.Int("turn.transcript_length", len(transcript)),
	)

	o.turnLog.append(ctx, session.SessionID, conversations.RoleUser, transcript)
	history := o.turnLog.history(ctx, session.SessionID, transcript)
	instructions := composeInstructions(o.instructions, session)

	var reply strings.Builder
	spoken := 0
	heard := false
	speak := func(text string) {
		o.speakSentence(ctx, session.SessionID, text, spoken, func() {
			if heard {
				return
			}
			heard = true
			latency := time.Since(receivedAt)
			span.SetAttributes(attribute.Float64("turn.time_to_first_audio", latency.Seconds()))
			o.metrics.ObserveTimeToFirstAudio(latency)
		})
		spoken++
	}

	err := panicSafeNamedWorker("completion", func() error {
		completionCtx, cancel := context.WithTimeout(ctx, o.timeouts.Completion)
		defer cancel()

		segmenter := sentences.New()
		err := o.llm.stream(completionCtx, instructions, history, func(delta string) bool {
			reply.WriteString(delta)
			o.emitter.emit(events.NewAssistantResponseSegment(delta))
			for _, sentence := range segmenter.Push(delta) {
				speak(sentence.Text)
				if ctx.Err() != nil {
					return false
				}
			}
			return true
		})
		if err != nil {
			return &StageError{Stage: StageCompletion, Err: contextErrOr(ctx, err)}
		}

		if sentence, ok := segmenter.Flush(); ok {
			speak(sentence.Text)
		}
		return nil
	})()

	switch {
	case ctx.Err() != nil:
		span.AddEvent("turn cancelled")
		o.metrics.TurnFinished(turnOutcomeCancelled)
		o.finishTurn()
		return

	case err != nil:
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: StageCompletion, Err: err}
		}
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, stageErr.Error())
		o.reportStageError(stageErr)
		o.metrics.TurnFinished(turnOutcomeFailed)
		o.finishTurn()
		return
	}

	response := reply.String()
	if strings.TrimSpace(response) != "" {
		o.turnLog.append(ctx, session.SessionID, conversations.RoleAssistant, response)
	}

	o.finishTurn()
	o.metrics.TurnFinished(turnOutcomeCompleted)
	o.emitter.emit(events.NewTurnCompleted(response))
}

func (o *Orchestrator) speakSentence(ctx context.Context, sessionID string, text string, index int, onFirstAudio func()) {
	ctx, span := tracer.Start(ctx, "speak sentence")
	defer span.End()
	span.SetAttributes(attribute.Int("sentence.index", index))

	synthesisCtx, cancel := context.WithTimeout(ctx, o.timeouts.Synthesis)
	defer cancel()

	err := panicSafeNamedWorker("synthesis", func() error {
		return o.textToSpeech.speak(synthesisCtx, text, o.encodingInfo, func(audio []byte) {
			onFirstAudio()
			o.emitter.emit(events.NewAssistantSpeechFrame(audio, index))
		})
	})()
	if err == nil || ctx.Err() != nil {
		return
	}

	stageErr := &StageError{Stage: StageSynthesis, Err: err}
	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())
	logger.Warn("skipping sentence after synthesis failure",
		"session_id", sessionID, "sentence", index)
	o.reportStageError(stageErr)
}
