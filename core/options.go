package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

type LLMWithStream interface {
	PromptWithStream(ctx context.Context, opts ...llms.StreamingPromptOption) llms.Stream
}

func WithStreamingLLM(client LLMWithStream) OrchestratorOption {
	return func(o *Orchestrator) {
		o.llm.set(client)
	}
}

type SpeechToText interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Transcription, error)
}

func WithSpeechToTextClient(client SpeechToText) OrchestratorOption {
	return func(o *Orchestrator) {
		o.speechToText.set(client)
	}
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (texttospeech.SpeechStream, error)
}

// WithTextToSpeechClient enables spoken replies. Without it the pipeline only
// streams reply text.
func WithTextToSpeechClient(client TextToSpeech) OrchestratorOption {
	return func(o *Orchestrator) {
		o.textToSpeech.set(client)
	}
}

func WithTurnLog(log conversations.TurnLog) OrchestratorOption {
	return func(o *Orchestrator) {
		o.turnLog.log = log
	}
}

// WithEventHandler sets the receiver of every event the pipeline emits.
// Handlers are never called concurrently and must not block.
func WithEventHandler(handler EventHandler) OrchestratorOption {
	return func(o *Orchestrator) {
		o.emitter.handler = handler
	}
}

// WithHistoryWindow sets how many recent turns are sent to the model.
func WithHistoryWindow(turns int) OrchestratorOption {
	return func(o *Orchestrator) {
		if turns > 0 {
			o.turnLog.window = turns
		}
	}
}

// WithInstructions sets the base system instructions. Profile instructions
// of the session are appended to them.
func WithInstructions(instructions string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.instructions = instructions
	}
}

type Timeouts struct {
	// Open bounds opening the transcription stream.
	Open time.Duration
	// Completion bounds the whole completion stream of a turn.
	Completion time.Duration
	// Synthesis bounds the synthesis of a single sentence.
	Synthesis time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:       10 * time.Second,
		Completion: 30 * time.Second,
		Synthesis:  15 * time.Second,
	}
}

// WithTimeouts overrides the stage timeouts. Zero values keep the defaults.
func WithTimeouts(timeouts Timeouts) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeouts.Open > 0 {
			o.timeouts.Open = timeouts.Open
		}
		if timeouts.Completion > 0 {
			o.timeouts.Completion = timeouts.Completion
		}
		if timeouts.Synthesis > 0 {
			o.timeouts.Synthesis = timeouts.Synthesis
		}
	}
}

// Metrics receives pipeline measurements. It is satisfied by
// metrics.Collector.
type Metrics interface {
	TurnFinished(outcome string)
	FinalTranscriptDropped()
	StageFailed(stage string)
	ObserveTimeToFirstAudio(time.Duration)
}

func WithMetrics(metrics Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithEncodingInfo sets the encoding of both inbound and synthesized audio.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) OrchestratorOption {
	return func(o *Orchestrator) {
		if !encodingInfo.IsZero() {
			o.encodingInfo = encodingInfo
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) TurnFinished(string)                   {}
func (noopMetrics) FinalTranscriptDropped()               {}
func (noopMetrics) StageFailed(string)                    {}
func (noopMetrics) ObserveTimeToFirstAudio(time.Duration) {}
