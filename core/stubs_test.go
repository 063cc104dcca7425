package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	events "github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
)

func waitForCondition(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type transcriptionStub struct {
	mu      sync.Mutex
	audio   [][]byte
	sendErr error
	closed  int
}

func (t *transcriptionStub) SendAudio(audio []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.audio = append(t.audio, audio)
	return nil
}

func (t *transcriptionStub) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *transcriptionStub) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transcriptionStub) audioCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.audio)
}

type speechToTextStub struct {
	mu            sync.Mutex
	options       speechtotext.TranscriptionOptions
	transcription *transcriptionStub
	err           error
}

func newSpeechToTextStub() *speechToTextStub {
	return &speechToTextStub{transcription: &transcriptionStub{}}
}

func (s *speechToTextStub) Transcribe(_ context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Transcription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, opt := range opts {
		opt(&s.options)
	}
	return s.transcription, nil
}

func (s *speechToTextStub) fragment(text string, isFinal bool) {
	s.mu.Lock()
	callback := s.options.FragmentCallback
	s.mu.Unlock()
	callback(speechtotext.Fragment{Text: text, IsFinal: isFinal, Confidence: 0.9})
}

func (s *speechToTextStub) fail(err error) {
	s.mu.Lock()
	callback := s.options.ErrorCallback
	s.mu.Unlock()
	callback(err)
}

// scriptedStream yields its deltas, then the error if set, then blocks until
// the context is done if block is set.
type scriptedStream struct {
	deltas []string
	err    error
	block  bool
}

func (s scriptedStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		for _, delta := range s.deltas {
			if !yield(llms.ContentChunk{Text: delta}, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		if s.block {
			<-ctx.Done()
			yield(nil, ctx.Err())
			return
		}
		yield(llms.UsageChunk{Stats: llms.Usage{TotalTokens: 7}}, nil)
	}
}

type streamingLLMStub struct {
	mu      sync.Mutex
	prompts []llms.StreamingPromptOptions
	streams []llms.Stream
}

func newStreamingLLMStub(streams ...llms.Stream) *streamingLLMStub {
	return &streamingLLMStub{streams: streams}
}

func (s *streamingLLMStub) PromptWithStream(_ context.Context, opts ...llms.StreamingPromptOption) llms.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, llms.NewStreamingPromptOptions(opts...))
	if len(s.streams) == 0 {
		return scriptedStream{}
	}
	stream := s.streams[0]
	if len(s.streams) > 1 {
		s.streams = s.streams[1:]
	}
	return stream
}

func (s *streamingLLMStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *streamingLLMStub) prompt(i int) llms.StreamingPromptOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

type speechStreamStub struct {
	chunks [][]byte
}

func (s *speechStreamStub) Audio(ctx context.Context) func(func([]byte, error) bool) {
	return func(yield func([]byte, error) bool) {
		for _, chunk := range s.chunks {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (s *speechStreamStub) Close() error { return nil }

// textToSpeechStub speaks every sentence as a single chunk holding the
// sentence text.
// A sentence listed in hold is not synthesized until its channel is closed.
type textToSpeechStub struct {
	mu      sync.Mutex
	texts   []string
	failOn  map[string]bool
	panicOn map[string]bool
	hold    map[string]chan struct{}
}

func (s *textToSpeechStub) Synthesize(ctx context.Context, text string, _ ...texttospeech.SynthesisOption) (texttospeech.SpeechStream, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	release := s.hold[text]
	fail, panics := s.failOn[text], s.panicOn[text]
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("synthesizer crashed")
	}
	if fail {
		return nil, errors.New("synthesis unavailable")
	}
	return &speechStreamStub{chunks: [][]byte{[]byte(text)}}, nil
}

func (s *textToSpeechStub) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type turnLogStub struct {
	mu      sync.Mutex
	turns   map[string][]conversations.Turn
	loadErr error
}

func newTurnLogStub() *turnLogStub {
	return &turnLogStub{turns: map[string][]conversations.Turn{}}
}

func (l *turnLogStub) AppendTurn(_ context.Context, sessionID string, role conversations.Role, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns[sessionID] = append(l.turns[sessionID], conversations.Turn{Role: role, Content: text, CreatedAt: time.Now()})
	return nil
}

func (l *turnLogStub) RecentTurns(_ context.Context, sessionID string, limit int) ([]conversations.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	turns := l.turns[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]conversations.Turn(nil), turns...), nil
}

func (l *turnLogStub) snapshot(sessionID string) []conversations.Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]conversations.Turn(nil), l.turns[sessionID]...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *eventRecorder) count(kind events.Kind) int {
	count := 0
	for _, event := range r.snapshot() {
		if event.Kind() == kind {
			count++
		}
	}
	return count
}

func (r *eventRecorder) stageFailures() []events.StageFailed {
	var failures []events.StageFailed
	for _, event := range r.snapshot() {
		if failed, ok := event.(events.StageFailed); ok {
			failures = append(failures, failed)
		}
	}
	return failures
}

type metricsStub struct {
	mu       sync.Mutex
	outcomes []string
	dropped  int
	stages   []string
	latency  []time.Duration
}

func (m *metricsStub) TurnFinished(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *metricsStub) FinalTranscriptDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *metricsStub) StageFailed(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
}

func (m *metricsStub) ObserveTimeToFirstAudio(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = append(m.latency, d)
}
