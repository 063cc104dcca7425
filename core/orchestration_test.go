package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/conversations"
	events "github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/llms"
)

const testSessionID = "session-1"

type pipelineFixture struct {
	orchestrator *Orchestrator
	stt          *speechToTextStub
	llm          *streamingLLMStub
	tts          *textToSpeechStub
	turnLog      *turnLogStub
	events       *eventRecorder
	metrics      *metricsStub
}

func newPipelineFixture(t *testing.T, llm *streamingLLMStub, opts ...OrchestratorOption) *pipelineFixture {
	t.Helper()

	fixture := &pipelineFixture{
		stt:     newSpeechToTextStub(),
		llm:     llm,
		tts:     &textToSpeechStub{},
		turnLog: newTurnLogStub(),
		events:  &eventRecorder{},
		metrics: &metricsStub{},
	}
	fixture.orchestrator = NewOrchestrator(append([]OrchestratorOption{
		WithSpeechToTextClient(fixture.stt),
		WithStreamingLLM(fixture.llm),
		WithTextToSpeechClient(fixture.tts),
		WithTurnLog(fixture.turnLog),
		WithEventHandler(fixture.events.handle),
		WithMetrics(fixture.metrics),
		WithInstructions("You are a supportive companion."),
	}, opts...)...)
	t.Cleanup(func() {
		fixture.orchestrator.Stop()
		fixture.orchestrator.wait()
	})
	return fixture
}

func (f *pipelineFixture) start(t *testing.T) {
	t.Helper()
	err := f.orchestrator.Start(context.Background(), conversations.SessionContext{
		SessionID: testSessionID,
		UserID:    "user-1",
		Profile:   &conversations.Profile{UserID: "user-1", Instructions: "Call me Sam."},
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if state := f.orchestrator.State(); state != StateListening {
		t.Fatalf("expected listening after start, got %s", state)
	}
}

func TestFragmentsProduceSpokenReply(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{
		deltas: []string{"I hear ", "you. Let's ", "breathe together."},
	}))
	fixture.start(t)

	fixture.stt.fragment("I feel", false)
	fixture.stt.fragment("I feel anxious today.", true)

	waitForCondition(t, 2*time.Second, "turn completion", func() bool {
		return fixture.events.count(events.KindTurnCompleted) == 1
	})

	var interim, final, segments []string
	var frames []string
	var completed string
	for _, event := range fixture.events.snapshot() {
		switch event := event.(type) {
		case events.UserTranscriptInterim:
			interim = append(interim, event.Transcript)
		case events.UserTranscriptFinal:
			final = append(final, event.Transcript)
		case events.AssistantResponseSegment:
			segments = append(segments, event.Segment)
		case events.AssistantSpeechFrame:
			frames = append(frames, string(event.Audio))
		case events.TurnCompleted:
			completed = event.Response
		}
	}

	if len(interim) != 1 || interim[0] != "I feel" {
		t.Fatalf("expected one interim transcript, got %v", interim)
	}
	if len(final) != 1 || final[0] != "I feel anxious today." {
		t.Fatalf("expected one final transcript, got %v", final)
	}
	if strings.Join(segments, "") != "I hear you. Let's breathe together." || len(segments) != 3 {
		t.Fatalf("expected every delta as a segment, got %q", segments)
	}
	expectedSentences := []string{"I hear you.", "Let's breathe together."}
	if spoken := fixture.tts.spoken(); strings.Join(spoken, "|") != strings.Join(expectedSentences, "|") {
		t.Fatalf("expected sentences %q to be synthesized, got %q", expectedSentences, spoken)
	}
	if strings.Join(frames, "|") != strings.Join(expectedSentences, "|") {
		t.Fatalf("expected audio in sentence order, got %q", frames)
	}

	var emitted strings.Builder
	for _, event := range fixture.events.snapshot() {
		switch event := event.(type) {
		case events.AssistantResponseSegment:
			emitted.WriteString(event.Segment)
		case events.AssistantSpeechFrame:
			sentence := strings.Join(expectedSentences[:event.Sentence+1], " ")
			if !strings.HasPrefix(emitted.String(), sentence) {
				t.Fatalf("audio for sentence %d arrived after only %q was shown", event.Sentence, emitted.String())
			}
		}
	}
	if completed != "I hear you. Let's breathe together." {
		t.Fatalf("expected full reply on completion, got %q", completed)
	}

	turns := fixture.turnLog.snapshot(testSessionID)
	if len(turns) != 2 || turns[0].Role != conversations.RoleUser || turns[1].Role != conversations.RoleAssistant {
		t.Fatalf("expected user then assistant turn, got %+v", turns)
	}
	if turns[1].Content != completed {
		t.Fatalf("expected assistant turn to hold the reply, got %q", turns[1].Content)
	}

	prompt := fixture.llm.prompt(0)
	if last := prompt.Turns[len(prompt.Turns)-1]; last.Role != llms.TurnRoleUser || last.Content != "I feel anxious today." {
		t.Fatalf("expected transcript as the last user turn, got %+v", prompt.Turns)
	}
	if !strings.Contains(prompt.Instructions, "supportive companion") || !strings.Contains(prompt.Instructions, "Call me Sam.") {
		t.Fatalf("expected base and profile instructions, got %q", prompt.Instructions)
	}

	waitForCondition(t, time.Second, "listening state", func() bool {
		return fixture.orchestrator.State() == StateListening
	})
	if len(fixture.metrics.latency) != 1 {
		t.Fatalf("expected time to first audio to be observed once, got %v", fixture.metrics.latency)
	}
}

func TestFinalTranscriptWhileGeneratingIsDropped(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{deltas: []string{"Thinking"}, block: true}))
	fixture.start(t)

	fixture.stt.fragment("First question.", true)
	waitForCondition(t, time.Second, "first completion", func() bool {
		return fixture.llm.calls() == 1
	})

	fixture.stt.fragment("Second question.", true)
	fixture.stt.fragment("Third question.", true)

	if calls := fixture.llm.calls(); calls != 1 {
		t.Fatalf("expected a single completion, got %d", calls)
	}
	if count := fixture.events.count(events.KindUserTranscriptFinal); count != 3 {
		t.Fatalf("expected every final transcript to be reported, got %d", count)
	}
	fixture.metrics.mu.Lock()
	dropped := fixture.metrics.dropped
	fixture.metrics.mu.Unlock()
	if dropped != 2 {
		t.Fatalf("expected two dropped finals, got %d", dropped)
	}
	if state := fixture.orchestrator.State(); state != StateGenerating {
		t.Fatalf("expected to keep generating, got %s", state)
	}
}

func TestSynthesisFailureSkipsOnlyThatSentence(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{
		deltas: []string{"One. ", "Two. ", "Three."},
	}))
	fixture.tts.failOn = map[string]bool{"Two.": true}
	fixture.start(t)

	fixture.stt.fragment("Count for me.", true)
	waitForCondition(t, 2*time.Second, "turn completion", func() bool {
		return fixture.events.count(events.KindTurnCompleted) == 1
	})

	var frames []string
	for _, event := range fixture.events.snapshot() {
		if frame, ok := event.(events.AssistantSpeechFrame); ok {
			frames = append(frames, string(frame.Audio))
		}
	}
	if strings.Join(frames, "|") != "One.|Three." {
		t.Fatalf("expected the failing sentence to be skipped, got %q", frames)
	}

	failures := fixture.events.stageFailures()
	if len(failures) != 1 || failures[0].Stage != string(StageSynthesis) || failures[0].Fatal {
		t.Fatalf("expected one non-fatal synthesis failure, got %+v", failures)
	}

	turns := fixture.turnLog.snapshot(testSessionID)
	if len(turns) != 2 || turns[1].Content != "One. Two. Three." {
		t.Fatalf("expected the full reply to be logged, got %+v", turns)
	}
}

func TestSentenceIsSpokenBeforeCompletionContinues(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{
		deltas: []string{"One. ", "Two. ", "Three."},
	}))
	release := make(chan struct{})
	fixture.tts.hold = map[string]chan struct{}{"One.": release}
	fixture.start(t)

	fixture.stt.fragment("Count slowly.", true)
	waitForCondition(t, time.Second, "first sentence synthesis", func() bool {
		return len(fixture.tts.spoken()) == 1
	})
	time.Sleep(50 * time.Millisecond)

	if count := fixture.events.count(events.KindAssistantResponseSegment); count != 1 {
		t.Fatalf("expected completion to wait for the first sentence, got %d segments", count)
	}
	if spoken := fixture.tts.spoken(); len(spoken) != 1 {
		t.Fatalf("expected one synthesis at a time, got %q", spoken)
	}

	close(release)
	waitForCondition(t, 2*time.Second, "turn completion", func() bool {
		return fixture.events.count(events.KindTurnCompleted) == 1
	})

	var order []string
	for _, event := range fixture.events.snapshot() {
		switch event := event.(type) {
		case events.AssistantResponseSegment:
			order = append(order, "text:"+event.Segment)
		case events.AssistantSpeechFrame:
			order = append(order, "audio:"+string(event.Audio))
		}
	}
	expected := []string{"text:One. ", "audio:One.", "text:Two. ", "audio:Two.", "text:Three.", "audio:Three."}
	if strings.Join(order, "|") != strings.Join(expected, "|") {
		t.Fatalf("expected text and audio to alternate per sentence, got %q", order)
	}
}

func TestSynthesisPanicIsReportedAsSynthesisFailure(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{
		deltas: []string{"One. ", "Two. ", "Three."},
	}))
	fixture.tts.panicOn = map[string]bool{"Two.": true}
	fixture.start(t)

	fixture.stt.fragment("Count for me.", true)
	waitForCondition(t, 2*time.Second, "turn completion", func() bool {
		return fixture.events.count(events.KindTurnCompleted) == 1
	})

	failures := fixture.events.stageFailures()
	if len(failures) != 1 || failures[0].Stage != string(StageSynthesis) || failures[0].Fatal {
		t.Fatalf("expected one non-fatal synthesis failure, got %+v", failures)
	}

	var frames []string
	for _, event := range fixture.events.snapshot() {
		if frame, ok := event.(events.AssistantSpeechFrame); ok {
			frames = append(frames, string(frame.Audio))
		}
	}
	if strings.Join(frames, "|") != "One.|Three." {
		t.Fatalf("expected only the crashed sentence to be skipped, got %q", frames)
	}
}

func TestFinalTranscriptAfterStopIsNotCountedAsDropped(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.start(t)

	fixture.orchestrator.Stop()
	fixture.stt.fragment("Anyone there?", true)

	fixture.metrics.mu.Lock()
	dropped := fixture.metrics.dropped
	fixture.metrics.mu.Unlock()
	if dropped != 0 {
		t.Fatalf("expected no dropped finals after stop, got %d", dropped)
	}
	if calls := fixture.llm.calls(); calls != 0 {
		t.Fatalf("expected no completion after stop, got %d", calls)
	}
	if state := fixture.orchestrator.State(); state != StateIdle {
		t.Fatalf("expected idle after stop, got %s", state)
	}
}

func TestCompletionFailureReturnsToListening(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(
		scriptedStream{deltas: []string{"Partial"}, err: errors.New("upstream reset")},
		scriptedStream{deltas: []string{"Recovered."}},
	))
	fixture.start(t)

	fixture.stt.fragment("Hello?", true)
	waitForCondition(t, 2*time.Second, "completion failure", func() bool {
		return len(fixture.events.stageFailures()) == 1
	})
	waitForCondition(t, time.Second, "listening state", func() bool {
		return fixture.orchestrator.State() == StateListening
	})

	failure := fixture.events.stageFailures()[0]
	if failure.Stage != string(StageCompletion) || failure.Fatal {
		t.Fatalf("expected non-fatal completion failure, got %+v", failure)
	}
	if count := fixture.events.count(events.KindTurnCompleted); count != 0 {
		t.Fatalf("expected no completion event, got %d", count)
	}
	if turns := fixture.turnLog.snapshot(testSessionID); len(turns) != 1 || turns[0].Role != conversations.RoleUser {
		t.Fatalf("expected only the user turn to be logged, got %+v", turns)
	}

	fixture.stt.fragment("Are you there?", true)
	waitForCondition(t, 2*time.Second, "second turn", func() bool {
		return fixture.events.count(events.KindTurnCompleted) == 1
	})
	if calls := fixture.llm.calls(); calls != 2 {
		t.Fatalf("expected a second completion, got %d", calls)
	}
}

func TestCompletionTimeoutIsReported(t *testing.T) {
	fixture := newPipelineFixture(t,
		newStreamingLLMStub(scriptedStream{block: true}),
		WithTimeouts(Timeouts{Completion: 30 * time.Millisecond}),
	)
	fixture.start(t)

	fixture.stt.fragment("Take your time.", true)
	waitForCondition(t, 2*time.Second, "timeout failure", func() bool {
		return len(fixture.events.stageFailures()) == 1
	})

	failure := fixture.events.stageFailures()[0]
	if failure.Stage != string(StageCompletion) || failure.Message != "response generation timed out" {
		t.Fatalf("expected completion timeout, got %+v", failure)
	}
}

func TestEmptyFinalTranscriptIsDiscarded(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.start(t)

	fixture.stt.fragment("   ", true)
	fixture.stt.fragment("", false)

	if events := fixture.events.snapshot(); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if calls := fixture.llm.calls(); calls != 0 {
		t.Fatalf("expected no completion, got %d", calls)
	}
	if state := fixture.orchestrator.State(); state != StateListening {
		t.Fatalf("expected to keep listening, got %s", state)
	}
}

func TestTranscriptionErrorStopsPipeline(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.start(t)

	fixture.stt.fail(errors.New("vendor closed"))

	failures := fixture.events.stageFailures()
	if len(failures) != 1 || failures[0].Stage != string(StageTranscription) || !failures[0].Fatal {
		t.Fatalf("expected a fatal transcription failure, got %+v", failures)
	}
	if state := fixture.orchestrator.State(); state != StateIdle {
		t.Fatalf("expected idle after fatal failure, got %s", state)
	}
	if closed := fixture.stt.transcription.closeCount(); closed != 1 {
		t.Fatalf("expected transcription to be closed once, got %d", closed)
	}

	fixture.stt.fail(errors.New("late error"))
	if failures := fixture.events.stageFailures(); len(failures) != 1 {
		t.Fatalf("expected errors after stop to be ignored, got %+v", failures)
	}
}

func TestSendAudioErrorIsFatal(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.start(t)
	fixture.stt.transcription.sendErr = errors.New("broken pipe")

	fixture.orchestrator.IngestAudio([]byte{1, 2})

	if state := fixture.orchestrator.State(); state != StateIdle {
		t.Fatalf("expected idle after send failure, got %s", state)
	}
	if failures := fixture.events.stageFailures(); len(failures) != 1 || !failures[0].Fatal {
		t.Fatalf("expected a fatal transcription failure, got %+v", failures)
	}
}

func TestStartFailureLeavesPipelineIdle(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.stt.err = errors.New("dial refused")

	err := fixture.orchestrator.Start(context.Background(), conversations.SessionContext{SessionID: testSessionID})

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageTranscription || !stageErr.Fatal {
		t.Fatalf("expected fatal transcription stage error, got %v", err)
	}
	if state := fixture.orchestrator.State(); state != StateIdle {
		t.Fatalf("expected idle after failed start, got %s", state)
	}
	if failures := fixture.events.stageFailures(); len(failures) != 1 {
		t.Fatalf("expected the failure to be reported, got %+v", failures)
	}
}

func TestStartRequiresCompletionClient(t *testing.T) {
	o := NewOrchestrator(WithSpeechToTextClient(newSpeechToTextStub()))
	defer o.Stop()

	err := o.Start(context.Background(), conversations.SessionContext{SessionID: testSessionID})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	fixture.start(t)

	if err := fixture.orchestrator.Start(context.Background(), conversations.SessionContext{SessionID: testSessionID}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestIngestAudioForwardsOnlyWhileOpen(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())

	fixture.orchestrator.IngestAudio([]byte{0})
	fixture.start(t)
	fixture.orchestrator.IngestAudio([]byte{1, 2, 3})
	fixture.orchestrator.IngestAudio(nil)

	if count := fixture.stt.transcription.audioCount(); count != 1 {
		t.Fatalf("expected one forwarded chunk, got %d", count)
	}

	fixture.orchestrator.Stop()
	fixture.orchestrator.IngestAudio([]byte{4})
	if count := fixture.stt.transcription.audioCount(); count != 1 {
		t.Fatalf("expected no audio after stop, got %d", count)
	}
}

func TestStopCancelsActiveTurn(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub(scriptedStream{deltas: []string{"Hmm"}, block: true}))
	fixture.start(t)

	fixture.stt.fragment("Tell me a story.", true)
	waitForCondition(t, time.Second, "first segment", func() bool {
		return fixture.events.count(events.KindAssistantResponseSegment) == 1
	})

	fixture.orchestrator.Stop()
	fixture.orchestrator.Stop()

	done := make(chan struct{})
	go func() {
		fixture.orchestrator.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("active turn did not stop")
	}

	if state := fixture.orchestrator.State(); state != StateIdle {
		t.Fatalf("expected idle after stop, got %s", state)
	}
	if count := fixture.events.count(events.KindTurnCompleted); count != 0 {
		t.Fatalf("expected no completion after stop, got %d", count)
	}
	if failures := fixture.events.stageFailures(); len(failures) != 0 {
		t.Fatalf("expected cancellation not to be reported as failure, got %+v", failures)
	}
	if turns := fixture.turnLog.snapshot(testSessionID); len(turns) != 1 {
		t.Fatalf("expected no assistant turn after stop, got %+v", turns)
	}
	if err := fixture.orchestrator.Start(context.Background(), conversations.SessionContext{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped on restart, got %v", err)
	}
}

func TestCancellingStartContextStopsPipeline(t *testing.T) {
	fixture := newPipelineFixture(t, newStreamingLLMStub())
	ctx, cancel := context.WithCancel(context.Background())
	if err := fixture.orchestrator.Start(ctx, conversations.SessionContext{SessionID: testSessionID}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	cancel()
	waitForCondition(t, time.Second, "idle state", func() bool {
		return fixture.orchestrator.State() == StateIdle
	})
}

func TestHistoryEndsWithTranscript(t *testing.T) {
	log := newTurnLogStub()
	history := turnLog{log: log, window: 20}
	ctx := context.Background()

	_ = log.AppendTurn(ctx, testSessionID, conversations.RoleUser, "Earlier question")
	_ = log.AppendTurn(ctx, testSessionID, conversations.RoleAssistant, "Earlier answer")

	turns := history.history(ctx, testSessionID, "New question")
	if len(turns) != 3 || turns[2].Content != "New question" {
		t.Fatalf("expected transcript to be appended, got %+v", turns)
	}

	_ = log.AppendTurn(ctx, testSessionID, conversations.RoleUser, "New question")
	turns = history.history(ctx, testSessionID, "New question")
	if len(turns) != 3 || turns[2].Content != "New question" {
		t.Fatalf("expected logged transcript not to be duplicated, got %+v", turns)
	}

	log.loadErr = errors.New("store down")
	turns = history.history(ctx, testSessionID, "New question")
	if len(turns) != 1 || turns[0].Role != llms.TurnRoleUser {
		t.Fatalf("expected transcript-only history on load failure, got %+v", turns)
	}
}

func TestDefaultTurnLogKeepsSessionHistoryInMemory(t *testing.T) {
	orchestrator := NewOrchestrator(WithHistoryWindow(2))
	memory, ok := orchestrator.turnLog.log.(*conversations.MemoryTurnLog)
	if !ok {
		t.Fatalf("expected in-memory turn log, got %T", orchestrator.turnLog.log)
	}

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		orchestrator.turnLog.append(ctx, testSessionID, conversations.RoleUser, text)
	}
	turns, _ := memory.RecentTurns(ctx, testSessionID, 0)
	if len(turns) != 2 || turns[0].Content != "two" {
		t.Fatalf("expected the window of two newest turns, got %+v", turns)
	}
}
