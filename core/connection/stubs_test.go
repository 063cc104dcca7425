package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/auth"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/events"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type verifierStub struct {
	users map[string]string
}

func (v verifierStub) Verify(_ context.Context, credential string) (auth.Identity, error) {
	userID, ok := v.users[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return auth.Identity{UserID: userID}, nil
}

type sessionStoreStub struct {
	sessions map[string]conversations.Session
	err      error
}

func (s sessionStoreStub) GetSession(_ context.Context, id string) (*conversations.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, conversations.ErrNotFound
	}
	return &session, nil
}

type profileStoreStub struct {
	profiles map[string]conversations.Profile
}

func (s profileStoreStub) GetProfile(_ context.Context, userID string) (*conversations.Profile, error) {
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, conversations.ErrNotFound
	}
	return &profile, nil
}

type pipelineStub struct {
	handler  func(events.Event)
	startErr error

	mu      sync.Mutex
	session conversations.SessionContext
	started bool
	stopped bool
	audio   [][]byte
}

func (p *pipelineStub) Start(_ context.Context, session conversations.SessionContext) error {
	if p.startErr != nil {
		p.handler(events.NewStageFailed("transcription", "speech recognition failed", true))
		return p.startErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
	p.started = true
	return nil
}

func (p *pipelineStub) IngestAudio(audio []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = append(p.audio, append([]byte(nil), audio...))
}

func (p *pipelineStub) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *pipelineStub) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *pipelineStub) receivedAudio() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.audio...)
}

type pipelineFactoryStub struct {
	startErr error

	mu        sync.Mutex
	pipelines []*pipelineStub
}

func (f *pipelineFactoryStub) NewPipeline(_ conversations.SessionContext, handler func(events.Event)) (Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pipeline := &pipelineStub{handler: handler, startErr: f.startErr}
	f.pipelines = append(f.pipelines, pipeline)
	return pipeline, nil
}

func (f *pipelineFactoryStub) pipeline(i int) *pipelineStub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.pipelines) {
		return nil
	}
	return f.pipelines[i]
}

func (f *pipelineFactoryStub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pipelines)
}

type metricsStub struct {
	mu         sync.Mutex
	opened     int
	closed     int
	rejected   []string
	dropped    int
	terminated int
}

func (m *metricsStub) SessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *metricsStub) SessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *metricsStub) ConnectionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *metricsStub) OutboundEventDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *metricsStub) HeartbeatTerminated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated++
}

type managerFixture struct {
	manager *Manager
	factory *pipelineFactoryStub
	metrics *metricsStub
	server  *httptest.Server
}

const voiceRoute = "GET /v1/sessions/{sessionID}/voice"

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()
	fixture := &managerFixture{factory: &pipelineFactoryStub{}, metrics: &metricsStub{}}

	verifier := verifierStub{users: map[string]string{"token-ana": "ana", "token-bo": "bo"}}
	sessions := sessionStoreStub{sessions: map[string]conversations.Session{
		"s-active": {ID: "s-active", UserID: "ana", Status: conversations.SessionStatusActive},
		"s-done":   {ID: "s-done", UserID: "ana", Status: conversations.SessionStatusCompleted},
	}}
	profiles := profileStoreStub{profiles: map[string]conversations.Profile{
		"ana": {UserID: "ana", DisplayName: "Ana", Instructions: "Keep it short."},
	}}

	opts = append([]ManagerOption{WithProfileStore(profiles), WithMetrics(fixture.metrics)}, opts...)
	fixture.manager = NewManager(verifier, sessions, fixture.factory, opts...)

	mux := http.NewServeMux()
	mux.Handle(voiceRoute, fixture.manager)
	fixture.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = fixture.manager.Shutdown(ctx)
		fixture.server.Close()
	})
	return fixture
}

func (f *managerFixture) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// connect dials an accepted session and waits for its pipeline to start.
func (f *managerFixture) connect(t *testing.T) (*websocket.Conn, *pipelineStub) {
	t.Helper()
	before := f.factory.count()
	client := f.dial(t, "/v1/sessions/s-active/voice?token=token-ana", nil)
	waitForCondition(t, time.Second, func() bool {
		pipeline := f.factory.pipeline(before)
		if pipeline == nil {
			return false
		}
		pipeline.mu.Lock()
		defer pipeline.mu.Unlock()
		return pipeline.started
	})
	waitForCondition(t, time.Second, func() bool {
		f.metrics.mu.Lock()
		defer f.metrics.mu.Unlock()
		return f.metrics.opened > before
	})
	return client, f.factory.pipeline(before)
}

func readMessage(t *testing.T, client *websocket.Conn) OutboundMessage {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg OutboundMessage
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func readCloseCode(t *testing.T, client *websocket.Conn) int {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		return closeErr.Code
	}
}
