// Package connection hosts the client-facing websocket of a voice session:
// it authenticates the caller, binds one pipeline per session, relays audio
// and events, and keeps the connection alive with a heartbeat.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/auth"
	"github.com/koscakluka/ema-voice/core/conversations"
	"github.com/koscakluka/ema-voice/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline is the per-session voice pipeline driven by a connection.
//
// Stop must be idempotent and must not wait for in-flight work.
type Pipeline interface {
	Start(ctx context.Context, session conversations.SessionContext) error
	IngestAudio(audio []byte)
	Stop()
}

// PipelineFactory creates the pipeline of an accepted session. Every event
// the pipeline emits must be passed to handler.
type PipelineFactory interface {
	NewPipeline(session conversations.SessionContext, handler func(events.Event)) (Pipeline, error)
}

type PipelineFactoryFunc func(session conversations.SessionContext, handler func(events.Event)) (Pipeline, error)

func (f PipelineFactoryFunc) NewPipeline(session conversations.SessionContext, handler func(events.Event)) (Pipeline, error) {
	return f(session, handler)
}

type Metrics interface {
	SessionOpened()
	SessionClosed()
	ConnectionRejected(reason string)
	OutboundEventDropped()
	HeartbeatTerminated()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()            {}
func (noopMetrics) SessionClosed()            {}
func (noopMetrics) ConnectionRejected(string) {}
func (noopMetrics) OutboundEventDropped()     {}
func (noopMetrics) HeartbeatTerminated()      {}

// Manager accepts voice connections and owns the registry of live ones.
type Manager struct {
	verifier auth.Verifier
	sessions conversations.SessionStore
	profiles conversations.ProfileStore
	factory  PipelineFactory
	metrics  Metrics

	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	outboundQueueSize int
	readLimit         int64

	// ctx bounds every pipeline started by the manager.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conns        map[string]*conn
	shuttingDown bool
	handlers     sync.WaitGroup

	stopHeartbeat     chan struct{}
	stopHeartbeatOnce sync.Once
}

type ManagerOption func(*Manager)

func WithProfileStore(profiles conversations.ProfileStore) ManagerOption {
	return func(m *Manager) { m.profiles = profiles }
}

func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

func WithHeartbeatInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
	}
}

// WithOutboundQueueSize bounds the messages buffered per connection before
// new ones are dropped.
func WithOutboundQueueSize(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.outboundQueueSize = size
		}
	}
}

func WithReadLimit(limit int64) ManagerOption {
	return func(m *Manager) {
		if limit > 0 {
			m.readLimit = limit
		}
	}
}

// WithCheckOrigin overrides the origin policy of the websocket upgrade.
func WithCheckOrigin(check func(r *http.Request) bool) ManagerOption {
	return func(m *Manager) { m.upgrader.CheckOrigin = check }
}

func NewManager(verifier auth.Verifier, sessions conversations.SessionStore, factory PipelineFactory, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		verifier:          verifier,
		sessions:          sessions,
		factory:           factory,
		metrics:           noopMetrics{},
		upgrader:          websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		heartbeatInterval: defaultHeartbeatInterval,
		outboundQueueSize: 256,
		readLimit:         1 << 20,
		ctx:               ctx,
		cancel:            cancel,
		conns:             map[string]*conn{},
		stopHeartbeat:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ServeHTTP upgrades the request and serves the voice connection until it
// closes. The session id is read from the sessionID path value.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.Accept(w, r)
}

func (m *Manager) Accept(w http.ResponseWriter, r *http.Request) {
	// Handlers are only added before Shutdown starts waiting for them.
	m.mu.Lock()
	shuttingDown := m.shuttingDown
	if !shuttingDown {
		m.handlers.Add(1)
	}
	m.mu.Unlock()
	if !shuttingDown {
		defer m.handlers.Done()
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade voice connection", "error", err)
		return
	}
	ws.SetReadLimit(m.readLimit)

	if shuttingDown {
		m.reject(ws, r.PathValue("sessionID"), ErrShuttingDown)
		return
	}

	ctx, span := tracer.Start(r.Context(), "accept voice connection")
	session, err := m.resolve(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		m.reject(ws, session.SessionID, err)
		return
	}
	span.SetAttributes(attribute.String("session.id", session.SessionID), attribute.String("user.id", session.UserID))

	c := newConn(m, ws, session.SessionID)
	pipeline, err := m.factory.NewPipeline(session, c.handleEvent)
	if err != nil {
		err = fmt.Errorf("%w: failed to create pipeline: %w", ErrInternal, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		m.reject(ws, session.SessionID, err)
		return
	}
	c.pipeline = pipeline

	if err := m.register(c); err != nil {
		span.End()
		m.reject(ws, session.SessionID, err)
		return
	}

	go c.writeLoop()

	pipelineCtx := trace.ContextWithSpanContext(m.ctx, span.SpanContext())
	if err := pipeline.Start(pipelineCtx, session); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		logger.Error("failed to start voice pipeline", "session_id", session.SessionID, "error", err)

		pipeline.Stop()
		m.deregister(c)
		if !c.errorSent.Load() {
			c.sendMessage(OutboundMessage{Type: OutboundError, Data: closeReasonStartFailed})
		}
		c.closeAfterFlush(CloseInternalError, closeReasonStartFailed)
		<-c.writerDone
		return
	}
	span.End()

	c.opened.Store(true)
	m.metrics.SessionOpened()
	logger.Info("voice session connected", "session_id", session.SessionID, "connection_id", c.id)

	c.readLoop()
	c.teardown(CloseNormal, "")
	logger.Info("voice session disconnected", "session_id", session.SessionID, "connection_id", c.id)
}

// resolve authenticates the request and loads its session. The returned
// session context carries the session id even when resolution fails.
func (m *Manager) resolve(ctx context.Context, r *http.Request) (conversations.SessionContext, error) {
	sessionID := r.PathValue("sessionID")
	resolved := conversations.SessionContext{SessionID: sessionID}
	if sessionID == "" {
		return resolved, ErrMissingSessionID
	}

	identity, err := m.verifier.Verify(ctx, Credential(r))
	if err != nil {
		return resolved, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, conversations.ErrNotFound) {
		return resolved, ErrSessionNotFound
	} else if err != nil {
		return resolved, fmt.Errorf("%w: failed to load session: %w", ErrInternal, err)
	}
	if session.UserID != identity.UserID {
		return resolved, ErrForbidden
	}
	if !session.IsActive() {
		return resolved, fmt.Errorf("%w: status %s", ErrSessionNotActive, session.Status)
	}
	resolved.UserID = identity.UserID

	if m.profiles != nil {
		profile, err := m.profiles.GetProfile(ctx, identity.UserID)
		switch {
		case errors.Is(err, conversations.ErrNotFound):
		case err != nil:
			return resolved, fmt.Errorf("%w: failed to load profile: %w", ErrInternal, err)
		default:
			resolved.Profile = profile
		}
	}

	return resolved, nil
}

// Credential returns the token from the token query parameter, or from an
// Authorization bearer header when the query has none.
func Credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// reject reports err to the client with a single ERROR message and closes
// the transport with the matching code.
func (m *Manager) reject(ws *websocket.Conn, sessionID string, err error) {
	rej := rejectionFor(err)
	m.metrics.ConnectionRejected(rej.reason)
	logger.Warn("rejected voice connection", "session_id", sessionID, "reason", rej.reason, "error", err)

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(OutboundMessage{Type: OutboundError, Data: rej.message}); err != nil {
		logger.Debug("failed to send rejection", "session_id", sessionID, "error", err)
	}
	message := websocket.FormatCloseMessage(rej.code, rej.message)
	_ = ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	_ = ws.Close()
}

// register adds c to the registry. A connection already registered for the
// same session is superseded and torn down.
func (m *Manager) register(c *conn) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	previous := m.conns[c.sessionID]
	m.conns[c.sessionID] = c
	m.mu.Unlock()

	if previous != nil {
		logger.Info("superseding voice connection", "session_id", c.sessionID, "connection_id", previous.id)
		previous.teardown(CloseSuperseded, closeReasonSuperseded)
	}
	return nil
}

// deregister removes c unless the session is already served by a newer
// connection.
func (m *Manager) deregister(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.sessionID] == c {
		delete(m.conns, c.sessionID)
	}
}

func (m *Manager) snapshot() []*conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connections reports how many sessions are connected.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown stops the heartbeat, stops every pipeline and then closes every
// connection with the going-away code. It waits for connection handlers to
// return until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	m.stopHeartbeatOnce.Do(func() { close(m.stopHeartbeat) })

	conns := m.snapshot()
	for _, c := range conns {
		c.pipeline.Stop()
	}
	m.cancel()
	for _, c := range conns {
		c.teardown(CloseServerShutdown, closeReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
