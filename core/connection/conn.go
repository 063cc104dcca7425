package connection

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/events"
)

const writeWait = 10 * time.Second

type frame struct {
	messageType int
	data        []byte

	// closeCode ends the writer after every frame queued before it was sent.
	closeCode   int
	closeReason string
}

// conn is one accepted client connection bound to a session pipeline.
// Only the writer goroutine writes data frames; control frames go through
// WriteControl, which gorilla allows concurrently.
type conn struct {
	id        string
	sessionID string
	ws        *websocket.Conn
	manager   *Manager
	pipeline  Pipeline

	outbound chan frame
	done     chan struct{}
	// writerDone is closed when the writer goroutine returns.
	writerDone chan struct{}

	// alive is cleared by every heartbeat probe and set again by a pong.
	alive     atomic.Bool
	closing   atomic.Bool
	errorSent atomic.Bool
	opened    atomic.Bool

	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newConn(m *Manager, ws *websocket.Conn, sessionID string) *conn {
	c := &conn{
		id:         uuid.NewString(),
		sessionID:  sessionID,
		ws:         ws,
		manager:    m,
		outbound:   make(chan frame, m.outboundQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// handleEvent is the pipeline event handler of the connection.
func (c *conn) handleEvent(event events.Event) {
	msg, ok := outboundFor(event)
	if !ok {
		return
	}
	c.sendMessage(msg)
}

func (c *conn) sendMessage(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to encode outbound message", "session_id", c.sessionID, "type", msg.Type, "error", err)
		return
	}
	if c.enqueue(frame{messageType: websocket.TextMessage, data: data}) && msg.Type == OutboundError {
		c.errorSent.Store(true)
	}
}

// enqueue never blocks. Frames are dropped when the queue is full or the
// connection is closing.
func (c *conn) enqueue(f frame) bool {
	if c.closing.Load() {
		c.manager.metrics.OutboundEventDropped()
		return false
	}
	select {
	case c.outbound <- f:
		return true
	default:
		c.manager.metrics.OutboundEventDropped()
		logger.Warn("outbound queue full, dropping message", "session_id", c.sessionID, "connection_id", c.id)
		return false
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.outbound:
			if f.closeCode != 0 {
				c.close(f.closeCode, f.closeReason)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				logger.Warn("failed to write to client", "session_id", c.sessionID, "connection_id", c.id, "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeAfterFlush closes the connection once the frames queued so far are
// written. It closes immediately when the queue has no room.
func (c *conn) closeAfterFlush(code int, reason string) {
	select {
	case c.outbound <- frame{closeCode: code, closeReason: reason}:
		c.closing.Store(true)
	default:
		c.close(code, reason)
	}
}

// close sends a close frame with code and closes the transport. Only the
// first call has an effect.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			message := websocket.FormatCloseMessage(code, reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait)); err != nil {
				logger.Debug("failed to send close frame", "session_id", c.sessionID, "error", err)
			}
		}
		_ = c.ws.Close()
	})
}

// readLoop dispatches inbound frames until the transport fails or closes.
func (c *conn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !c.closing.Load() {
				logger.Info("client connection lost", "session_id", c.sessionID, "connection_id", c.id, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.pipeline.IngestAudio(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *conn) handleText(data []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("protocol error: malformed message", "session_id", c.sessionID, "error", err)
		return
	}

	switch msg.Type {
	case InboundAudioData:
		audio, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			logger.Warn("protocol error: audio data is not base64", "session_id", c.sessionID, "error", err)
			return
		}
		c.pipeline.IngestAudio(audio)
	case InboundPing:
		c.sendMessage(OutboundMessage{Type: OutboundPong})
	case InboundStartRecording:
		logger.Info("client started recording", "session_id", c.sessionID)
	case InboundStopRecording:
		logger.Info("client stopped recording", "session_id", c.sessionID)
	default:
		logger.Warn("protocol error: unknown message type", "session_id", c.sessionID, "type", msg.Type)
	}
}

// ping sends a liveness probe. It reports false when the connection missed
// the previous probe and should be terminated.
func (c *conn) ping() bool {
	if !c.alive.Swap(false) {
		return false
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		logger.Debug("failed to send heartbeat ping", "session_id", c.sessionID, "error", err)
	}
	return true
}

// teardown stops the pipeline, deregisters the connection and closes the
// transport with code. Only the first call has an effect.
func (c *conn) teardown(code int, reason string) {
	c.teardownOnce.Do(func() {
		if c.pipeline != nil {
			c.pipeline.Stop()
		}
		c.manager.deregister(c)
		c.close(code, reason)
		if c.opened.Load() {
			c.manager.metrics.SessionClosed()
		}
	})
}
