package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	writeWait         = 5 * time.Second
	keepAliveInterval = 5 * time.Second
)

var ErrTranscriptionClosed = errors.New("transcription stream closed")

func (c *TranscriptionClient) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Transcription, error) {
	ctx, span := tracer.Start(ctx, "open deepgram transcription")
	defer span.End()

	options := speechtotext.TranscriptionOptions{
		FragmentCallback: func(speechtotext.Fragment) {},
		ErrorCallback:    func(error) {},
		EncodingInfo:     audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		err = fmt.Errorf("invalid encoding: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Int("request.sample_rate", encoding.SampleRate),
	)

	conn, err := c.connectWebsocket(ctx, *encoding)
	if err != nil {
		err = fmt.Errorf("failed to open websocket: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	t := &transcription{
		conn:      conn,
		options:   options,
		done:      make(chan struct{}),
		lastMsgTs: time.Now(),
	}
	go t.readAndProcessMessages()
	go t.keepAlive()

	return t, nil
}

func (c *TranscriptionClient) connectWebsocket(ctx context.Context, encoding encodingInfo) (*websocket.Conn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}

	listenUrl, err := url.Parse(c.baseURL + "/v1/listen")
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", c.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")
	listenUrl.RawQuery = queryParams.Encode()

	conn, _, err := c.dialer.DialContext(ctx, listenUrl.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

type transcription struct {
	conn    *websocket.Conn
	connMu  sync.Mutex
	options speechtotext.TranscriptionOptions

	// lastMsgTs is guarded by connMu.
	lastMsgTs time.Time

	// Only touched by the read loop.
	accumulatedTranscript string
	confidenceSum         float64
	confidenceCount       int

	closed    atomic.Bool
	closeOnce sync.Once
	failOnce  sync.Once
	done      chan struct{}
}

func (t *transcription) SendAudio(audio []byte) error {
	if t.closed.Load() {
		return ErrTranscriptionClosed
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.lastMsgTs = time.Now()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// Close asks Deepgram to finish the stream and releases the socket without
// waiting for the final results.
func (t *transcription) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)

		t.connMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		writeErr := t.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		t.connMu.Unlock()

		if err := t.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close deepgram websocket: %w", errors.Join(writeErr, err))
		}
	})
	return closeErr
}

func (t *transcription) fail(err error) {
	if t.closed.Load() {
		return
	}
	t.failOnce.Do(func() {
		t.options.ErrorCallback(err)
	})
}

func (t *transcription) readAndProcessMessages() {
	for {
		msgType, msg, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.fail(fmt.Errorf("deepgram closed the transcription stream"))
			} else {
				t.fail(fmt.Errorf("failed to read deepgram websocket message: %w", err))
			}
			_ = t.conn.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			t.processMessage(msg)
		}
	}
}

func (t *transcription) processMessage(msg []byte) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Warn("failed to unmarshal deepgram results", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}
		alternative := msgResp.Channel.Alternatives[0]
		transcript := strings.TrimSpace(alternative.Transcript)

		if msgResp.IsFinal {
			if len(transcript) > 0 {
				t.accumulatedTranscript += " " + transcript
				t.confidenceSum += alternative.Confidence
				t.confidenceCount++
				t.options.FragmentCallback(speechtotext.Fragment{
					Text:       strings.TrimSpace(t.accumulatedTranscript),
					Confidence: alternative.Confidence,
				})
			}
			if msgResp.SpeechFinal {
				t.emitFinal()
			}
			return
		}

		if len(transcript) > 0 {
			t.options.FragmentCallback(speechtotext.Fragment{
				Text:       strings.TrimSpace(t.accumulatedTranscript + " " + transcript),
				Confidence: alternative.Confidence,
			})
		}

	case api.TypeUtteranceEndResponse:
		t.emitFinal()

	case api.TypeSpeechStartedResponse:
		// VAD only, transcripts follow as Results.
	}
}

func (t *transcription) emitFinal() {
	fullTranscript := strings.TrimSpace(t.accumulatedTranscript)
	confidence := 0.0
	if t.confidenceCount > 0 {
		confidence = t.confidenceSum / float64(t.confidenceCount)
	}
	t.accumulatedTranscript = ""
	t.confidenceSum = 0
	t.confidenceCount = 0

	if len(fullTranscript) > 0 {
		t.options.FragmentCallback(speechtotext.Fragment{
			Text:       fullTranscript,
			IsFinal:    true,
			Confidence: confidence,
		})
	}
}

// keepAlive stops Deepgram from closing the stream while the client is
// silent and sends no audio.
func (t *transcription) keepAlive() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.connMu.Lock()
			if time.Since(t.lastMsgTs) >= keepAliveInterval {
				t.lastMsgTs = time.Now()
				_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := t.conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: "KeepAlive"}); err != nil {
					logger.Warn("failed to send deepgram keep alive", "error", err)
				}
			}
			t.connMu.Unlock()
		}
	}
}
