package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const writeWait = 5 * time.Second

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)

// Synthesize opens a speak socket for a single piece of text, sends it and
// flushes immediately. The returned stream ends when Deepgram confirms the
// flush.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (texttospeech.SpeechStream, error) {
	ctx, span := tracer.Start(ctx, "open deepgram synthesis")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.voice", string(c.voice)),
		attribute.Int("request.text_length", len(text)),
	)

	options := texttospeech.SynthesisOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(&options)
	}

	fail := func(err error) (texttospeech.SpeechStream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conn, err := c.connectWebsocket(ctx, options.EncodingInfo)
	if err != nil {
		return fail(fmt.Errorf("failed to open websocket: %w", err))
	}

	stream := &speechStream{ws: conn}
	if err := stream.send(speakMessage{Type: "Speak", Text: text}); err != nil {
		_ = stream.Close()
		return fail(fmt.Errorf("failed to send text: %w", err))
	}
	if err := stream.send(flushMsg); err != nil {
		_ = stream.Close()
		return fail(fmt.Errorf("failed to flush text: %w", err))
	}

	return stream, nil
}

func (c *TextToSpeechClient) connectWebsocket(ctx context.Context, encodingInfo audio.EncodingInfo) (*websocket.Conn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}

	switch encodingInfo.Format {
	case audio.EncodingLinear16:
	case audio.EncodingMulaw, audio.EncodingALaw:
		if encodingInfo.SampleRate != 8000 && encodingInfo.SampleRate != 16000 {
			return nil, fmt.Errorf("unsupported sample rate %d for %s", encodingInfo.SampleRate, encodingInfo.Format.Name())
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encodingInfo.Format.Name())
	}

	speakUrl, err := url.Parse(c.baseURL + "/v1/speak")
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}
	urlValues := url.Values{}
	urlValues.Set("encoding", encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	urlValues.Set("model", string(c.voice))
	urlValues.Set("container", "none")
	speakUrl.RawQuery = urlValues.Encode()

	conn, _, err := c.dialer.DialContext(ctx, speakUrl.String(),
		http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

type speechStream struct {
	ws *websocket.Conn
	mu sync.Mutex

	closeOnce sync.Once
	closed    bool
}

func (s *speechStream) Audio(ctx context.Context) func(func([]byte, error) bool) {
	return func(yield func([]byte, error) bool) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-stop:
			}
		}()

		for {
			msgType, msg, err := s.ws.ReadMessage()
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield(nil, ctxErr)
					return
				}
				if s.isClosed() {
					return
				}
				yield(nil, fmt.Errorf("failed to read deepgram speak message: %w", err))
				return
			}

			switch msgType {
			case websocket.BinaryMessage:
				if !yield(msg, nil) {
					return
				}
			case websocket.TextMessage:
				var parsedMsg struct {
					Type        string `json:"type"`
					Description string `json:"description"`
				}
				if err := json.Unmarshal(msg, &parsedMsg); err != nil {
					logger.Warn("failed to unmarshal deepgram speak message", "error", err)
					continue
				}

				switch parsedMsg.Type {
				case "Flushed":
					_ = s.Close()
					return
				case "Warning":
					logger.Warn("deepgram speak warning", "description", parsedMsg.Description)
				case "Error":
					yield(nil, fmt.Errorf("deepgram speak error: %s", parsedMsg.Description))
					return
				}
			}
		}
	}
}

func (s *speechStream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		sendErr := s.send(closeMsg)

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.ws.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close websocket: %w", errors.Join(sendErr, err))
		}
	})
	return closeErr
}

func (s *speechStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *speechStream) send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("websocket connection closed")
	}

	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}
