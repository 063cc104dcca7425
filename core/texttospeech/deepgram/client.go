package deepgram

import (
	"fmt"
	"slices"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const (
	scopeName      = "github.com/koscakluka/ema-voice/core/texttospeech/deepgram"
	defaultBaseURL = "wss://api.deepgram.com"
)

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

// TextToSpeechClient synthesizes sentences through the Deepgram speak
// websocket. It holds no per-request state and is shared between sessions.
type TextToSpeechClient struct {
	apiKey  string
	baseURL string
	voice   Voice
	dialer  *websocket.Dialer
}

type ClientOption func(*TextToSpeechClient)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *TextToSpeechClient) { c.baseURL = baseURL }
}

func WithVoice(voice Voice) ClientOption {
	return func(c *TextToSpeechClient) {
		if voice != "" {
			c.voice = voice
		}
	}
}

func NewTextToSpeechClient(apiKey string, opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		voice:   defaultVoice,
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}

	if !slices.Contains(GetAvailableVoices(), client.voice) {
		return nil, fmt.Errorf("invalid voice %q", client.voice)
	}

	return client, nil
}
