package deepgram

import (
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const (
	scopeName      = "github.com/koscakluka/ema-voice/core/speechtotext/deepgram"
	defaultBaseURL = "wss://api.deepgram.com"
	defaultModel   = "nova-3"
)

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

// TranscriptionClient opens Deepgram live transcription streams. One client
// is shared by all sessions; every Transcribe call opens its own websocket.
type TranscriptionClient struct {
	apiKey   string
	baseURL  string
	model    string
	language string
	dialer   *websocket.Dialer
}

type ClientOption func(*TranscriptionClient)

// WithBaseURL points the client at a different Deepgram compatible host,
// e.g. "ws://127.0.0.1:8080" in tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *TranscriptionClient) { c.baseURL = baseURL }
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithLanguage(language string) ClientOption {
	return func(c *TranscriptionClient) {
		if language != "" {
			c.language = language
		}
	}
}

func NewTranscriptionClient(apiKey string, opts ...ClientOption) *TranscriptionClient {
	client := &TranscriptionClient{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		model:    defaultModel,
		language: "en-US",
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}
