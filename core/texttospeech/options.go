// Package texttospeech defines how the pipeline turns a single sentence into
// audio. Each call produces an independent stream so a failing sentence never
// affects the next one.
package texttospeech

import (
	"context"

	"github.com/koscakluka/ema-voice/core/audio"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts ...SynthesisOption) (SpeechStream, error)
}

// SpeechStream yields the audio for one synthesis request in production order.
type SpeechStream interface {
	// Audio iterates over audio chunks until the vendor signals the end of
	// the request, the context is cancelled, or an error is yielded.
	Audio(ctx context.Context) func(func([]byte, error) bool)
	// Close releases the stream. Repeated calls are ignored.
	Close() error
}

type SynthesisOptions struct {
	EncodingInfo audio.EncodingInfo
}

type SynthesisOption func(*SynthesisOptions)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}

		o.EncodingInfo = encodingInfo
	}
}
