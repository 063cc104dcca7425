// Package speechtotext defines the transcription stream contract.
package speechtotext

import (
	"context"

	"github.com/koscakluka/ema-voice/core/audio"
)

// Fragment is one recognizer update. Interim fragments grow as the utterance
// continues; a final fragment carries the full utterance and will not change.
type Fragment struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Transcriber opens live transcription streams.
type Transcriber interface {
	Transcribe(ctx context.Context, opts ...TranscriptionOption) (Transcription, error)
}

// Transcription is an open transcription stream.
//
// Close is idempotent and safe to call on a stream that already failed.
type Transcription interface {
	SendAudio(audio []byte) error
	Close() error
}

type TranscriptionOptions struct {
	// FragmentCallback is called for every interim and final fragment, in
	// recognizer order.
	FragmentCallback func(Fragment)
	// ErrorCallback is called at most once when the stream fails after it
	// was opened. The stream is unusable afterwards.
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionOptions)

func WithFragmentCallback(callback func(Fragment)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.FragmentCallback = callback
	}
}

func WithErrorCallback(callback func(error)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.ErrorCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}
