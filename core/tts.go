package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
)

type textToSpeech struct {
	client TextToSpeech
}

func (t *textToSpeech) set(client TextToSpeech) {
	if t != nil {
		t.client = client
	}
}

func (t *textToSpeech) isConfigured() bool {
	return t != nil && t.client != nil
}

// speak synthesizes one sentence and hands every audio chunk to onAudio in
// production order. It returns once the sentence is fully spoken.
func (t *textToSpeech) speak(ctx context.Context, text string, encodingInfo audio.EncodingInfo, onAudio func([]byte)) error {
	if !t.isConfigured() {
		return nil
	}

	stream, err := t.client.Synthesize(ctx, text, texttospeech.WithEncodingInfo(encodingInfo))
	if err != nil {
		return fmt.Errorf("failed to open synthesis: %w", err)
	}
	defer stream.Close()

	for chunk, err := range stream.Audio(ctx) {
		if err != nil {
			return fmt.Errorf("failed to synthesize: %w", err)
		}
		if len(chunk) > 0 {
			onAudio(chunk)
		}
	}

	return ctx.Err()
}
