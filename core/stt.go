package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
)

// speechToText owns the session's transcription handle.
type speechToText struct {
	client SpeechToText

	mu            sync.Mutex
	transcription speechtotext.Transcription
	closed        bool
}

func (s *speechToText) set(client SpeechToText) {
	if s != nil {
		s.client = client
	}
}

func (s *speechToText) isConfigured() bool {
	return s != nil && s.client != nil
}

func (s *speechToText) start(ctx context.Context, encodingInfo audio.EncodingInfo, onFragment func(speechtotext.Fragment), onError func(error)) error {
	if !s.isConfigured() {
		return fmt.Errorf("speech-to-text: %w", ErrNotConfigured)
	}

	transcription, err := s.client.Transcribe(ctx,
		speechtotext.WithFragmentCallback(onFragment),
		speechtotext.WithErrorCallback(onError),
		speechtotext.WithEncodingInfo(encodingInfo),
	)
	if err != nil {
		return fmt.Errorf("failed to start transcribing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Stopped while the stream was opening.
		_ = transcription.Close()
		return ErrStopped
	}
	s.transcription = transcription
	return nil
}

// sendAudio reports false when no transcription stream is open.
func (s *speechToText) sendAudio(audio []byte) (bool, error) {
	s.mu.Lock()
	transcription := s.transcription
	s.mu.Unlock()

	if transcription == nil {
		return false, nil
	}
	return true, transcription.SendAudio(audio)
}

func (s *speechToText) close() error {
	s.mu.Lock()
	transcription := s.transcription
	s.transcription = nil
	s.closed = true
	s.mu.Unlock()

	if transcription == nil {
		return nil
	}
	if err := transcription.Close(); err != nil {
		return fmt.Errorf("failed to close transcription: %w", err)
	}
	return nil
}
