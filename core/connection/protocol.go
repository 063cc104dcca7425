package connection

import (
	"encoding/base64"

	"github.com/koscakluka/ema-voice/core/events"
)

type InboundType string

const (
	InboundAudioData      InboundType = "AUDIO_DATA"
	InboundStartRecording InboundType = "START_RECORDING"
	InboundStopRecording  InboundType = "STOP_RECORDING"
	InboundPing           InboundType = "PING"
)

type OutboundType string

const (
	OutboundTranscript OutboundType = "TRANSCRIPT"
	OutboundAIText     OutboundType = "AI_TEXT"
	OutboundAudioChunk OutboundType = "AUDIO_CHUNK"
	OutboundError      OutboundType = "ERROR"
	OutboundComplete   OutboundType = "COMPLETE"
	OutboundPong       OutboundType = "PONG"
)

// InboundMessage is a text frame sent by the client. Binary frames carry raw
// audio and have no envelope.
type InboundMessage struct {
	Type InboundType `json:"type" jsonschema:"enum=AUDIO_DATA,enum=START_RECORDING,enum=STOP_RECORDING,enum=PING"`
	// Data is base64 encoded audio for AUDIO_DATA.
	Data string `json:"data,omitempty" jsonschema:"contentEncoding=base64"`
}

// OutboundMessage is a text frame sent to the client.
type OutboundMessage struct {
	Type OutboundType `json:"type" jsonschema:"enum=TRANSCRIPT,enum=AI_TEXT,enum=AUDIO_CHUNK,enum=ERROR,enum=COMPLETE,enum=PONG"`
	// Data is transcript text, reply text, base64 audio, an error message or
	// the full reply on COMPLETE.
	Data string `json:"data,omitempty"`
	// IsFinal is set on TRANSCRIPT messages only.
	IsFinal *bool `json:"isFinal,omitempty"`
}

// outboundFor maps a pipeline event to its client message. ok is false for
// events the client protocol does not carry.
func outboundFor(event events.Event) (msg OutboundMessage, ok bool) {
	switch e := event.(type) {
	case events.UserTranscriptInterim:
		isFinal := false
		return OutboundMessage{Type: OutboundTranscript, Data: e.Transcript, IsFinal: &isFinal}, true
	case events.UserTranscriptFinal:
		isFinal := true
		return OutboundMessage{Type: OutboundTranscript, Data: e.Transcript, IsFinal: &isFinal}, true
	case events.AssistantResponseSegment:
		return OutboundMessage{Type: OutboundAIText, Data: e.Segment}, true
	case events.AssistantSpeechFrame:
		return OutboundMessage{Type: OutboundAudioChunk, Data: base64.StdEncoding.EncodeToString(e.Audio)}, true
	case events.TurnCompleted:
		return OutboundMessage{Type: OutboundComplete, Data: e.Response}, true
	case events.StageFailed:
		return OutboundMessage{Type: OutboundError, Data: e.Message}, true
	default:
		return OutboundMessage{}, false
	}
}
