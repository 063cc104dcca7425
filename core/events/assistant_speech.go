package events

// KindAssistantSpeechFrame identifies synthesized assistant speech audio.
const KindAssistantSpeechFrame Kind = "assistant_speech.frame"

// AssistantSpeechFrame carries a synthesized assistant speech audio frame.
type AssistantSpeechFrame struct {
	Base
	Audio []byte
	// Sentence is the zero-based index of the sentence within the turn.
	Sentence int
}

// NewAssistantSpeechFrame creates an assistant speech audio frame event.
func NewAssistantSpeechFrame(audio []byte, sentence int) AssistantSpeechFrame {
	return AssistantSpeechFrame{Base: NewBase(KindAssistantSpeechFrame), Audio: audio, Sentence: sentence}
}
