package orchestration

import (
	"sync"

	events "github.com/koscakluka/ema-voice/core/events"
)

type EventHandler func(events.Event)

// eventEmitter serializes handler calls. The pipeline emits from the
// transcription callback and from the turn goroutine.
type eventEmitter struct {
	mu      sync.Mutex
	handler EventHandler
}

func (e *eventEmitter) emit(event events.Event) {
	if e.handler == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler(event)
}
