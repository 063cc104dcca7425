package llms

import "context"

// StreamingLLM opens a completion stream for the given history.
// Implementations are shared between sessions and must be safe for
// concurrent use.
type StreamingLLM interface {
	PromptWithStream(ctx context.Context, opts ...StreamingPromptOption) Stream
}

// Stream is a lazily opened completion. Nothing is sent to the vendor until
// Chunks is iterated; open failures are yielded as the first error. Breaking
// out of the loop releases the underlying response.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// QueueTime represents the time it took to queue the request.
	//
	// Note: This might be just an approximation.
	QueueTime float64
	// TotalTime represents the total time it took to complete the request.
	//
	// Note: This might be just an approximation.
	TotalTime float64
}

// ContentChunk is the default StreamContentChunk implementation used by the
// vendor adapters.
type ContentChunk struct {
	Text   string
	Finish *string
}

func (c ContentChunk) FinishReason() *string { return c.Finish }
func (c ContentChunk) Content() string       { return c.Text }

type UsageChunk struct {
	Stats  Usage
	Finish *string
}

func (c UsageChunk) FinishReason() *string { return c.Finish }
func (c UsageChunk) Usage() Usage          { return c.Stats }
