package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type llm struct {
	client LLMWithStream
}

func (l *llm) set(client LLMWithStream) {
	if l != nil {
		l.client = client
	}
}

func (l *llm) isConfigured() bool {
	return l != nil && l.client != nil
}

// stream feeds every non-empty content delta to onDelta until the stream
// ends. onDelta returning false aborts the stream.
func (l *llm) stream(ctx context.Context, instructions string, turns []llms.Turn, onDelta func(string) bool) error {
	if !l.isConfigured() {
		return fmt.Errorf("completion: %w", ErrNotConfigured)
	}

	span := trace.SpanFromContext(ctx)
	stream := l.client.PromptWithStream(ctx,
		llms.WithInstructions(instructions),
		llms.WithTurns(turns...),
	)

	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			return err
		}

		switch chunk := chunk.(type) {
		case llms.StreamContentChunk:
			if content := chunk.Content(); content != "" {
				if !onDelta(content) {
					return fmt.Errorf("completion aborted: %w", context.Cause(ctx))
				}
			}
		case llms.StreamUsageChunk:
			usage := chunk.Usage()
			span.SetAttributes(
				attribute.Int("completion.input_tokens", usage.InputTokens),
				attribute.Int("completion.output_tokens", usage.OutputTokens),
			)
		}
	}

	return ctx.Err()
}
