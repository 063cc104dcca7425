package llms

type StreamingPromptOptions struct {
	Instructions    string
	Turns           []Turn
	Temperature     *float64
	MaxOutputTokens int
}

type StreamingPromptOption func(*StreamingPromptOptions)

// WithInstructions sets the system instructions for the prompt.
// Repeating this option will overwrite the previous instructions.
func WithInstructions(instructions string) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.Instructions = instructions
	}
}

// WithTurns adds conversation history to the prompt. Repeating this option
// will sequentially add more turns.
func WithTurns(turns ...Turn) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.Turns = append(opts.Turns, turns...)
	}
}

func WithTemperature(temperature float64) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		opts.Temperature = &temperature
	}
}

func WithMaxOutputTokens(tokens int) StreamingPromptOption {
	return func(opts *StreamingPromptOptions) {
		if tokens > 0 {
			opts.MaxOutputTokens = tokens
		}
	}
}

func NewStreamingPromptOptions(opts ...StreamingPromptOption) StreamingPromptOptions {
	options := StreamingPromptOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
