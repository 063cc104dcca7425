package llms

// Turn is a single utterance in the conversation history sent to the model.
type Turn struct {
	Role TurnRole
	// Content is the prompt in the user's turn and the response in the
	// assistant's turn.
	Content string
}

type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)
