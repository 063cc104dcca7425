package openai

import "github.com/koscakluka/ema-voice/core/llms"

type openAIMessage struct {
	Type    messageType `json:"type"`
	Role    messageRole `json:"role,omitempty"`
	Content string      `json:"content,omitempty"`
}

type messageRole string

const (
	messageRoleDeveloper messageRole = "developer"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type messageType string

const (
	messageTypeMessage messageType = "message"
)

func toOpenAIMessages(instructions string, turns []llms.Turn) []openAIMessage {
	messages := []openAIMessage{}
	if instructions != "" {
		messages = append(messages, openAIMessage{
			Role:    messageRoleDeveloper,
			Type:    messageTypeMessage,
			Content: instructions,
		})
	}

	for _, turn := range turns {
		if turn.Content == "" {
			continue
		}
		msg := openAIMessage{Type: messageTypeMessage, Content: turn.Content}
		switch turn.Role {
		case llms.TurnRoleUser:
			msg.Role = messageRoleUser
		case llms.TurnRoleAssistant:
			msg.Role = messageRoleAssistant
		default:
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}
