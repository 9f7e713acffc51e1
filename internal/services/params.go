package services

import (
	"github.com/arqam66/chatbot-openai/internal/models"
)

// LLMParameters holds optional sampling parameters shared by the providers. A nil field leaves the
// provider default untouched.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// withSystemPrompt returns the history the model receives: the fixed instruction first, followed by
// the caller's messages in order.
func withSystemPrompt(systemPrompt string, messages []models.Message) []models.Message {
	msgs := make([]models.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, models.Message{
			Role:    models.RoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		// Empty assistant placeholders carry nothing the model can use.
		if msg.Role == models.RoleAssistant && msg.Content == "" {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
