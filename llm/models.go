// Package llm provides shared data models for LLM providers.
package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a chat message with role and content.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{
		Role:    RoleAssistant,
		Content: content,
	}
}

// LLMResponse represents a response from an LLM provider.
type LLMResponse struct {
	Content string
	// Model is the model that produced the reply.
	Model string
	Usage *TokenUsage
}

// TokenUsage contains token usage statistics.
type TokenUsage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
	TotalTokens      uint32 `json:"total_tokens"`
}

// GenerateOptions overrides provider defaults for a single call.
// Zero values keep the provider's configuration.
type GenerateOptions struct {
	Model       string
	Temperature *float32
	MaxTokens   uint32
}

func (o GenerateOptions) resolve(model string, maxTokens uint32, temperature float32) (string, uint32, float32) {
	if o.Model != "" {
		model = o.Model
	}
	if o.MaxTokens > 0 {
		maxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		temperature = *o.Temperature
	}
	return model, maxTokens, temperature
}
