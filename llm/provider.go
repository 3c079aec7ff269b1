// Package llm provides LLM provider abstractions.
//
// LLM Provider interface - the abstract interface for LLM providers.
// Each provider implementation hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Provider-specific error handling

package llm

import (
	"context"
)

// Provider defines the abstract interface for LLM providers.
// Implementations hide provider-specific details while exposing
// a consistent interface for chat completions.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the default model being used.
	Model() string

	// Chat sends a chat completion request. Errors are returned raw;
	// callers classify them with ClassifyError.
	Chat(ctx context.Context, messages []ChatMessage, opts GenerateOptions) (LLMResponse, error)
}
