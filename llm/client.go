// Client - adapts a Provider to the conversation generator contract.

package llm

import (
	"context"
	"strings"
)

// Client wraps a Provider. It assembles the prompt from stored history plus
// the new input and classifies provider failures.
type Client struct {
	provider Provider
}

// NewClient creates a new LLM client from a provider.
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// Generate sends history followed by input as a user message. Every error it
// returns is a *GenerationError.
func (c *Client) Generate(ctx context.Context, history []ChatMessage, input string, opts GenerateOptions) (LLMResponse, error) {
	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, UserMessage(input))

	resp, err := c.provider.Chat(ctx, messages, opts)
	if err != nil {
		return LLMResponse{}, ClassifyError(c.provider.Name(), err)
	}
	if strings.TrimSpace(resp.Model) == "" {
		resp.Model = opts.Model
		if resp.Model == "" {
			resp.Model = c.provider.Model()
		}
	}
	return resp, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}
