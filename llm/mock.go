package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ModelMock is the model name reported by MockProvider.
const ModelMock = "mock-echo"

// MockProvider is an offline provider. By default it echoes the latest user
// message together with the number of user turns it has seen, which makes
// conversation continuity visible without network access.
type MockProvider struct {
	model string

	mu    sync.Mutex
	calls [][]ChatMessage
	// Respond, when set, replaces the echo behavior.
	Respond func(messages []ChatMessage) (string, error)
}

// NewMockProvider creates a mock provider. An empty model uses ModelMock.
func NewMockProvider(model string) *MockProvider {
	if model == "" {
		model = ModelMock
	}
	return &MockProvider{model: model}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Model() string { return p.model }

func (p *MockProvider) Chat(ctx context.Context, messages []ChatMessage, opts GenerateOptions) (LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return LLMResponse{}, err
	}

	copied := make([]ChatMessage, len(messages))
	copy(copied, messages)
	p.mu.Lock()
	p.calls = append(p.calls, copied)
	respond := p.Respond
	p.mu.Unlock()

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	var (
		content string
		err     error
	)
	if respond != nil {
		content, err = respond(copied)
		if err != nil {
			return LLMResponse{}, err
		}
	} else {
		content = echoReply(copied)
	}

	prompt := countWords(copied)
	completion := uint32(len(strings.Fields(content)))
	return LLMResponse{
		Content: content,
		Model:   model,
		Usage: &TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// Calls returns the message lists received so far, oldest first.
func (p *MockProvider) Calls() [][]ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]ChatMessage, len(p.calls))
	copy(out, p.calls)
	return out
}

func echoReply(messages []ChatMessage) string {
	turns := 0
	last := ""
	for _, m := range messages {
		if m.Role == RoleUser {
			turns++
			last = m.Content
		}
	}
	return fmt.Sprintf("You said: %s (turn %d)", last, turns)
}

func countWords(messages []ChatMessage) uint32 {
	var n uint32
	for _, m := range messages {
		n += uint32(len(strings.Fields(m.Content)))
	}
	return n
}

var _ Provider = (*MockProvider)(nil)
