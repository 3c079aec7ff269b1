package responses

import (
	"context"
	"time"

	"github.com/richinex/cortex/llm"
	"github.com/richinex/cortex/storage"
)

// Generator produces a reply from stored history plus the new input.
// llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, history []llm.ChatMessage, input string, opts llm.GenerateOptions) (llm.LLMResponse, error)
}

// Request is one call to Create.
type Request struct {
	Input string `json:"input"`
	// PreviousResponseID continues the thread that response belongs to.
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	// Store controls whether this turn can be continued. Nil means true.
	Store *bool `json:"store,omitempty"`
	// Instructions seed a new thread as a system message. Ignored when
	// continuing, so a thread's persona cannot change mid-conversation.
	Instructions string            `json:"instructions,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Model        string            `json:"model,omitempty"`
	Temperature  *float32          `json:"temperature,omitempty"`
	MaxTokens    uint32            `json:"max_tokens,omitempty"`
}

// ShouldStore reports the effective store flag.
func (r Request) ShouldStore() bool {
	return r.Store == nil || *r.Store
}

// Bool returns a pointer to v, for Request.Store.
func Bool(v bool) *bool { return &v }

// Float32 returns a pointer to v, for Request.Temperature.
func Float32(v float32) *float32 { return &v }

// Response is a successful Create result.
type Response struct {
	ID                 string            `json:"id"`
	ThreadID           string            `json:"thread_id"`
	Reply              string            `json:"reply"`
	Model              string            `json:"model,omitempty"`
	Usage              *llm.TokenUsage   `json:"usage,omitempty"`
	Store              bool              `json:"store"`
	CreatedAt          time.Time         `json:"created_at"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Retrieved is the read-only view of a past response.
type Retrieved struct {
	Record storage.ResponseRecord `json:"record"`
	// Latest is the thread's newest checkpoint. Nil for unstored responses
	// and threads without checkpoints.
	Latest *storage.Checkpoint `json:"latest,omitempty"`
}
