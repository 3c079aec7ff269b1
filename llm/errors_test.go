package llm

import (
	"context"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"openai rate limit", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}, ErrorKindRateLimit},
		{"openai auth", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}, ErrorKindAuth},
		{"openai context length code", &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Code: "context_length_exceeded"}, ErrorKindContextLength},
		{"openai request error", &openai.RequestError{HTTPStatusCode: http.StatusForbidden, Err: errors.New("forbidden")}, ErrorKindAuth},
		{"anthropic rate limit", &anthropic.Error{StatusCode: http.StatusTooManyRequests}, ErrorKindRateLimit},
		{"genai auth", genai.APIError{Code: http.StatusForbidden, Message: "denied"}, ErrorKindAuth},
		{"wrapped sdk error", errors.Wrap(&openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, "chat completion failed"), ErrorKindRateLimit},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "chat completion failed"), ErrorKindTimeout},
		{"message rate limit", errors.New("Rate limit reached for requests"), ErrorKindRateLimit},
		{"message api key", errors.New("Incorrect API key provided"), ErrorKindAuth},
		{"message context", errors.New("This model's maximum context length is 8192 tokens"), ErrorKindContextLength},
		{"unknown", errors.New("boom"), ErrorKindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ge := ClassifyError("openai", tc.err)
			require.NotNil(t, ge)
			require.Equal(t, tc.want, ge.Kind)
			require.Equal(t, "openai", ge.Provider)
			require.Equal(t, tc.err, ge.Err)
		})
	}
}

func TestClassifyErrorKeepsExistingClassification(t *testing.T) {
	orig := &GenerationError{Kind: ErrorKindAuth, Provider: "anthropic", Err: errors.New("x")}
	got := ClassifyError("openai", errors.Wrap(orig, "outer"))
	require.Same(t, orig, got)
}

func TestClassifyErrorNil(t *testing.T) {
	require.Nil(t, ClassifyError("openai", nil))
}
