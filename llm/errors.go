package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// ErrorKind categorizes a failed generation.
type ErrorKind string

const (
	ErrorKindRateLimit     ErrorKind = "rate_limit"
	ErrorKindAuth          ErrorKind = "auth"
	ErrorKindContextLength ErrorKind = "context_length"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// GenerationError is a classified provider failure.
type GenerationError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Provider == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return e.Provider + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ClassifyError wraps err in a GenerationError. SDK error types are checked
// first; message sniffing is the fallback for wrapped or foreign errors.
func ClassifyError(provider string, err error) *GenerationError {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	return &GenerationError{Kind: classifyKind(err), Provider: provider, Err: err}
}

func classifyKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		if isContextLengthCode(oaiErr.Code) {
			return ErrorKindContextLength
		}
		if kind, ok := kindFromStatus(oaiErr.HTTPStatusCode); ok {
			return kind
		}
	}
	var oaiReqErr *openai.RequestError
	if errors.As(err, &oaiReqErr) {
		if kind, ok := kindFromStatus(oaiReqErr.HTTPStatusCode); ok {
			return kind
		}
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		if kind, ok := kindFromStatus(antErr.StatusCode); ok {
			return kind
		}
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		if kind, ok := kindFromStatus(gErr.Code); ok {
			return kind
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return ErrorKindRateLimit
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return ErrorKindAuth
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "maximum context") || strings.Contains(msg, "too many tokens"):
		return ErrorKindContextLength
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}

func kindFromStatus(status int) (ErrorKind, bool) {
	switch status {
	case http.StatusTooManyRequests:
		return ErrorKindRateLimit, true
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorKindAuth, true
	case http.StatusRequestEntityTooLarge:
		return ErrorKindContextLength, true
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrorKindTimeout, true
	}
	return "", false
}

func isContextLengthCode(code any) bool {
	s, ok := code.(string)
	return ok && s == "context_length_exceeded"
}
