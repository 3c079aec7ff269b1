// Provider selection by name.

package llm

import (
	"strings"

	"github.com/pkg/errors"
)

// ProviderType names a supported provider.
type ProviderType int

const (
	ProviderOpenAI ProviderType = iota
	ProviderAnthropic
	ProviderDeepSeek
	ProviderGemini
	// ProviderMock is the offline echo provider. It needs no API key.
	ProviderMock
)

func (p ProviderType) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderGemini:
		return "gemini"
	case ProviderMock:
		return "mock"
	default:
		return "unknown"
	}
}

// DefaultModel is used when ProviderConfig.Model is empty.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return "gpt-5.2"
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderDeepSeek:
		return "deepseek-v3.2"
	case ProviderGemini:
		return "gemini-3-flash"
	case ProviderMock:
		return ModelMock
	default:
		return ""
	}
}

// ParseProviderType parses a provider name or alias, ignoring case.
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "gpt":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	case "mock", "echo":
		return ProviderMock, nil
	default:
		return 0, errors.Errorf("unknown provider: %s", s)
	}
}

// ProviderConfig describes the provider behind a Client.
type ProviderConfig struct {
	Type   ProviderType
	APIKey string
	// Model, MaxTokens and Temperature are the per-provider defaults; a
	// request's GenerateOptions override them.
	Model       string
	MaxTokens   uint32
	Temperature float32
}

// NewProvider builds the provider cfg describes. Only the mock provider may
// have an empty key.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	model := cfg.Model
	if model == "" {
		model = cfg.Type.DefaultModel()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	if cfg.Type != ProviderMock && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.Errorf("%s: api key is empty", cfg.Type)
	}

	switch cfg.Type {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, model, maxTokens, cfg.Temperature), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg.APIKey, model, maxTokens, cfg.Temperature), nil
	case ProviderDeepSeek:
		return NewDeepSeekProvider(cfg.APIKey, model, maxTokens, cfg.Temperature), nil
	case ProviderGemini:
		return NewGeminiProvider(cfg.APIKey, model, maxTokens, cfg.Temperature), nil
	case ProviderMock:
		return NewMockProvider(model), nil
	default:
		return nil, errors.Errorf("unknown provider type: %v", cfg.Type)
	}
}
