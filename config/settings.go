// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific model lookup

package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Settings holds all application configuration.
type Settings struct {
	Storage StorageConfig
	Persist PersistConfig
	LLM     LLMConfig
	Log     LogConfig
}

// StorageConfig selects the conversation backend.
type StorageConfig struct {
	// DatabaseURL, when set, selects the relational backend.
	DatabaseURL string
	// Path is the embedded database file used when DatabaseURL is empty.
	Path           string
	RequireDurable bool
	// MaxConns caps each relational pool.
	MaxConns int
}

// PersistConfig is the checkpoint write retry policy.
type PersistConfig struct {
	Attempts int
	// Backoff is the pause between attempts. An explicit zero
	// (CORTEX_PERSIST_BACKOFF=0) retries immediately.
	Backoff time.Duration
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	MaxTokens   uint32
	Temperature float64
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string
}

// Defaults applied when the matching variable is unset.
const (
	DefaultDBPath          = "conversations.db"
	DefaultDBMaxConns      = 4
	DefaultPersistAttempts = 3
	DefaultPersistBackoff  = 200 * time.Millisecond
	DefaultProvider        = "mock"
	DefaultMaxTokens       = 4096
	DefaultTemperature     = 0.7
	DefaultLogLevel        = "info"
)

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-5.2", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-v3.2", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-3-flash", "GEMINI_API_KEY"},
	"mock":      {"MOCK_MODEL", "mock-echo", ""},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
	"echo":   "mock",
}

// New loads settings from the environment. Returns an error if the provider
// is unknown or a variable holds an invalid value.
func New() (Settings, error) {
	provider := os.Getenv("CORTEX_PROVIDER")
	if strings.TrimSpace(provider) == "" {
		provider = DefaultProvider
	}
	provider = normalizeProvider(provider)
	if _, err := getProviderInfo(provider); err != nil {
		return Settings{}, err
	}

	requireDurable, err := getEnvBool("CORTEX_REQUIRE_DURABLE", false)
	if err != nil {
		return Settings{}, err
	}
	maxConns, err := getEnvInt("CORTEX_DB_MAX_CONNS", DefaultDBMaxConns)
	if err != nil {
		return Settings{}, err
	}
	if maxConns < 1 {
		return Settings{}, errors.Errorf("invalid value for CORTEX_DB_MAX_CONNS: %d: must be at least 1", maxConns)
	}
	attempts, err := getEnvInt("CORTEX_PERSIST_ATTEMPTS", DefaultPersistAttempts)
	if err != nil {
		return Settings{}, err
	}
	if attempts < 1 {
		return Settings{}, errors.Errorf("invalid value for CORTEX_PERSIST_ATTEMPTS: %d: must be at least 1", attempts)
	}
	backoff, err := getEnvDuration("CORTEX_PERSIST_BACKOFF", DefaultPersistBackoff)
	if err != nil {
		return Settings{}, err
	}
	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", DefaultMaxTokens)
	if err != nil {
		return Settings{}, err
	}
	temperature, err := getEnvFloat64("LLM_TEMPERATURE", DefaultTemperature)
	if err != nil {
		return Settings{}, err
	}

	model := os.Getenv("CORTEX_MODEL")
	if model == "" {
		model, _ = ModelFor(provider)
	}

	path := os.Getenv("CORTEX_DB_PATH")
	if path == "" {
		path = DefaultDBPath
	}
	level := strings.ToLower(os.Getenv("CORTEX_LOG_LEVEL"))
	if level == "" {
		level = DefaultLogLevel
	}

	return Settings{
		Storage: StorageConfig{
			DatabaseURL:    os.Getenv("DATABASE_URL"),
			Path:           path,
			RequireDurable: requireDurable,
			MaxConns:       maxConns,
		},
		Persist: PersistConfig{
			Attempts: attempts,
			Backoff:  backoff,
		},
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Log: LogConfig{Level: level},
	}, nil
}

// MustNew loads settings and panics on error.
// Use this only when configuration errors should be fatal.
func MustNew() Settings {
	settings, err := New()
	if err != nil {
		panic("config: " + err.Error())
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, errors.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
// The mock provider needs none.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}
	if info.apiKeyEnv == "" {
		return "", nil
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", errors.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the supported provider names, sorted.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for %s: %q", key, val)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for %s: %q", key, val)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for %s: %q", key, val)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value for %s: %q", key, val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for %s: %q", key, val)
	}
	if d < 0 {
		return 0, errors.Errorf("invalid value for %s: %q: must not be negative", key, val)
	}
	return d, nil
}

// WithProvider switches the provider and recomputes the model. CORTEX_MODEL
// still wins when set.
func (s *Settings) WithProvider(provider string) error {
	provider = normalizeProvider(provider)
	model, err := ModelFor(provider)
	if err != nil {
		return err
	}
	if override := os.Getenv("CORTEX_MODEL"); override != "" {
		model = override
	}
	s.LLM.Provider = provider
	s.LLM.Model = model
	return nil
}
