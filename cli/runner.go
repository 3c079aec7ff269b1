// Command execution for CLI commands.
//
// Information Hiding:
// - Settings, backend and provider wiring hidden
// - Output formatting hidden

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/richinex/cortex/backend"
	"github.com/richinex/cortex/config"
	"github.com/richinex/cortex/llm"
	"github.com/richinex/cortex/responses"
	"github.com/rs/zerolog/log"
)

// Options holds flag overrides applied on top of environment settings.
type Options struct {
	DatabaseURL string
	DBPath      string
	Provider    string
	LogLevel    string
}

// LoadSettings reads the environment and applies non-empty flag overrides.
func LoadSettings(opts Options) (config.Settings, error) {
	settings, err := config.New()
	if err != nil {
		return config.Settings{}, err
	}
	if opts.DatabaseURL != "" {
		settings.Storage.DatabaseURL = opts.DatabaseURL
	}
	if opts.DBPath != "" {
		settings.Storage.Path = opts.DBPath
	}
	if opts.Provider != "" {
		if err := settings.WithProvider(opts.Provider); err != nil {
			return config.Settings{}, err
		}
	}
	if opts.LogLevel != "" {
		settings.Log.Level = strings.ToLower(opts.LogLevel)
	}
	return settings, nil
}

// Session is an open backend plus the service running on it.
type Session struct {
	Handle  *backend.Handle
	Service *responses.Service
}

// Close releases the backend.
func (s *Session) Close() error {
	return s.Handle.Close()
}

// Open selects and opens the backend and wires the configured provider.
func Open(ctx context.Context, settings config.Settings) (*Session, error) {
	plan, err := backend.Select(backend.Options{
		URL:            settings.Storage.DatabaseURL,
		Path:           settings.Storage.Path,
		RequireDurable: settings.Storage.RequireDurable,
		MaxConns:       settings.Storage.MaxConns,
	})
	if err != nil {
		return nil, responses.FromConfigError(err)
	}

	provider, err := createProvider(settings.LLM)
	if err != nil {
		return nil, err
	}

	h, err := backend.Open(ctx, plan)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", plan.Redacted())
	}
	svc, err := responses.NewServiceFromHandle(h, llm.NewClient(provider), serviceConfig(settings.Persist))
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Debug().
		Str("backend", plan.Kind.String()).
		Str("target", plan.Redacted()).
		Str("provider", provider.Name()).
		Str("model", provider.Model()).
		Msg("cli: session opened")
	return &Session{Handle: h, Service: svc}, nil
}

// Create runs one request and writes the response as JSON. A failed request
// writes the structured error instead and returns it.
func Create(ctx context.Context, s *Session, req responses.Request, out io.Writer) error {
	resp, err := s.Service.Create(ctx, req)
	if err != nil {
		return writeError(out, err)
	}
	return writeJSON(out, resp)
}

// Chat runs an interactive loop. Each reply's id becomes the next request's
// previous response id, so the conversation survives restarts when resumed
// with --previous.
func Chat(ctx context.Context, s *Session, previousID, instructions string, in io.Reader, out io.Writer) error {
	if previousID != "" {
		fmt.Fprintf(out, "Resuming from %s\n", previousID)
	}
	fmt.Fprintln(out, "Type 'exit' to quit.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		req := responses.Request{Input: input, PreviousResponseID: previousID}
		if previousID == "" {
			req.Instructions = instructions
		}
		resp, err := s.Service.Create(ctx, req)
		if err != nil {
			var re *responses.Error
			if errors.As(err, &re) && re.ResponseID != "" {
				// The reply exists but its checkpoint does not; resume from it.
				previousID = re.ResponseID
			}
			fmt.Fprintf(out, "\nError: %v\n\n", err)
			continue
		}
		previousID = resp.ID
		fmt.Fprintf(out, "\n%s\n\n(%s)\n\n", resp.Reply, resp.ID)
	}

	return scanner.Err()
}

// Resolve prints the tracking record of a response and its latest checkpoint.
func Resolve(ctx context.Context, s *Session, responseID string, out io.Writer) error {
	got, err := s.Service.Retrieve(ctx, responseID)
	if err != nil {
		return writeError(out, err)
	}
	return writeJSON(out, got)
}

// HistoryEntry summarizes one checkpoint.
type HistoryEntry struct {
	CheckpointID       int64  `json:"checkpoint_id"`
	ParentCheckpointID *int64 `json:"parent_checkpoint_id,omitempty"`
	Namespace          string `json:"namespace,omitempty"`
	ResponseID         string `json:"response_id,omitempty"`
	Messages           int    `json:"messages"`
	CreatedAt          string `json:"created_at"`
}

// History lists a thread's checkpoints, oldest first.
func History(ctx context.Context, s *Session, threadID string, out io.Writer) error {
	cps, err := s.Service.History(ctx, threadID)
	if err != nil {
		return writeError(out, err)
	}
	entries := make([]HistoryEntry, 0, len(cps))
	for _, cp := range cps {
		entries = append(entries, HistoryEntry{
			CheckpointID:       cp.CheckpointID,
			ParentCheckpointID: cp.ParentCheckpointID,
			Namespace:          cp.Namespace,
			ResponseID:         cp.Payload.ResponseID,
			Messages:           len(cp.Payload.Messages),
			CreatedAt:          cp.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return writeJSON(out, entries)
}

// ParseMetadata turns repeated key=value flags into a map.
func ParseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Errorf("metadata %q is not key=value", p)
		}
		md[strings.TrimSpace(k)] = v
	}
	return md, nil
}

// serviceConfig maps the retry policy onto the service. The service reads a
// zero backoff as "use the default", so a configured zero is passed as
// NoPersistBackoff.
func serviceConfig(p config.PersistConfig) responses.Config {
	cfg := responses.Config{PersistAttempts: p.Attempts, PersistBackoff: p.Backoff}
	if p.Backoff == 0 {
		cfg.PersistBackoff = responses.NoPersistBackoff
	}
	return cfg
}

func createProvider(cfg config.LLMConfig) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(cfg.Provider)
	if err != nil {
		return nil, err
	}

	return llm.NewProvider(llm.ProviderConfig{
		Type:        providerType,
		APIKey:      apiKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeError(out io.Writer, err error) error {
	var re *responses.Error
	if !errors.As(err, &re) {
		return err
	}
	if werr := writeJSON(out, map[string]*responses.Error{"error": re}); werr != nil {
		return werr
	}
	return err
}
