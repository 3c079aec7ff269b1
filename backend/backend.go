// Package backend chooses the persistence engine from deployment configuration
// and opens the connections each storage component needs.
//
// Information Hiding:
// - Connection-string grammar and connection-pooler detection
// - Serverless environment detection
// - Which adapter pair backs which engine

package backend

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultPath is the embedded database file used when no path is configured.
const DefaultPath = "conversations.db"

// ephemeralSignals are environment variables set by serverless platforms,
// where the local filesystem does not survive between invocations.
var ephemeralSignals = []string{
	"VERCEL",
	"AWS_LAMBDA_FUNCTION_NAME",
	"FUNCTIONS_WORKER_RUNTIME",
	"AZURE_FUNCTIONS_ENVIRONMENT",
	"NETLIFY",
	"RENDER",
}

// Kind identifies the persistence engine.
type Kind int

const (
	// KindEmbedded is a single-file SQLite database.
	KindEmbedded Kind = iota
	// KindRelational is a PostgreSQL server, possibly behind a pooler.
	KindRelational
	// KindEphemeral is process memory. Nothing survives a restart.
	KindEphemeral
)

func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindRelational:
		return "relational"
	case KindEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// PoolMode says how connections reach a relational server.
type PoolMode int

const (
	// PoolDirect is a direct or session-mode connection.
	PoolDirect PoolMode = iota
	// PoolTransaction is a transaction-mode pooler that does not pin sessions,
	// so prepared statements cannot be reused across transactions.
	PoolTransaction
)

func (m PoolMode) String() string {
	if m == PoolTransaction {
		return "transaction"
	}
	return "direct"
}

// ClassifyPooling detects transaction-mode poolers from the connection URL.
func ClassifyPooling(u *url.URL) PoolMode {
	if u == nil {
		return PoolDirect
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "pooler.supabase.com"):
		return PoolTransaction
	case strings.Contains(host, "pgbouncer"):
		return PoolTransaction
	case u.Port() == "6543":
		return PoolTransaction
	case strings.EqualFold(u.Query().Get("pgbouncer"), "true"):
		return PoolTransaction
	}
	return PoolDirect
}

// Options is the deployment configuration the selector reads.
type Options struct {
	// URL is the database connection string. Empty selects a local engine.
	URL string
	// Path is the embedded database file. Empty uses DefaultPath.
	Path string
	// RequireDurable turns the ephemeral fallback into a configuration error.
	RequireDurable bool
	// MaxConns caps each relational pool. Zero keeps the driver default.
	MaxConns int
	// Env looks up environment variables. Nil uses os.Getenv.
	Env func(string) string
}

// Plan is the outcome of Select: which engine to open and how to tune it.
type Plan struct {
	Kind Kind
	// DSN is the relational connection string with client-only hints removed.
	DSN string
	// Path is the embedded database file.
	Path     string
	PoolMode PoolMode
	MaxConns int32
	// Signal names the environment variable that forced the ephemeral store.
	Signal string
}

// Redacted renders the plan's target without credentials, for logs.
func (p Plan) Redacted() string {
	switch p.Kind {
	case KindEmbedded:
		return "sqlite:" + p.Path
	case KindEphemeral:
		return "memory"
	case KindRelational:
		u, err := url.Parse(p.DSN)
		if err != nil {
			return "postgres:(unparseable)"
		}
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.Redacted()
	}
	return ""
}

// ConfigError reports a connection string or deployment combination the
// selector cannot serve. It never includes credentials.
type ConfigError struct {
	Scheme string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Scheme != "" {
		return fmt.Sprintf("backend: unsupported database url scheme %q: %s", e.Scheme, e.Reason)
	}
	return "backend: " + e.Reason
}

// Select applies the selection rules in order: ephemeral platform without a
// URL, embedded file without a URL, postgres URL, otherwise a ConfigError.
func Select(opts Options) (Plan, error) {
	env := opts.Env
	if env == nil {
		env = os.Getenv
	}

	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		if sig := ephemeralSignal(env); sig != "" {
			if opts.RequireDurable {
				return Plan{}, &ConfigError{Reason: "durable storage required but no database url is set on an ephemeral platform (" + sig + ")"}
			}
			log.Warn().
				Str("signal", sig).
				Msg("backend: ephemeral platform detected without DATABASE_URL; conversations will not persist across invocations")
			return Plan{Kind: KindEphemeral, Signal: sig}, nil
		}
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			path = DefaultPath
		}
		return Plan{Kind: KindEmbedded, Path: path}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		// url.Error echoes the input, which may carry a password.
		return Plan{}, &ConfigError{Reason: "database url could not be parsed"}
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "postgres", "postgresql":
	case "":
		return Plan{}, &ConfigError{Reason: "database url has no scheme; expected postgres:// or postgresql://"}
	default:
		return Plan{}, &ConfigError{Scheme: scheme, Reason: "expected postgres:// or postgresql://"}
	}
	// A host may also come from the query string, which is how unix socket
	// directories are written.
	if u.Hostname() == "" && strings.TrimSpace(u.Query().Get("host")) == "" {
		return Plan{}, &ConfigError{Reason: "database url has no host"}
	}

	plan := Plan{
		Kind:     KindRelational,
		PoolMode: ClassifyPooling(u),
	}
	if opts.MaxConns > 0 {
		plan.MaxConns = int32(opts.MaxConns)
	}
	q := u.Query()
	if q.Has("pgbouncer") {
		q.Del("pgbouncer")
		u.RawQuery = q.Encode()
	}
	plan.DSN = u.String()
	return plan, nil
}

func ephemeralSignal(env func(string) string) string {
	for _, name := range ephemeralSignals {
		if strings.TrimSpace(env(name)) != "" {
			return name
		}
	}
	return ""
}
