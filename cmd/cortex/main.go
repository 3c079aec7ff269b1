// Package main provides the cortex CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/richinex/cortex/cli"
	"github.com/richinex/cortex/config"
	"github.com/richinex/cortex/responses"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	opts     cli.Options
	settings config.Settings
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "Resumable conversations over a stateless response API",
		Long: `Each call returns a response id. Passing it back as --previous continues
the same conversation, even after a restart.

Storage is chosen from the environment:
- DATABASE_URL=postgres://...  relational backend (pooler-aware)
- otherwise                    embedded SQLite file (CORTEX_DB_PATH)
- serverless platform, no URL  in-memory, nothing persists`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			settings, err = cli.LoadSettings(opts)
			if err != nil {
				return err
			}
			return cli.SetupLogging(settings.Log.Level, os.Stderr)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.DatabaseURL, "db-url", "", "Relational database URL (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.DBPath, "db-path", "", "Embedded database file (overrides CORTEX_DB_PATH)")
	rootCmd.PersistentFlags().StringVarP(&opts.Provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini, mock)")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(historyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !isReported(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

// isReported is true for errors already written to stdout as JSON.
func isReported(err error) bool {
	for _, kind := range []responses.ErrorKind{
		responses.KindNotFound,
		responses.KindPersist,
		responses.KindGeneration,
		responses.KindInvalidRequest,
	} {
		if responses.IsKind(err, kind) {
			return true
		}
	}
	return false
}

// withSession opens the backend for the duration of fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *cli.Session) error) error {
	ctx := cmd.Context()
	s, err := cli.Open(ctx, settings)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

func createCmd() *cobra.Command {
	var (
		previous     string
		store        bool
		instructions string
		metadata     []string
		model        string
		temperature  float32
		maxTokens    uint32
	)

	cmd := &cobra.Command{
		Use:   "create [input]",
		Short: "Send one message and print the response as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := cli.ParseMetadata(metadata)
			if err != nil {
				return err
			}
			req := responses.Request{
				Input:              args[0],
				PreviousResponseID: previous,
				Store:              responses.Bool(store),
				Instructions:       instructions,
				Metadata:           md,
				Model:              model,
				MaxTokens:          maxTokens,
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = responses.Float32(temperature)
			}
			return withSession(cmd, func(ctx context.Context, s *cli.Session) error {
				return cli.Create(ctx, s, req, os.Stdout)
			})
		},
	}

	cmd.Flags().StringVar(&previous, "previous", "", "Response id to continue from")
	cmd.Flags().BoolVar(&store, "store", true, "Save this turn so it can be continued")
	cmd.Flags().StringVar(&instructions, "instructions", "", "System instructions for a new conversation")
	cmd.Flags().StringArrayVar(&metadata, "metadata", nil, "key=value metadata (repeatable)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for this request")
	cmd.Flags().Float32Var(&temperature, "temperature", 0, "Sampling temperature (0-2)")
	cmd.Flags().Uint32Var(&maxTokens, "max-tokens", 0, "Maximum reply tokens")

	return cmd
}

func chatCmd() *cobra.Command {
	var previous string
	var instructions string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *cli.Session) error {
				return cli.Chat(ctx, s, previous, instructions, os.Stdin, os.Stdout)
			})
		},
	}

	cmd.Flags().StringVar(&previous, "previous", "", "Response id to resume from")
	cmd.Flags().StringVar(&instructions, "instructions", "", "System instructions for a new conversation")

	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [response_id]",
		Short: "Show which conversation a response belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *cli.Session) error {
				return cli.Resolve(ctx, s, args[0], os.Stdout)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [thread_id]",
		Short: "List the checkpoints of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *cli.Session) error {
				return cli.History(ctx, s, args[0], os.Stdout)
			})
		},
	}
}
