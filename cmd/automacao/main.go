package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ricardoadorno/automacao/internal/env"
	"github.com/ricardoadorno/automacao/pkg/plan"
)

// version and commit are set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	// .env is optional and never overrides variables already set.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "automacao",
	Short:         "Declarative plan execution engine",
	Long:          "automacao runs declarative plans of browser, HTTP, SQL, CLI and file steps, with cross-step context, content-addressed caching and an auditable record per run.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig reads process configuration and applies the logging flags on top.
func loadConfig(cmd *cobra.Command) (env.Config, *slog.Logger, error) {
	cfg, err := env.Load()
	if err != nil {
		return env.Config{}, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = strings.ToLower(logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return env.Config{}, nil, err
	}
	return cfg, newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [plan.yaml]",
	Short: "Validate a plan file against the schema and step rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, errs := plan.ValidateFile(args[0])
	if err := reportValidation(cmd.ErrOrStderr(), errs); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d steps)\n", p.Metadata.Feature, len(p.Steps))
	return nil
}

// reportValidation prints warnings and errors and returns an error when any
// finding is not a warning.
func reportValidation(w io.Writer, errs []*plan.ValidationError) error {
	var failures []*plan.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "    at: %s\n", e.Path)
			}
			continue
		}
		failures = append(failures, e)
	}
	if len(failures) == 0 {
		return nil
	}
	fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(failures))
	for i, e := range failures {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "     at: %s\n", e.Path)
		}
	}
	return fmt.Errorf("validation failed with %d error(s)", len(failures))
}

// --- schema ---

var schemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the plan JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := plan.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		data = append(data, '\n')
		if schemaOut == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(schemaOut, data, 0o644); err != nil {
			return fmt.Errorf("write schema: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Schema written to %s\n", schemaOut)
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "automacao %s (build: %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error (env AUTOMACAO_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json (env AUTOMACAO_LOG_FORMAT)")

	schemaCmd.Flags().StringVar(&schemaOut, "out", "", "Write the schema to this file instead of stdout")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}
