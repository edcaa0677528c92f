package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ricardoadorno/automacao/pkg/engine"
	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps/builtin"
)

var (
	runOut      string
	runFrom     int
	runTo       int
	runSteps    string
	runSets     []string
	runResume   string
	runCacheDir string
	runNoCache  bool
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Execute a plan and record the run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Validation failures abort before any run directory exists.
	p, errs := plan.ValidateFile(args[0])
	if err := reportValidation(cmd.ErrOrStderr(), errs); err != nil {
		return err
	}

	include, err := parseStepList(runSteps)
	if err != nil {
		return err
	}
	overrides, err := parseSets(runSets)
	if err != nil {
		return err
	}

	opts := engine.Options{
		From:      runFrom,
		To:        runTo,
		Include:   include,
		Overrides: overrides,
		CacheDir:  cfg.CacheDir,
		NoCache:   runNoCache,
		Logger:    logger,
		Stdout:    cmd.OutOrStdout(),
	}
	if runCacheDir != "" {
		opts.CacheDir = runCacheDir
	}
	if cfg.TraceSigningKey != "" {
		opts.TraceKey = []byte(cfg.TraceSigningKey)
	}
	if runResume != "" {
		resumed, prev, err := engine.ResumeContext(runResume)
		if err != nil {
			return err
		}
		opts.Resume = resumed
		if !cmd.Flags().Changed("from") {
			opts.From = engine.NextPosition(prev)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resuming from run %s at step %d/%d\n", prev.RunID, max(opts.From, 1), len(p.Steps))
	}

	out := cfg.OutDir
	if cmd.Flags().Changed("out") {
		out = runOut
	}

	opts.Executors = builtin.New(cfg, logger)
	summary, err := engine.Execute(context.Background(), p, out, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary, terminalWidth()))
	if !summary.Passed() {
		return fmt.Errorf("run %s failed: %d of %d attempts failed", summary.RunID, summary.Stats.Fail, summary.Stats.Total)
	}
	return nil
}

// parseStepList parses "1,3,5" and ranges such as "2-4" into plan positions.
func parseStepList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || a < 1 {
			return nil, fmt.Errorf("invalid --steps entry %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, fmt.Errorf("invalid --steps range %q", part)
			}
		}
		for i := a; i <= b; i++ {
			out = append(out, i)
		}
	}
	return out, nil
}

// parseSets parses repeated key=value flags.
func parseSets(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(sets))
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringVar(&runOut, "out", "runs", "Output root for run directories (env AUTOMACAO_OUT_DIR)")
	runCmd.Flags().IntVar(&runFrom, "from", 0, "First step to run (1-based)")
	runCmd.Flags().IntVar(&runTo, "to", 0, "Last step to run (1-based, inclusive)")
	runCmd.Flags().StringVar(&runSteps, "steps", "", "Only run these steps, e.g. 1,3,5 or 2-4")
	runCmd.Flags().StringArrayVar(&runSets, "set", nil, "Override a context value (key=value), repeatable")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Run directory whose final context seeds this run")
	runCmd.Flags().StringVar(&runCacheDir, "cache-dir", "", "Cache root (overrides the plan and AUTOMACAO_CACHE_DIR)")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Run every step even when a cache entry exists")

	rootCmd.AddCommand(runCmd)
}
