// Package engine drives a plan: it builds the run context, expands loops,
// consults the cache, dispatches each attempt to its executor, applies exports
// and records every outcome under a fresh run directory.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ricardoadorno/automacao/pkg/cache"
	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/recorder"
	"github.com/ricardoadorno/automacao/pkg/redact"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/trace"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// Options control one invocation of Execute.
type Options struct {
	// From and To restrict execution to plan positions From..To (1-based,
	// inclusive). Zero means unbounded on that side.
	From, To int
	// Include restricts execution to these plan positions, intersected with
	// the From..To range.
	Include []int

	// Resume seeds the overrides layer with a previous run's final context.
	Resume map[string]string
	// Overrides are applied on top of inputs.overrides and Resume.
	Overrides map[string]any
	// Environ replaces os.Environ as the source of prefixed variables.
	Environ []string

	Executors *steps.Set
	CacheDir  string // overrides the plan's cache directory
	NoCache   bool
	TraceKey  []byte // HMAC key for the trace signature; nil leaves it unsigned

	Logger *slog.Logger
	Stdout io.Writer
	Now    func() time.Time
}

// Execute runs p and writes its record under outDir/<runId>. The returned
// error is reserved for run-level failures (bad selection, unwritable run
// directory or summary); step failures are reported in the summary.
func Execute(ctx context.Context, p *plan.Plan, outDir string, opts Options) (*recorder.RunSummary, error) {
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if opts.Executors == nil {
		return nil, fmt.Errorf("no executors configured")
	}
	selected, err := Select(len(p.Steps), opts.From, opts.To, opts.Include)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}

	// Teardown runs however the run ends, including the early returns below.
	defer func() {
		if err := opts.Executors.Close(); err != nil {
			opts.Logger.Warn("executor teardown failed", "error", err)
		}
	}()

	started := opts.Now()
	rec, err := recorder.Create(outDir, started)
	if err != nil {
		return nil, err
	}
	runID := rec.RunID()
	logger := opts.Logger.With("run", runID)

	runCtx := vars.Build(vars.Layers{
		Defaults:    inputsDefaults(p),
		PlanContext: p.Context,
		Overrides:   overridesLayer(p, opts.Resume, opts.Overrides),
		EnvPrefix:   p.EnvPrefix(),
		Environ:     opts.Environ,
		Intrinsics: map[string]string{
			vars.KeyFeature:   p.Metadata.Feature,
			vars.KeyTicket:    p.Metadata.Ticket,
			vars.KeyEnv:       p.Metadata.Env,
			vars.KeyRunID:     runID,
			vars.KeyStartedAt: started.UTC().Format(time.RFC3339),
		},
	})

	tw, err := trace.NewFileWriter(filepath.Join(rec.Dir(), trace.FileName), runID, opts.TraceKey)
	if err != nil {
		return nil, err
	}
	tw.SetRedactor(redact.New(redact.SecretValues(runCtx.Snapshot()), nil))

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = p.CacheDir()
	}

	r := &runner{
		plan:    p,
		opts:    opts,
		logger:  logger,
		rec:     rec,
		trace:   tw,
		cache:   cache.New(cacheDir, logger),
		ctx:     runCtx,
		console: newConsole(opts.Stdout),
	}

	summary := &recorder.RunSummary{
		RunID:      runID,
		StartedAt:  started,
		PlanPath:   p.Path,
		Feature:    p.Metadata.Feature,
		Ticket:     p.Metadata.Ticket,
		Env:        p.Metadata.Env,
		FailPolicy: p.Policy(),
		Steps:      []*recorder.StepResult{},
	}

	if err := tw.EmitRunStart(p.Metadata.Feature, p.Path, runCtx.Snapshot()); err != nil {
		logger.Warn("trace write failed", "error", err)
	}
	logger.Info("run started", "plan", p.Path, "steps", len(selected), "dir", rec.Dir())

	summary.Halted = r.run(ctx, selected, summary)

	summary.Context = runCtx.Snapshot()
	summary.Finalize(opts.Now())

	if err := tw.EmitRunComplete(summary.Status, summary.FinishedAt.Sub(summary.StartedAt), map[string]int{
		"total":   summary.Stats.Total,
		"ok":      summary.Stats.OK,
		"fail":    summary.Stats.Fail,
		"skipped": summary.Stats.Skipped,
	}); err != nil {
		logger.Warn("trace write failed", "error", err)
	}
	if err := tw.Close(); err != nil {
		logger.Warn("trace close failed", "error", err)
	}

	if err := rec.WriteSummary(summary); err != nil {
		return summary, err
	}
	r.console.runDone(summary, rec.Dir())
	logger.Info("run finished", "status", summary.Status, "ok", summary.Stats.OK, "fail", summary.Stats.Fail, "skipped", summary.Stats.Skipped)
	return summary, nil
}

// runner is the state of one Execute call. It is never shared between runs.
type runner struct {
	plan    *plan.Plan
	opts    Options
	logger  *slog.Logger
	rec     *recorder.Recorder
	trace   *trace.Writer
	cache   *cache.Store
	ctx     *vars.Store // the run context; only exports mutate it
	console *console
}

// run executes the selected plan positions in order and reports whether the
// run halted early.
func (r *runner) run(ctx context.Context, selected []int, summary *recorder.RunSummary) bool {
	for _, pos := range selected {
		step := &r.plan.Steps[pos-1]
		items, hasLoop := r.plan.LoopItems(step)

		if !hasLoop {
			if ctx.Err() != nil {
				r.logger.Warn("run interrupted", "error", ctx.Err())
				return true
			}
			res := r.attempt(ctx, pos, step, 0, 0, nil)
			summary.Steps = append(summary.Steps, res)
			if r.halts(res) {
				return true
			}
			continue
		}

		if len(items) == 0 {
			r.logger.Debug("loop has no items", "step", step.EffectiveID())
			continue
		}
		for i, item := range items {
			if ctx.Err() != nil {
				r.logger.Warn("run interrupted", "error", ctx.Err())
				return true
			}
			res := r.attempt(ctx, pos, step, i+1, len(items), item)
			summary.Steps = append(summary.Steps, res)
			if r.halts(res) {
				return true
			}
		}
	}
	return false
}

func (r *runner) halts(res *recorder.StepResult) bool {
	return res.Status == recorder.StatusFail && r.plan.Policy() == plan.FailStop
}

func inputsDefaults(p *plan.Plan) map[string]any {
	if p.Inputs == nil {
		return nil
	}
	return p.Inputs.Defaults
}

// overridesLayer merges inputs.overrides, the resumed context and explicit
// overrides, in that order.
func overridesLayer(p *plan.Plan, resume map[string]string, overrides map[string]any) map[string]any {
	out := make(map[string]any)
	if p.Inputs != nil {
		for k, v := range p.Inputs.Overrides {
			out[k] = v
		}
	}
	for k, v := range resume {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
