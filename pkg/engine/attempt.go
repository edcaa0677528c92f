package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"

	"github.com/ricardoadorno/automacao/pkg/cache"
	"github.com/ricardoadorno/automacao/pkg/export"
	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/recorder"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/trace"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// CacheHitNote is the note of an attempt satisfied from the cache.
const CacheHitNote = "cache hit"

// attempt runs one concrete execution of step: the whole step, or iteration
// iter (1-based) of total when the step loops. It never returns an error; every
// failure becomes a FAIL result with an error record on disk.
func (r *runner) attempt(ctx context.Context, pos int, step *plan.Step, iter, total int, item map[string]any) *recorder.StepResult {
	baseID := step.EffectiveID()
	id := baseID
	if iter > 0 {
		id = fmt.Sprintf("%s__%02d", baseID, iter)
	}
	res := recorder.NewStepResult(id, baseID, pos, iter, step.Type, r.opts.Now())
	res.Outputs["cacheHit"] = false
	r.console.stepStart(pos, id, step.Type)
	if err := r.trace.EmitStepStart(id, string(step.Type)); err != nil {
		r.logger.Warn("trace write failed", "error", err)
	}

	dir, rel, err := r.rec.StepDir(pos, id)
	if err != nil {
		r.logger.Error("step directory unavailable", "step", id, "error", err)
		r.finish(res, "", recorder.StatusFail, err.Error(), nil)
		return res
	}
	res.Dir = rel

	a := &attemptState{runner: r, step: step, res: res, dir: dir, item: item}
	if iter > 0 {
		a.derived = r.ctx.Overlay(vars.LoopLayer(item, iter, total))
	} else {
		a.derived = r.ctx.Overlay(nil)
	}

	if err := a.run(ctx); err != nil {
		a.fail(err)
	}
	return res
}

// attemptState carries one attempt through its states:
// requires -> resolve -> cache check -> dispatch -> export -> cache store.
type attemptState struct {
	*runner
	step     *plan.Step
	res      *recorder.StepResult
	dir      string
	item     map[string]any
	derived  *vars.Store // run context plus the loop overlay
	resolved plan.Step
	cacheKey string
}

func (a *attemptState) run(ctx context.Context) error {
	if missing := a.derived.Missing(a.step.Requires); len(missing) > 0 {
		return &vars.MissingKeyError{Key: missing[0], Reason: "requires"}
	}

	resolved, stepMap, err := resolveStep(a.step, a.derived)
	if err != nil {
		return err
	}
	a.resolved = resolved
	a.res.Description = resolved.Description
	a.res.Step = stepMap

	useCache := !a.opts.NoCache && a.plan.CacheEnabled(a.step)
	if useCache {
		external := cache.ReadExternal(a.plan.ExternalRefs(&resolved))
		a.cacheKey, err = cache.Key(cache.KeyInput{
			Step:         stepMap,
			FailPolicy:   a.plan.Policy(),
			LoopItem:     a.item,
			External:     external,
			ExternalVars: cache.ExternalVars(external, a.derived),
		})
		if err != nil {
			a.logger.Warn("cache key unavailable, running step", "step", a.res.ID, "error", err)
			useCache = false
		}
	}
	if useCache {
		a.res.Outputs["cacheKey"] = a.cacheKey
		if entry, err := a.cache.Read(a.cacheKey); err == nil {
			return a.replay(entry)
		}
	}

	out, err := a.dispatch(ctx)
	if out != nil {
		maps.Copy(a.res.Outputs, out.Outputs)
	}
	if err != nil {
		return err
	}

	sources, err := out.Sources.Normalize()
	if err != nil {
		return err
	}
	if err := a.applyExports(sources); err != nil {
		return err
	}

	if useCache {
		entry := &cache.Entry{
			Key:       a.cacheKey,
			StepID:    a.res.ID,
			StepType:  a.step.Type,
			CreatedAt: a.opts.Now().UTC(),
			Outputs:   out.Outputs,
			Exports:   sources,
			Artifacts: out.Artifacts,
		}
		if err := a.cache.Write(entry, a.dir); err != nil {
			a.logger.Warn("cache store failed", "step", a.res.ID, "error", err)
		} else if err := a.trace.EmitCacheStore(a.res.ID, a.cacheKey, entry.Artifacts); err != nil {
			a.logger.Warn("trace write failed", "error", err)
		}
	}

	a.finish(a.res, a.dir, recorder.StatusOK, "", nil)
	a.console.stepOK(a.res)
	return nil
}

// replay satisfies the attempt from a cache entry: artifacts are restored and
// the export rules are evaluated against the stored sources, exactly as they
// were on the original run.
func (a *attemptState) replay(entry *cache.Entry) error {
	restored := a.cache.Restore(a.cacheKey, a.dir, entry.Artifacts)
	maps.Copy(a.res.Outputs, entry.Outputs)
	a.res.Outputs["cacheHit"] = true
	if err := a.trace.EmitCacheHit(a.res.ID, a.cacheKey, restored); err != nil {
		a.logger.Warn("trace write failed", "error", err)
	}
	if err := a.applyExports(entry.Exports); err != nil {
		return err
	}
	a.finish(a.res, a.dir, recorder.StatusSkipped, CacheHitNote, nil)
	a.console.stepCached(a.res)
	return nil
}

// dispatch hands the resolved step to its executor. A panicking executor
// fails the attempt with the panic and its stack instead of ending the run.
func (a *attemptState) dispatch(ctx context.Context) (out *steps.Result, err error) {
	exec, err := a.opts.Executors.For(a.step.Type)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &panicError{value: p, stack: string(debug.Stack())}
		}
	}()
	out, err = exec.Execute(ctx, &steps.Request{
		Step:    a.resolved,
		Plan:    a.plan,
		WorkDir: a.dir,
		Vars:    a.derived.Snapshot(),
		Logger:  a.logger.With("step", a.res.ID),
	})
	if err == nil && out == nil {
		out = steps.NewResult()
	}
	return out, err
}

func (a *attemptState) applyExports(src export.Sources) error {
	values, err := export.Apply(a.step.Exports, src, a.ctx)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	a.res.Outputs["exports"] = values
	if err := a.trace.EmitExportApplied(a.res.ID, values); err != nil {
		a.logger.Warn("trace write failed", "error", err)
	}
	return nil
}

func (a *attemptState) fail(err error) {
	kind := errorKind(err)
	rec := recorder.ErrorRecord{
		ID:      a.res.ID,
		Type:    string(a.step.Type),
		Kind:    kind,
		Message: err.Error(),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		rec.Stack = pe.stack
	}
	if werr := a.rec.WriteError(a.dir, rec); werr != nil {
		a.logger.Error("error record not written", "step", a.res.ID, "error", werr)
	}
	a.logger.Warn("step failed", "step", a.res.ID, "kind", kind, "error", err)
	a.finish(a.res, a.dir, recorder.StatusFail, err.Error(), &trace.Failure{Kind: kind, Message: err.Error()})
	a.console.stepFailed(a.res)
}

// finish stamps the result, writes metadata.json and emits step_complete.
func (r *runner) finish(res *recorder.StepResult, dir string, status recorder.Status, notes string, failure *trace.Failure) {
	res.Finish(status, notes, r.opts.Now())
	if dir != "" {
		if err := r.rec.WriteMetadata(dir, res); err != nil {
			r.logger.Error("step metadata not written", "step", res.ID, "error", err)
		}
	}
	if err := r.trace.EmitStepComplete(res.ID, string(status), res.Outputs, res.Duration(), failure); err != nil {
		r.logger.Warn("trace write failed", "error", err)
	}
}

// resolveStep substitutes context placeholders throughout the step definition.
// The exports and loop blocks are left as written: they are evaluated against
// outputs, and regex quantifiers like {2} must survive.
func resolveStep(step *plan.Step, ctx vars.Lookup) (plan.Step, map[string]any, error) {
	raw, err := json.Marshal(step)
	if err != nil {
		return plan.Step{}, nil, fmt.Errorf("encode step: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return plan.Step{}, nil, fmt.Errorf("encode step: %w", err)
	}
	exports, hasExports := m["exports"]
	loop, hasLoop := m["loop"]
	delete(m, "exports")
	delete(m, "loop")

	resolvedMap, err := vars.ResolveMap(m, ctx)
	if err != nil {
		return plan.Step{}, nil, err
	}

	raw, err = json.Marshal(resolvedMap)
	if err != nil {
		return plan.Step{}, nil, fmt.Errorf("encode resolved step: %w", err)
	}
	var resolved plan.Step
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return plan.Step{}, nil, fmt.Errorf("decode resolved step: %w", err)
	}
	resolved.Exports = step.Exports
	resolved.Loop = step.Loop

	if hasExports {
		resolvedMap["exports"] = exports
	}
	if hasLoop {
		resolvedMap["loop"] = loop
	}
	return resolved, resolvedMap, nil
}

func errorKind(err error) string {
	var mk *vars.MissingKeyError
	var re *export.RuleError
	var pe *panicError
	switch {
	case errors.As(err, &mk):
		return "context"
	case errors.As(err, &re):
		return "export"
	case errors.As(err, &pe):
		return "panic"
	default:
		return steps.ErrorKind(err)
	}
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("executor panic: %v", e.value) }
