// Package steps defines the executor capability the engine dispatches to, and
// the closed set of executors, one per step kind.
package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ricardoadorno/automacao/pkg/export"
	"github.com/ricardoadorno/automacao/pkg/plan"
)

// Request is one resolved attempt handed to an executor.
type Request struct {
	Step    plan.Step         // fully template-resolved
	Plan    *plan.Plan        // for assets, databases and plan-wide settings
	WorkDir string            // the attempt's step directory; artifacts are written here
	Vars    map[string]string // the attempt's derived context
	Logger  *slog.Logger
}

// Result is what an executor produced.
type Result struct {
	Outputs   map[string]any
	Sources   export.Sources
	Artifacts []string // file names relative to WorkDir
}

// NewResult returns an empty result ready to be filled.
func NewResult() *Result {
	return &Result{Outputs: make(map[string]any)}
}

// WriteArtifact writes data into the work directory and records it.
func (r *Result) WriteArtifact(workDir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(workDir, name), data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	r.Artifacts = append(r.Artifacts, name)
	return nil
}

// Executor performs the side effect of one step kind. A returned error fails
// the attempt; a partial Result may accompany it.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// AssertionError reports an expectation on the executor's output that did not hold.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string { return e.Message }

// Assertf returns an AssertionError.
func Assertf(format string, args ...any) error {
	return &AssertionError{Message: fmt.Sprintf(format, args...)}
}

// ErrorKind classifies an executor error for error.json.
func ErrorKind(err error) string {
	var ae *AssertionError
	switch {
	case errors.As(err, &ae):
		return "assertion"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "executor"
	}
}

// Set holds one executor per step kind. Dispatch switches on the kind tag, so
// adding a kind means adding a field here and a case in For.
type Set struct {
	Browser    Executor
	API        Executor
	SQL        Executor
	CLI        Executor
	Specialist Executor
	Logstream  Executor
	Tabular    Executor
}

// For returns the executor registered for t.
func (s *Set) For(t plan.StepType) (Executor, error) {
	var e Executor
	switch t {
	case plan.StepBrowser:
		e = s.Browser
	case plan.StepAPI:
		e = s.API
	case plan.StepSQLEvidence:
		e = s.SQL
	case plan.StepCLI:
		e = s.CLI
	case plan.StepSpecialist:
		e = s.Specialist
	case plan.StepLogstream:
		e = s.Logstream
	case plan.StepTabular:
		e = s.Tabular
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
	if e == nil {
		return nil, fmt.Errorf("no executor registered for step type %q", t)
	}
	return e, nil
}

func (s *Set) all() []Executor {
	return []Executor{s.Browser, s.API, s.SQL, s.CLI, s.Specialist, s.Logstream, s.Tabular}
}

// Close releases every executor that holds resources (browser sessions,
// database pools). Each closer is called once even if it is registered twice.
func (s *Set) Close() error {
	var errs []error
	seen := make(map[io.Closer]bool)
	for _, e := range s.all() {
		c, ok := e.(io.Closer)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
