// Package cli implements the cli step: spawn a process, bound it by a timeout,
// judge it by exit code and an optional expression, and redact its output.
package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/redact"
	"github.com/ricardoadorno/automacao/pkg/steps"
)

// DefaultTimeout bounds a cli step without an explicit timeout.
const DefaultTimeout = 5 * time.Minute

// Config configures the cli executor.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor runs cli steps.
type Executor struct {
	cfg Config
}

// New returns a cli executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{cfg: cfg}
}

// Execute runs the process. Output is redacted before it is written, exported
// or reported in an error.
func (e *Executor) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	c := req.Step.CLI
	if c == nil {
		return nil, fmt.Errorf("cli step %q has no cli config", req.Step.EffectiveID())
	}
	rules, err := redact.CompileRules(c.Redact)
	if err != nil {
		return nil, err
	}
	masker := redact.New(redact.SecretValues(req.Vars), rules)

	timeout, err := plan.ParseDuration(c.Timeout, e.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, display, err := command(rctx, c)
	if err != nil {
		return nil, err
	}
	cmd.Dir = req.Plan.ResolvePath(c.Dir)
	if cmd.Dir == "" {
		cmd.Dir = req.Plan.Dir()
	}
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case rctx.Err() == context.DeadlineExceeded:
			exitCode = -1
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec %q: %w", masker.String(display), runErr)
		}
	}

	outText := masker.String(normalizeLineEndings(stdout.String()))
	errText := masker.String(normalizeLineEndings(stderr.String()))
	e.cfg.Logger.Debug("cli finished", "step", req.Step.EffectiveID(), "exit", exitCode, "elapsed", elapsed)

	res := steps.NewResult()
	if err := res.WriteArtifact(req.WorkDir, "stdout.txt", []byte(outText)); err != nil {
		return res, err
	}
	if err := res.WriteArtifact(req.WorkDir, "stderr.txt", []byte(errText)); err != nil {
		return res, err
	}
	res.Outputs["command"] = masker.String(display)
	res.Outputs["exitCode"] = exitCode
	res.Outputs["durationMs"] = elapsed.Milliseconds()
	res.Sources.SetText("stdout", outText)
	res.Sources.SetText("stderr", errText)

	if rctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, fmt.Errorf("command timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	if exitCode != c.ExpectExitCode {
		return res, steps.Assertf("exit code %d, expected %d%s", exitCode, c.ExpectExitCode, tail(errText))
	}
	ok, err := steps.EvalBool(c.SuccessWhen, map[string]any{
		"exitCode": exitCode,
		"stdout":   outText,
		"stderr":   errText,
	})
	if err != nil {
		return res, err
	}
	if !ok {
		return res, steps.Assertf("successWhen %q not satisfied", c.SuccessWhen)
	}
	return res, nil
}

// command builds the process: argv is executed directly, command through the shell.
func command(ctx context.Context, c *plan.CLIStep) (*exec.Cmd, string, error) {
	if len(c.Argv) > 0 {
		return exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...), strings.Join(c.Argv, " "), nil //#nosec G204 -- argv is authored by the plan owner
	}
	if c.Command == "" {
		return nil, "", errors.New("cli step requires command or argv")
	}
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", c.Command), c.Command, nil
	}
	return exec.CommandContext(ctx, "sh", "-c", c.Command), c.Command, nil //#nosec G204 -- command is authored by the plan owner
}

func tail(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return ": " + s
}

// normalizeLineEndings replaces \r\n with \n for cross-platform consistency.
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
