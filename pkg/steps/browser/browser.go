// Package browser implements the browser step: a list of actions, inline or
// from a named behavior, driven through chromedp with bounded retries.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultRetryDelay = 2 * time.Second
	failureShot       = "failure.png"
)

// Executor runs browser steps. With reuseSession one browser is shared by all
// browser steps of a run and closed by Close; otherwise each attempt gets its own.
type Executor struct {
	launch Launcher
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error

	mu           sync.Mutex
	shared       Page
	sharedClose  func()
	behaviors    map[string][]plan.BrowserAction
	behaviorPath string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLauncher replaces the chromedp launcher.
func WithLauncher(l Launcher) Option {
	return func(e *Executor) { e.launch = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns a browser executor.
func New(opts ...Option) *Executor {
	e := &Executor{launch: LaunchChrome, sleep: sleepCtx}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Execute runs the step's actions, retrying the whole list on failure.
func (e *Executor) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	cfg := req.Step.Browser
	if cfg == nil {
		return nil, fmt.Errorf("browser step %q has no browser config", req.Step.EffectiveID())
	}
	actions, err := e.actions(req)
	if err != nil {
		return nil, err
	}
	settings, err := resolveSettings(req.Plan, cfg)
	if err != nil {
		return nil, err
	}

	var (
		res     *steps.Result
		lastErr error
	)
	attempts := settings.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			e.logger.Info("retrying browser step", "step", req.Step.EffectiveID(), "attempt", attempt, "error", lastErr)
			if err := e.sleep(ctx, settings.delay); err != nil {
				return res, err
			}
		}
		res, lastErr = e.attempt(ctx, req, actions, settings)
		if lastErr == nil {
			res.Outputs["attempts"] = attempt
			return res, nil
		}
	}
	if res != nil {
		res.Outputs["attempts"] = attempts
	}
	return res, fmt.Errorf("browser step failed after %d attempt(s): %w", attempts, lastErr)
}

// Close shuts down the shared session, if one was opened.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sharedClose != nil {
		e.sharedClose()
	}
	e.shared, e.sharedClose = nil, nil
	return nil
}

type settings struct {
	headless bool
	reuse    bool
	retries  int
	delay    time.Duration
	timeout  time.Duration
}

func resolveSettings(p *plan.Plan, step *plan.BrowserStep) (settings, error) {
	s := settings{headless: true, delay: defaultRetryDelay, timeout: defaultTimeout}
	var err error
	if bc := p.Browser; bc != nil {
		if bc.Headless != nil {
			s.headless = *bc.Headless
		}
		s.reuse = bc.ReuseSession
		s.retries = bc.Retries
		if s.delay, err = plan.ParseDuration(bc.RetryDelay, defaultRetryDelay); err != nil {
			return s, err
		}
		if s.timeout, err = plan.ParseDuration(bc.Timeout, defaultTimeout); err != nil {
			return s, err
		}
	}
	if step.Retries != nil {
		s.retries = *step.Retries
	}
	if s.timeout, err = plan.ParseDuration(step.Timeout, s.timeout); err != nil {
		return s, err
	}
	return s, nil
}

// actions returns the step's action list, loading a named behavior when set.
// Behavior payloads are resolved against the attempt context here; inline
// actions were already resolved with the rest of the step.
func (e *Executor) actions(req *steps.Request) ([]plan.BrowserAction, error) {
	cfg := req.Step.Browser
	if cfg.Behavior == "" {
		if len(cfg.Actions) == 0 {
			return nil, fmt.Errorf("browser step has no actions")
		}
		return cfg.Actions, nil
	}
	if req.Plan.Assets == nil || req.Plan.Assets.Behaviors == "" {
		return nil, fmt.Errorf("behavior %q referenced but assets.behaviors is not set", cfg.Behavior)
	}
	behaviors, err := e.loadBehaviors(req.Plan.ResolvePath(req.Plan.Assets.Behaviors))
	if err != nil {
		return nil, err
	}
	raw, ok := behaviors[cfg.Behavior]
	if !ok {
		return nil, fmt.Errorf("behavior %q not found", cfg.Behavior)
	}
	ctx := vars.FromMap(req.Vars)
	out := make([]plan.BrowserAction, len(raw))
	for i, a := range raw {
		r, err := resolveAction(a, ctx)
		if err != nil {
			return nil, fmt.Errorf("behavior %q action %d: %w", cfg.Behavior, i+1, err)
		}
		var bad []string
		plan.ValidateAction(r, func(field, msg string) { bad = append(bad, strings.TrimPrefix(field, ".")+": "+msg) })
		if len(bad) > 0 {
			return nil, fmt.Errorf("behavior %q action %d: %s", cfg.Behavior, i+1, strings.Join(bad, "; "))
		}
		out[i] = r
	}
	return out, nil
}

// loadBehaviors reads the behaviors file once per run; it is re-read if the path changes.
func (e *Executor) loadBehaviors(path string) (map[string][]plan.BrowserAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.behaviors != nil && e.behaviorPath == path {
		return e.behaviors, nil
	}
	b, err := plan.LoadBehaviors(path)
	if err != nil {
		return nil, err
	}
	e.behaviors, e.behaviorPath = b, path
	return b, nil
}

func resolveAction(a plan.BrowserAction, ctx vars.Lookup) (plan.BrowserAction, error) {
	fields := []*string{&a.URL, &a.Selector, &a.Text, &a.Name, &a.Duration}
	for _, f := range fields {
		v, err := vars.ResolveString(*f, ctx)
		if err != nil {
			return a, err
		}
		*f = v
	}
	return a, nil
}

func (e *Executor) session(ctx context.Context, s settings) (Page, func(), error) {
	if !s.reuse {
		return e.launch(ctx, LaunchOptions{Headless: s.headless, Timeout: s.timeout})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shared == nil {
		page, closeFn, err := e.launch(ctx, LaunchOptions{Headless: s.headless, Timeout: s.timeout})
		if err != nil {
			return nil, nil, err
		}
		e.shared, e.sharedClose = page, closeFn
	}
	return e.shared, func() {}, nil
}

// attempt runs every action once against a session.
func (e *Executor) attempt(ctx context.Context, req *steps.Request, actions []plan.BrowserAction, s settings) (*steps.Result, error) {
	res := steps.NewResult()
	page, release, err := e.session(ctx, s)
	if err != nil {
		return res, err
	}
	defer release()

	var shots []string
	for i, a := range actions {
		e.logger.Debug("browser action", "step", req.Step.EffectiveID(), "n", i+1, "action", a.Action)
		if err := e.do(ctx, page, a, req.WorkDir, res, &shots); err != nil {
			e.captureFailure(ctx, page, req.WorkDir)
			return res, fmt.Errorf("action %d (%s): %w", i+1, a.Action, err)
		}
	}

	url, title, err := page.Location(ctx)
	if err != nil {
		return res, fmt.Errorf("read location: %w", err)
	}
	res.Outputs["url"] = url
	res.Outputs["title"] = title
	res.Outputs["actions"] = len(actions)
	if len(shots) > 0 {
		res.Outputs["screenshots"] = shots
	}
	res.Sources.SetText("url", url)
	res.Sources.SetText("title", title)
	return res, nil
}

func (e *Executor) do(ctx context.Context, page Page, a plan.BrowserAction, workDir string, res *steps.Result, shots *[]string) error {
	switch a.Action {
	case "navigate":
		return page.Navigate(ctx, a.URL)
	case "click":
		return page.Click(ctx, a.Selector)
	case "type":
		return page.Type(ctx, a.Selector, a.Text)
	case "waitVisible":
		return page.WaitVisible(ctx, a.Selector)
	case "sleep":
		d, err := plan.ParseDuration(a.Duration, 0)
		if err != nil {
			return err
		}
		return e.sleep(ctx, d)
	case "assertText":
		got, err := page.Text(ctx, a.Selector)
		if err != nil {
			return err
		}
		if !strings.Contains(got, a.Text) {
			return steps.Assertf("text of %s is %q, expected it to contain %q", a.Selector, truncate(got, 200), a.Text)
		}
		return nil
	case "extractText":
		got, err := page.Text(ctx, a.Selector)
		if err != nil {
			return err
		}
		res.Sources.SetText(a.Name, strings.TrimSpace(got))
		return nil
	case "screenshot":
		buf, err := page.Screenshot(ctx)
		if err != nil {
			return err
		}
		name := fileName(a.Name, "screenshot", ".png")
		*shots = append(*shots, name)
		return res.WriteArtifact(workDir, name, buf)
	case "snapshot":
		html, err := page.HTML(ctx)
		if err != nil {
			return err
		}
		name := fileName(a.Name, "page", ".html")
		if err := res.WriteArtifact(workDir, name, []byte(bluemonday.UGCPolicy().Sanitize(html))); err != nil {
			return err
		}
		res.Sources.SetText(strings.TrimSuffix(name, ".html"), strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(html)))
		return nil
	default:
		return fmt.Errorf("unknown browser action %q", a.Action)
	}
}

// captureFailure saves a screenshot of the page as the failure image. Errors are
// ignored: the recorder writes a placeholder when no image exists.
func (e *Executor) captureFailure(ctx context.Context, page Page, workDir string) {
	buf, err := page.Screenshot(ctx)
	if err != nil || len(buf) == 0 {
		return
	}
	tmp := steps.NewResult()
	if err := tmp.WriteArtifact(workDir, failureShot, buf); err != nil {
		e.logger.Debug("failure screenshot not written", "error", err)
	}
}

func fileName(name, def, ext string) string {
	if name == "" {
		name = def
	}
	if !strings.HasSuffix(name, ext) {
		name += ext
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
