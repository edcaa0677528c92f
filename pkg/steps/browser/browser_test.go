package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps"
)

type fakePage struct {
	url      string
	texts    map[string]string
	failures int // number of Click calls that fail before succeeding
	clicks   int
	typed    []string
	html     string
}

func (f *fakePage) Navigate(_ context.Context, url string) error { f.url = url; return nil }
func (f *fakePage) Click(context.Context, string) error {
	f.clicks++
	if f.clicks <= f.failures {
		return errors.New("element not interactable")
	}
	return nil
}
func (f *fakePage) Type(_ context.Context, sel, text string) error {
	f.typed = append(f.typed, sel+"="+text)
	return nil
}
func (f *fakePage) WaitVisible(context.Context, string) error { return nil }
func (f *fakePage) Text(_ context.Context, sel string) (string, error) {
	t, ok := f.texts[sel]
	if !ok {
		return "", errors.New("no node for " + sel)
	}
	return t, nil
}
func (f *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte("PNG"), nil }
func (f *fakePage) HTML(context.Context) (string, error)       { return f.html, nil }
func (f *fakePage) Location(context.Context) (string, string, error) {
	return f.url, "Shop", nil
}

type launchCounter struct {
	page    *fakePage
	opened  int
	closed  int
	lastOpt LaunchOptions
}

func (l *launchCounter) launch(_ context.Context, opts LaunchOptions) (Page, func(), error) {
	l.opened++
	l.lastOpt = opts
	return l.page, func() { l.closed++ }, nil
}

func newTestExecutor(l *launchCounter) *Executor {
	e := New(WithLauncher(l.launch))
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestExecute_InlineActions(t *testing.T) {
	page := &fakePage{texts: map[string]string{"#welcome": "  Hello alice  "}, html: `<p onclick="x()">Hi<script>evil()</script></p>`}
	l := &launchCounter{page: page}
	e := newTestExecutor(l)
	dir := t.TempDir()

	res, err := e.Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{},
		WorkDir: dir,
		Step: plan.Step{ID: "login", Type: plan.StepBrowser, Browser: &plan.BrowserStep{Actions: []plan.BrowserAction{
			{Action: "navigate", URL: "https://shop.local/login"},
			{Action: "type", Selector: "#user", Text: "alice"},
			{Action: "click", Selector: "#submit"},
			{Action: "assertText", Selector: "#welcome", Text: "Hello"},
			{Action: "extractText", Selector: "#welcome", Name: "welcome"},
			{Action: "screenshot", Name: "after-login"},
			{Action: "snapshot"},
		}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := res.Sources.Text("welcome"); got != "Hello alice" {
		t.Errorf("welcome = %q", got)
	}
	if got, _ := res.Sources.Text("url"); got != "https://shop.local/login" {
		t.Errorf("url = %q", got)
	}
	if got, _ := res.Sources.Text("page"); got != "Hi" {
		t.Errorf("page text = %q", got)
	}
	html, err := os.ReadFile(filepath.Join(dir, "page.html"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if strings.Contains(string(html), "script") || strings.Contains(string(html), "onclick") {
		t.Errorf("snapshot not sanitized: %s", html)
	}
	if _, err := os.Stat(filepath.Join(dir, "after-login.png")); err != nil {
		t.Errorf("screenshot: %v", err)
	}
	if len(res.Artifacts) != 2 {
		t.Errorf("artifacts = %v", res.Artifacts)
	}
	if l.opened != 1 || l.closed != 1 {
		t.Errorf("sessions opened=%d closed=%d, want isolated session", l.opened, l.closed)
	}
	if !l.lastOpt.Headless {
		t.Error("headless should default to true")
	}
}

func TestExecute_RetriesWholeActionList(t *testing.T) {
	page := &fakePage{failures: 2}
	l := &launchCounter{page: page}
	e := newTestExecutor(l)
	retries := 2

	res, err := e.Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{},
		WorkDir: t.TempDir(),
		Step: plan.Step{Type: plan.StepBrowser, Browser: &plan.BrowserStep{
			Retries: &retries,
			Actions: []plan.BrowserAction{{Action: "click", Selector: "#go"}},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs["attempts"] != 3 {
		t.Errorf("attempts = %v, want 3", res.Outputs["attempts"])
	}
	if l.opened != 3 {
		t.Errorf("sessions opened = %d, want one per attempt", l.opened)
	}
}

func TestExecute_FailureWritesScreenshot(t *testing.T) {
	page := &fakePage{texts: map[string]string{"#msg": "Error"}}
	e := newTestExecutor(&launchCounter{page: page})
	dir := t.TempDir()

	_, err := e.Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{},
		WorkDir: dir,
		Step: plan.Step{Type: plan.StepBrowser, Browser: &plan.BrowserStep{
			Actions: []plan.BrowserAction{{Action: "assertText", Selector: "#msg", Text: "Success"}},
		}},
	})
	var ae *steps.AssertionError
	if !errors.As(err, &ae) {
		t.Fatalf("error = %v, want assertion error", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "failure.png")); err != nil {
		t.Errorf("failure screenshot: %v", err)
	}
}

func TestExecute_ReuseSession(t *testing.T) {
	l := &launchCounter{page: &fakePage{}}
	e := newTestExecutor(l)
	p := &plan.Plan{Browser: &plan.BrowserConfig{ReuseSession: true}}
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), &steps.Request{
			Plan:    p,
			WorkDir: t.TempDir(),
			Step: plan.Step{Type: plan.StepBrowser, Browser: &plan.BrowserStep{
				Actions: []plan.BrowserAction{{Action: "navigate", URL: "https://x"}},
			}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if l.opened != 1 || l.closed != 0 {
		t.Errorf("opened=%d closed=%d before Close", l.opened, l.closed)
	}
	e.Close()
	if l.closed != 1 {
		t.Errorf("closed = %d after Close, want 1", l.closed)
	}
}

func TestExecute_BehaviorResolvedWithContext(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "behaviors.yaml"), []byte(`
login:
  - {action: navigate, url: "{baseUrl}/login"}
  - {action: type, selector: "#user", text: "{user}"}
`), 0o644)
	page := &fakePage{}
	e := newTestExecutor(&launchCounter{page: page})
	p := &plan.Plan{Path: filepath.Join(dir, "plan.yaml"), Assets: &plan.Assets{Behaviors: "behaviors.yaml"}}

	_, err := e.Execute(context.Background(), &steps.Request{
		Plan:    p,
		WorkDir: t.TempDir(),
		Vars:    map[string]string{"baseUrl": "https://shop.local", "user": "bob"},
		Step:    plan.Step{Type: plan.StepBrowser, Browser: &plan.BrowserStep{Behavior: "login"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.url != "https://shop.local/login" {
		t.Errorf("navigated to %q", page.url)
	}
	if len(page.typed) != 1 || page.typed[0] != "#user=bob" {
		t.Errorf("typed = %v", page.typed)
	}

	_, err = e.Execute(context.Background(), &steps.Request{
		Plan:    p,
		WorkDir: t.TempDir(),
		Vars:    map[string]string{"baseUrl": "https://shop.local"},
		Step:    plan.Step{Type: plan.StepBrowser, Browser: &plan.BrowserStep{Behavior: "login"}},
	})
	if err == nil || !strings.Contains(err.Error(), "user") {
		t.Errorf("error = %v, want unresolved placeholder {user}", err)
	}
}
