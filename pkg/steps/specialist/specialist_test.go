package specialist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps"
)

func TestExecute_Template(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "report.md.tmpl"), []byte("# {feature}\norder {orderId} is {status}\n"), 0o644)
	work := t.TempDir()

	res, err := New().Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{Path: filepath.Join(dir, "plan.yaml")},
		WorkDir: work,
		Vars:    map[string]string{"feature": "checkout", "orderId": "o-1", "status": "PAID"},
		Step: plan.Step{Type: plan.StepSpecialist, Specialist: &plan.SpecialistStep{
			Template: "report.md.tmpl",
			Output:   "report.md",
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(work, "report.md"))
	if string(data) != "# checkout\norder o-1 is PAID\n" {
		t.Errorf("report = %q", data)
	}
	if text, _ := res.Sources.Text("text"); text != string(data) {
		t.Errorf("text source = %q", text)
	}
}

func TestExecute_TemplateMissingKey(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "t.txt"), []byte("{nope}"), 0o644)
	_, err := New().Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{Path: filepath.Join(dir, "plan.yaml")},
		WorkDir: t.TempDir(),
		Step:    plan.Step{Type: plan.StepSpecialist, Specialist: &plan.SpecialistStep{Template: "t.txt", Output: "o.txt"}},
	})
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("error = %v, want missing key", err)
	}
}

func TestExecute_InlineContentStaysInWorkDir(t *testing.T) {
	work := t.TempDir()
	res, err := New().Execute(context.Background(), &steps.Request{
		Plan:    &plan.Plan{},
		WorkDir: work,
		Step:    plan.Step{Type: plan.StepSpecialist, Specialist: &plan.SpecialistStep{Content: "hello", Output: "../../escape.txt"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Artifacts[0] != "escape.txt" {
		t.Errorf("artifact = %q", res.Artifacts[0])
	}
	if _, err := os.Stat(filepath.Join(work, "escape.txt")); err != nil {
		t.Errorf("output not in work dir: %v", err)
	}
}
