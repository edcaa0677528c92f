package recorder

import (
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ricardoadorno/automacao/pkg/plan"
)

func TestNewRunID_Format(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	id := NewRunID(now)
	if !regexp.MustCompile(`^20250301T101500-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("run id = %q", id)
	}
	if NewRunID(now) == id {
		t.Error("two run ids in the same second collided")
	}
}

func TestCreate_UniqueDirs(t *testing.T) {
	out := t.TempDir()
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		r, err := Create(out, now)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[r.Dir()] {
			t.Fatalf("duplicate run dir %s", r.Dir())
		}
		seen[r.Dir()] = true
		if _, err := os.Stat(filepath.Join(r.Dir(), StepsDir)); err != nil {
			t.Errorf("steps dir missing: %v", err)
		}
	}
}

func TestStepDirName(t *testing.T) {
	cases := map[string]string{
		"login":          "03_login",
		"login__02":      "03_login__02",
		"fetch orders/1": "03_fetch_orders_1",
		"..":             "03__",
	}
	for id, want := range cases {
		if got := StepDirName(3, id); got != want {
			t.Errorf("StepDirName(3, %q) = %q, want %q", id, got, want)
		}
	}
}

func TestWriteError_PlaceholderImage(t *testing.T) {
	r, err := Create(t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir, rel, err := r.StepDir(1, "boom")
	if err != nil {
		t.Fatalf("StepDir: %v", err)
	}
	if rel != "steps/01_boom" {
		t.Errorf("rel = %q", rel)
	}
	if err := r.WriteError(dir, ErrorRecord{ID: "boom", Type: "cli", Kind: "executor", Message: "exit 1"}); err != nil {
		t.Fatalf("WriteError: %v", err)
	}
	f, err := os.Open(filepath.Join(dir, FailureImage))
	if err != nil {
		t.Fatalf("failure image: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 120 {
		t.Errorf("image size = %v", b)
	}
}

func TestWriteError_KeepsExecutorImage(t *testing.T) {
	r, _ := Create(t.TempDir(), time.Now())
	dir, _, _ := r.StepDir(1, "shot")
	os.WriteFile(filepath.Join(dir, FailureImage), []byte("real screenshot"), 0o644)
	r.WriteError(dir, ErrorRecord{ID: "shot", Message: "x"})
	data, _ := os.ReadFile(filepath.Join(dir, FailureImage))
	if string(data) != "real screenshot" {
		t.Error("executor failure image was overwritten")
	}
}

func TestSummary_FinalizeAndRoundTrip(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &RunSummary{RunID: "r", Feature: "checkout", StartedAt: start, FailPolicy: plan.FailContinue}

	a := NewStepResult("seed", "seed", 1, 0, plan.StepCLI, start)
	a.Finish(StatusOK, "", start.Add(time.Second))
	l1 := NewStepResult("login__01", "login", 2, 1, plan.StepBrowser, start)
	l1.Finish(StatusOK, "", start.Add(2*time.Second))
	l2 := NewStepResult("login__02", "login", 2, 2, plan.StepBrowser, start)
	l2.Finish(StatusFail, "element not found", start.Add(3*time.Second))
	s.Steps = []*StepResult{a, l1, l2}
	s.Finalize(start.Add(5 * time.Second))

	if s.Status != RunFailed {
		t.Errorf("status = %q, want failed", s.Status)
	}
	if s.Stats.Total != 3 || s.Stats.OK != 2 || s.Stats.Fail != 1 {
		t.Errorf("stats = %+v", s.Stats)
	}
	loop := s.Loops["login"]
	if loop == nil || loop.Total != 2 || loop.Fail != 1 || len(loop.Iterations) != 2 {
		t.Fatalf("loop summary = %+v", loop)
	}
	if _, ok := s.Loops["seed"]; ok {
		t.Error("non-loop step listed in loops")
	}

	r, _ := Create(t.TempDir(), start)
	if err := r.WriteSummary(s); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	back, err := LoadSummary(r.Dir())
	if err != nil {
		t.Fatalf("LoadSummary: %v", err)
	}
	if len(back.Steps) != 3 || back.Steps[2].Notes != "element not found" {
		t.Errorf("loaded summary = %+v", back)
	}
	html, _ := os.ReadFile(filepath.Join(r.Dir(), IndexFile))
	if !strings.Contains(string(html), "login__02") || !strings.Contains(string(html), `class="fail"`) {
		t.Error("index.html missing failed iteration row")
	}
}

func TestNewStepResult_Pending(t *testing.T) {
	r := NewStepResult("x", "x", 1, 0, plan.StepAPI, time.Now())
	if r.Status != StatusSkipped || r.Notes != PendingNote {
		t.Errorf("initial state = %s / %q", r.Status, r.Notes)
	}
}
