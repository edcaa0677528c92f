package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/recorder"
	"github.com/ricardoadorno/automacao/pkg/trace"
)

func TestParseStepList(t *testing.T) {
	got, err := parseStepList("1, 3,5-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 3, 5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if got, _ := parseStepList(""); got != nil {
		t.Errorf("empty list = %v, want nil", got)
	}
	for _, bad := range []string{"0", "x", "4-2", "1,,2"} {
		if _, err := parseStepList(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{"user=alice", "query=a=b", "empty="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["user"] != "alice" || got["query"] != "a=b" || got["empty"] != "" {
		t.Errorf("got %v", got)
	}
	if _, err := parseSets([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
	if _, err := parseSets([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestRenderSummary(t *testing.T) {
	s := &recorder.RunSummary{
		RunID:      "20260101T000000-abcd1234",
		Status:     recorder.RunFailed,
		Feature:    "checkout",
		Ticket:     "QA-9",
		FailPolicy: plan.FailStop,
		Halted:     true,
		Steps: []*recorder.StepResult{
			{ID: "login", Index: 1, Type: plan.StepBrowser, Status: recorder.StatusOK, DurationMs: 1500},
			{ID: "fetch", Index: 2, Type: plan.StepAPI, Status: recorder.StatusSkipped, Notes: "cache hit"},
			{ID: "check", Index: 3, Type: plan.StepSQLEvidence, Status: recorder.StatusFail, Notes: strings.Repeat("row count mismatch ", 20)},
		},
		Stats: recorder.Stats{Total: 3, OK: 1, Fail: 1, Skipped: 1},
	}
	out := renderSummary(s, 80)
	for _, want := range []string{"checkout", "QA-9", "login", "fetch", "check", "cache hit", "1.5s", "(halted)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "mismatch") && runewidth.StringWidth(line) > 80 {
			t.Errorf("row wider than 80 cells: %q", line)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[int64]string{12: "12ms", 1500: "1.5s", 125_000: "2m05s"}
	for ms, want := range cases {
		if got := formatDuration(ms); got != want {
			t.Errorf("formatDuration(%d) = %q, want %q", ms, got, want)
		}
	}
}

func TestTraceVerify_ValidSignedChain(t *testing.T) {
	t.Setenv("AUTOMACAO_TRACE_SIGNING_KEY", "secret")
	path := filepath.Join(t.TempDir(), trace.FileName)
	tw, err := trace.NewFileWriter(path, "verify-test", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	tw.EmitRunStart("checkout", "plan.yaml", nil)
	tw.EmitStepStart("a", "cli")
	tw.EmitStepComplete("a", "OK", nil, time.Millisecond, nil)
	tw.EmitRunComplete("passed", time.Second, map[string]int{"total": 1})
	tw.Close()

	var out bytes.Buffer
	traceVerifyCmd.SetOut(&out)
	if err := runTraceVerify(traceVerifyCmd, []string{path}); err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "4 events") || !strings.Contains(out.String(), "Signature valid") {
		t.Errorf("output = %s", out.String())
	}
}

func TestTraceVerify_Tampered(t *testing.T) {
	path := filepath.Join(t.TempDir(), trace.FileName)
	tw, _ := trace.NewFileWriter(path, "verify-test", nil)
	tw.EmitRunStart("checkout", "plan.yaml", nil)
	tw.Close()
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(`{"type":"step_start","timestamp":"2026-01-01T00:00:00Z","run_id":"verify-test","prev_hash":"` + trace.Genesis + `","data":{}}` + "\n")
	f.Close()

	var out bytes.Buffer
	traceVerifyCmd.SetOut(&out)
	if err := runTraceVerify(traceVerifyCmd, []string{path}); err == nil {
		t.Fatal("expected verification failure")
	}
	if !strings.Contains(out.String(), "broken at event 2") {
		t.Errorf("output = %s", out.String())
	}
}

func TestRunCommand_EndToEnd(t *testing.T) {
	for _, k := range []string{"AUTOMACAO_OUT_DIR", "AUTOMACAO_CACHE_DIR", "AUTOMACAO_LOG_LEVEL", "AUTOMACAO_LOG_FORMAT", "AUTOMACAO_TRACE_SIGNING_KEY"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	os.WriteFile(planPath, []byte(`
metadata: {feature: report}
context: {who: ops}
steps:
  - id: write
    type: specialist
    specialist:
      content: "hello {who}"
      output: hello.txt
    exports:
      greeting: {regex: "hello (\\w+)"}
  - id: echo
    type: specialist
    specialist:
      content: "greeting={greeting}"
      output: echo.txt
`), 0o644)
	out := filepath.Join(dir, "runs")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"run", planPath, "--out", out})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("run failed: %v\n%s", err, stdout.String())
	}

	entries, err := os.ReadDir(out)
	if err != nil || len(entries) != 1 {
		t.Fatalf("run dirs = %v (%v)", entries, err)
	}
	runDir := filepath.Join(out, entries[0].Name())
	data, err := os.ReadFile(filepath.Join(runDir, recorder.StepsDir, "02_echo", "echo.txt"))
	if err != nil || string(data) != "greeting=ops" {
		t.Errorf("echo.txt = %q (%v)", data, err)
	}
	if !strings.Contains(stdout.String(), "✓ write passed") {
		t.Errorf("stdout = %s", stdout.String())
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.yaml")
	os.WriteFile(planPath, []byte("metadata: {feature: x}\nsteps:\n  - type: cli\n"), 0o644)
	var out bytes.Buffer
	validateCmd.SetErr(&out)
	validateCmd.SetOut(&out)
	if err := runValidate(validateCmd, []string{planPath}); err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out.String(), "Validation failed") {
		t.Errorf("output = %s", out.String())
	}
}
