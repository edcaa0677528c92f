package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ValidPlan(t *testing.T) {
	doc := `
metadata:
  feature: checkout
  ticket: QA-42
context:
  baseUrl: https://shop.local
  port: 8080
failPolicy: continue
cache:
  enabled: true
inputs:
  defaults: {user: guest}
  items:
    - {user: alice}
    - {user: bob}
steps:
  - id: hello
    type: cli
    cli:
      command: echo hi
    exports:
      greeting: {from: stdout, regex: "(h\\w+)"}
  - type: tabular
    loop: {useItems: true}
    tabular:
      file: data.csv
`
	p, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Metadata.Feature != "checkout" {
		t.Errorf("feature = %q, want checkout", p.Metadata.Feature)
	}
	if p.Policy() != FailContinue {
		t.Errorf("policy = %q, want continue", p.Policy())
	}
	if len(p.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(p.Steps))
	}
	if p.Steps[1].EffectiveID() != "tabular" {
		t.Errorf("fallback id = %q, want tabular", p.Steps[1].EffectiveID())
	}
	items, hasLoop := p.LoopItems(&p.Steps[1])
	if !hasLoop || len(items) != 2 {
		t.Errorf("loop items = %v (hasLoop=%v), want 2 items", items, hasLoop)
	}
	if !p.CacheEnabled(&p.Steps[0]) {
		t.Error("expected cache enabled for step 0")
	}
	if errs := Validate(p); HasErrors(errs) {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	doc := `
metadata: {feature: x}
bogus: true
steps:
  - type: cli
    cli: {command: "true"}
`
	if _, err := Load(strings.NewReader(doc)); err == nil {
		t.Fatal("expected structural error for unknown field")
	}
}

func TestLoad_Empty(t *testing.T) {
	if _, err := Load(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestPolicy_DefaultStop(t *testing.T) {
	p := &Plan{}
	if p.Policy() != FailStop {
		t.Errorf("policy = %q, want stop", p.Policy())
	}
	if p.EnvPrefix() != DefaultEnvPrefix {
		t.Errorf("env prefix = %q", p.EnvPrefix())
	}
}

func TestCacheEnabled_StepOptOut(t *testing.T) {
	off := false
	p := &Plan{Cache: &CacheConfig{Enabled: true}}
	if p.CacheEnabled(&Step{Cache: &off}) {
		t.Error("step with cache: false must not participate")
	}
	p.Cache.Enabled = false
	if p.CacheEnabled(&Step{}) {
		t.Error("disabled plan cache must disable every step")
	}
}

func TestValidate_MissingStepConfig(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{
			{ID: "a", Type: StepSQLEvidence},
			{ID: "b", Type: StepCLI, CLI: &CLIStep{}},
			{ID: "c", Type: StepAPI, API: &APIStep{Request: "createUser"}},
		},
	}
	errs := ValidateDomain(p)
	if !HasErrors(errs) {
		t.Fatal("expected domain errors")
	}
	want := []string{"steps[0].sql", "steps[1].cli", "steps[2].api.request"}
	for _, path := range want {
		found := false
		for _, e := range errs {
			if e.Path == path {
				found = true
			}
		}
		if !found {
			t.Errorf("missing error at %s; got %v", path, errs)
		}
	}
}

func TestValidate_UnknownType(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps:    []Step{{ID: "x", Type: "teleport"}},
	}
	errs := Validate(p)
	if !HasErrors(errs) {
		t.Fatal("expected errors for unknown step type")
	}
}

func TestValidate_EmptySteps(t *testing.T) {
	p := &Plan{Metadata: Metadata{Feature: "f"}}
	if !HasErrors(Validate(p)) {
		t.Fatal("expected error for plan without steps")
	}
}

func TestValidate_ExportRuleShape(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{{
			ID:   "a",
			Type: StepCLI,
			CLI:  &CLIStep{Command: "true"},
			Exports: map[string]ExportRule{
				"both":    {Column: "id", Regex: "(x)"},
				"nogroup": {Regex: "abc"},
				"ok":      {Path: "data.id"},
			},
		}},
	}
	errs := ValidateDomain(p)
	var paths []string
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	joined := strings.Join(paths, ",")
	if !strings.Contains(joined, "exports.both") {
		t.Errorf("expected error for rule with two shapes: %v", paths)
	}
	if !strings.Contains(joined, "exports.nogroup.regex") {
		t.Errorf("expected error for regex without capture group: %v", paths)
	}
	if strings.Contains(joined, "exports.ok") {
		t.Errorf("unexpected error for valid rule: %v", paths)
	}
}

func TestValidate_SuccessWhenExpression(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{{
			ID:   "a",
			Type: StepCLI,
			CLI:  &CLIStep{Command: "true", SuccessWhen: "exitCode =="},
		}},
	}
	if !HasErrors(ValidateDomain(p)) {
		t.Fatal("expected error for malformed successWhen")
	}
	p.Steps[0].CLI.SuccessWhen = `exitCode == 0 && stdout contains "ok"`
	if HasErrors(ValidateDomain(p)) {
		t.Fatalf("unexpected errors: %v", ValidateDomain(p))
	}
}

func TestValidate_LoopBothForms(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{{
			ID:   "a",
			Type: StepCLI,
			CLI:  &CLIStep{Command: "true"},
			Loop: &Loop{UseItems: true, Items: []map[string]any{{"k": "v"}}},
		}},
	}
	if !HasErrors(ValidateDomain(p)) {
		t.Fatal("expected error for loop with items and useItems")
	}
}

func TestValidate_DuplicateStepID(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{
			{ID: "login", Type: StepCLI, CLI: &CLIStep{Command: "a"}},
			{ID: "login", Type: StepCLI, CLI: &CLIStep{Command: "b"}},
		},
	}
	errs := ValidateDomain(p)
	if !HasErrors(errs) {
		t.Fatal("expected error for duplicate step id")
	}
	if errs[0].Path != "steps[1].id" || errs[0].Severity != "error" {
		t.Errorf("got %+v, want error at steps[1].id", errs[0])
	}
}

func TestValidate_DriverNames(t *testing.T) {
	for _, driver := range []string{"sqlite3", "postgresql", "pgx", "SQLite"} {
		p := &Plan{
			Metadata: Metadata{Feature: "f"},
			Steps: []Step{{ID: "q", Type: StepSQLEvidence, SQL: &SQLStep{Driver: driver, DSN: "x", Query: "select 1"}}},
		}
		if !HasErrors(ValidateDomain(p)) {
			t.Errorf("driver %q: expected error", driver)
		}
	}
	for _, driver := range []string{DriverSQLite, DriverPostgres} {
		p := &Plan{
			Metadata: Metadata{Feature: "f"},
			Steps: []Step{{ID: "q", Type: StepSQLEvidence, SQL: &SQLStep{Driver: driver, DSN: "x", Query: "select 1"}}},
		}
		if errs := ValidateDomain(p); HasErrors(errs) {
			t.Errorf("driver %q: unexpected errors %v", driver, errs)
		}
	}
}

func TestValidate_IgnoredConfigWarningsAreOrdered(t *testing.T) {
	p := &Plan{
		Metadata: Metadata{Feature: "f"},
		Steps: []Step{{
			ID:         "a",
			Type:       StepCLI,
			CLI:        &CLIStep{Command: "true"},
			Tabular:    &TabularStep{File: "t.csv"},
			Browser:    &BrowserStep{Behavior: "login"},
			Specialist: &SpecialistStep{Output: "x.md", Content: "x"},
			API:        &APIStep{Request: "r"},
		}},
	}
	want := []string{
		"config for browser is ignored by a cli step",
		"config for api is ignored by a cli step",
		"config for specialist is ignored by a cli step",
		"config for tabular is ignored by a cli step",
	}
	for run := 0; run < 5; run++ {
		var got []string
		for _, e := range ValidateDomain(p) {
			if e.Severity == "warning" && strings.Contains(e.Message, "is ignored") {
				got = append(got, e.Message)
			}
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("warnings = %v, want %v", got, want)
		}
	}
}

func TestExternalRefs(t *testing.T) {
	p := &Plan{
		Path:   "/plans/p.yaml",
		Assets: &Assets{Requests: "requests.yaml", Behaviors: "/abs/behaviors.yaml"},
	}
	cases := []struct {
		step Step
		want string
	}{
		{Step{Type: StepAPI, API: &APIStep{Request: "create"}}, "/plans/requests.yaml"},
		{Step{Type: StepBrowser, Browser: &BrowserStep{Behavior: "login"}}, "/abs/behaviors.yaml"},
		{Step{Type: StepSQLEvidence, SQL: &SQLStep{QueryFile: "q.sql"}}, "/plans/q.sql"},
		{Step{Type: StepTabular, Tabular: &TabularStep{File: "data/t.csv"}}, "/plans/data/t.csv"},
	}
	for _, c := range cases {
		refs := p.ExternalRefs(&c.step)
		if len(refs) != 1 || refs[0] != filepath.FromSlash(c.want) {
			t.Errorf("%s refs = %v, want [%s]", c.step.Type, refs, c.want)
		}
	}

	inline := Step{Type: StepAPI, API: &APIStep{HTTPRequest: HTTPRequest{URL: "http://x"}}}
	if refs := p.ExternalRefs(&inline); len(refs) != 0 {
		t.Errorf("inline api refs = %v, want none", refs)
	}
	s3 := Step{Type: StepLogstream, Logstream: &LogstreamStep{Source: "s3://logs/app.log"}}
	if refs := p.ExternalRefs(&s3); len(refs) != 0 {
		t.Errorf("s3 logstream refs = %v, want none", refs)
	}
}

func TestLoadRequestsAndBehaviors(t *testing.T) {
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "requests.yaml")
	os.WriteFile(reqPath, []byte(`
createUser:
  method: POST
  url: "{baseUrl}/users"
  body: {name: "{user}"}
`), 0o644)
	behPath := filepath.Join(dir, "behaviors.yaml")
	os.WriteFile(behPath, []byte(`
login:
  - {action: navigate, url: "{baseUrl}/login"}
  - {action: click, selector: "#submit"}
`), 0o644)

	reqs, err := LoadRequests(reqPath)
	if err != nil {
		t.Fatalf("LoadRequests: %v", err)
	}
	if reqs["createUser"].Method != "POST" {
		t.Errorf("method = %q", reqs["createUser"].Method)
	}
	behaviors, err := LoadBehaviors(behPath)
	if err != nil {
		t.Fatalf("LoadBehaviors: %v", err)
	}
	if len(behaviors["login"]) != 2 {
		t.Errorf("login actions = %d, want 2", len(behaviors["login"]))
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatalf("GenerateJSONSchema: %v", err)
	}
	if !strings.Contains(string(data), "sqlEvidence") {
		t.Error("schema missing step type enum")
	}
}
