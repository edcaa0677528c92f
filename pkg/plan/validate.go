package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].sql.query")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether errs contains at least one error-severity entry.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a plan file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (step-kind rules)
func ValidateFile(path string) (*Plan, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return p, Validate(p)
}

// Validate runs the semantic and domain phases on an already decoded plan.
func Validate(p *Plan) []*ValidationError {
	var errs []*ValidationError
	errs = append(errs, validateSemantic(p)...)
	errs = append(errs, ValidateDomain(p)...)
	return errs
}

var (
	schemaOnce sync.Once
	schemaComp *sjsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*sjsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := GenerateJSONSchema()
		if err != nil {
			schemaErr = err
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource("plan.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schemaComp, schemaErr = c.Compile("plan.json")
	})
	return schemaComp, schemaErr
}

// validateSemantic validates the plan against the generated JSON Schema.
func validateSemantic(p *Plan) []*ValidationError {
	semErr := func(msg string) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: msg, Severity: "error"}}
	}

	sch, err := compiledSchema()
	if err != nil {
		return semErr(fmt.Sprintf("compile schema: %v", err))
	}

	data, err := json.Marshal(p)
	if err != nil {
		return semErr(fmt.Sprintf("marshal for schema validation: %v", err))
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return semErr(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semErr(err.Error())
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs the domain phase: step-kind config requirements,
// loop descriptors, export rule shapes and cross references.
func ValidateDomain(p *Plan) []*ValidationError {
	v := &domainValidator{plan: p}

	if strings.TrimSpace(p.Metadata.Feature) == "" {
		v.errorf("metadata.feature", "feature name is required")
	}
	if len(p.Steps) == 0 {
		v.errorf("steps", "plan must contain at least one step")
	}
	switch p.FailPolicy {
	case "", FailStop, FailContinue:
	default:
		v.errorf("failPolicy", "invalid fail policy %q: must be stop or continue", p.FailPolicy)
	}
	if p.Browser != nil {
		v.duration("browser.retryDelay", p.Browser.RetryDelay)
		v.duration("browser.timeout", p.Browser.Timeout)
	}
	for name, db := range p.Databases {
		v.driver(fmt.Sprintf("databases.%s.driver", name), db.Driver)
		if db.DSN == "" {
			v.errorf(fmt.Sprintf("databases.%s.dsn", name), "dsn is required")
		}
	}

	seen := make(map[string]int)
	for i := range p.Steps {
		s := &p.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		if prev, ok := seen[s.EffectiveID()]; ok {
			v.errorf(path+".id", "duplicate step id %q (first used by steps[%d])", s.EffectiveID(), prev)
		} else {
			seen[s.EffectiveID()] = i
		}
		v.step(path, s)
	}
	return v.errs
}

type domainValidator struct {
	plan *Plan
	errs []*ValidationError
}

func (v *domainValidator) errorf(path, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{
		Phase: "domain", Path: path, Message: fmt.Sprintf(format, args...), Severity: "error",
	})
}

func (v *domainValidator) warnf(path, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{
		Phase: "domain", Path: path, Message: fmt.Sprintf(format, args...), Severity: "warning",
	})
}

func (v *domainValidator) duration(path, s string) {
	if _, err := ParseDuration(s, 0); err != nil {
		v.errorf(path, "%v", err)
	}
}

func (v *domainValidator) driver(path, driver string) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		v.errorf(path, "unsupported driver %q: must be %s or %s", driver, DriverSQLite, DriverPostgres)
	}
}

func (v *domainValidator) step(path string, s *Step) {
	if !s.Type.Valid() {
		v.errorf(path+".type", "unknown step type %q", s.Type)
		return
	}

	for i, key := range s.Requires {
		if strings.TrimSpace(key) == "" {
			v.errorf(fmt.Sprintf("%s.requires[%d]", path, i), "empty context key")
		}
	}

	if s.Loop != nil {
		if s.Loop.UseItems && len(s.Loop.Items) > 0 {
			v.errorf(path+".loop", "loop declares both items and useItems")
		}
		if s.Loop.UseItems && (v.plan.Inputs == nil || len(v.plan.Inputs.Items) == 0) {
			v.warnf(path+".loop", "useItems set but inputs.items is empty; the step will not run")
		}
	}

	for name, rule := range s.Exports {
		v.exportRule(fmt.Sprintf("%s.exports.%s", path, name), rule)
	}

	blocks := map[StepType]bool{
		StepBrowser:     s.Browser != nil,
		StepAPI:         s.API != nil,
		StepSQLEvidence: s.SQL != nil,
		StepCLI:         s.CLI != nil,
		StepSpecialist:  s.Specialist != nil,
		StepLogstream:   s.Logstream != nil,
		StepTabular:     s.Tabular != nil,
	}
	for _, kind := range StepTypes {
		if blocks[kind] && kind != s.Type {
			v.warnf(path, "config for %s is ignored by a %s step", kind, s.Type)
		}
	}

	switch s.Type {
	case StepBrowser:
		v.browser(path+".browser", s.Browser)
	case StepAPI:
		v.api(path+".api", s.API)
	case StepSQLEvidence:
		v.sql(path+".sql", s.SQL)
	case StepCLI:
		v.cli(path+".cli", s.CLI)
	case StepSpecialist:
		v.specialist(path+".specialist", s.Specialist)
	case StepLogstream:
		v.logstream(path+".logstream", s.Logstream)
	case StepTabular:
		v.tabular(path+".tabular", s.Tabular)
	}
}

func (v *domainValidator) exportRule(path string, r ExportRule) {
	shapes := 0
	for _, set := range []bool{r.Column != "", r.Regex != "", r.Path != ""} {
		if set {
			shapes++
		}
	}
	if shapes != 1 {
		v.errorf(path, "export rule must set exactly one of column, regex or path")
		return
	}
	if r.Regex != "" {
		re, err := regexp.Compile(r.Regex)
		if err != nil {
			v.errorf(path+".regex", "invalid regex: %v", err)
		} else if re.NumSubexp() < 1 {
			v.errorf(path+".regex", "regex must contain a capture group")
		}
	}
}

func (v *domainValidator) browser(path string, b *BrowserStep) {
	if b == nil {
		v.errorf(path, "browser step requires a browser block")
		return
	}
	v.duration(path+".timeout", b.Timeout)
	switch {
	case b.Behavior != "" && len(b.Actions) > 0:
		v.errorf(path, "set either behavior or actions, not both")
	case b.Behavior != "":
		if v.plan.Assets == nil || v.plan.Assets.Behaviors == "" {
			v.errorf(path+".behavior", "behavior %q requires assets.behaviors", b.Behavior)
		}
	case len(b.Actions) == 0:
		v.errorf(path, "browser step requires behavior or actions")
	}
	for i, a := range b.Actions {
		ValidateAction(a, func(field, msg string) {
			v.errorf(fmt.Sprintf("%s.actions[%d]%s", path, i, field), "%s", msg)
		})
	}
}

// ValidateAction checks one browser action's required fields, reporting each
// problem through report (field is a ".name" suffix or empty).
func ValidateAction(a BrowserAction, report func(field, msg string)) {
	need := func(field, val string) {
		if val == "" {
			report("."+field, fmt.Sprintf("%s action requires %s", a.Action, field))
		}
	}
	switch a.Action {
	case "navigate":
		need("url", a.URL)
	case "click", "waitVisible":
		need("selector", a.Selector)
	case "type", "assertText":
		need("selector", a.Selector)
		need("text", a.Text)
	case "extractText":
		need("selector", a.Selector)
		need("name", a.Name)
	case "sleep":
		need("duration", a.Duration)
		if _, err := ParseDuration(a.Duration, 0); err != nil {
			report(".duration", err.Error())
		}
	case "screenshot", "snapshot":
	default:
		report(".action", fmt.Sprintf("unknown browser action %q", a.Action))
	}
}

func (v *domainValidator) api(path string, a *APIStep) {
	if a == nil {
		v.errorf(path, "api step requires an api block")
		return
	}
	v.duration(path+".timeout", a.Timeout)
	if a.Request != "" {
		if v.plan.Assets == nil || v.plan.Assets.Requests == "" {
			v.errorf(path+".request", "request %q requires assets.requests", a.Request)
		}
	} else if a.URL == "" {
		v.errorf(path, "api step requires request or url")
	}
	if a.Body != nil && a.BodyText != "" {
		v.errorf(path, "set either body or bodyText, not both")
	}
	if a.ExpectStatus != 0 && (a.ExpectStatus < 100 || a.ExpectStatus > 599) {
		v.errorf(path+".expectStatus", "invalid HTTP status %d", a.ExpectStatus)
	}
	v.expression(path+".expect", a.Expect, map[string]any{"status": 0, "body": "", "json": nil, "headers": map[string]string{}})
}

func (v *domainValidator) sql(path string, q *SQLStep) {
	if q == nil {
		v.errorf(path, "sqlEvidence step requires a sql block")
		return
	}
	switch {
	case q.Database != "":
		if _, ok := v.plan.Databases[q.Database]; !ok {
			v.errorf(path+".database", "unknown database %q", q.Database)
		}
	case q.DSN != "":
		v.driver(path+".driver", q.Driver)
	default:
		v.errorf(path, "sqlEvidence step requires database or driver+dsn")
	}
	if (q.Query == "") == (q.QueryFile == "") {
		v.errorf(path, "set exactly one of query or queryFile")
	}
}

func (v *domainValidator) cli(path string, c *CLIStep) {
	if c == nil {
		v.errorf(path, "cli step requires a cli block")
		return
	}
	if (c.Command == "") == (len(c.Argv) == 0) {
		v.errorf(path, "set exactly one of command or argv")
	}
	v.duration(path+".timeout", c.Timeout)
	for i, pattern := range c.Redact {
		if _, err := regexp.Compile(pattern); err != nil {
			v.errorf(fmt.Sprintf("%s.redact[%d]", path, i), "invalid regex: %v", err)
		}
	}
	v.expression(path+".successWhen", c.SuccessWhen, map[string]any{"exitCode": 0, "stdout": "", "stderr": ""})
}

// expression compiles a boolean expression when it has no unresolved placeholders.
func (v *domainValidator) expression(path, src string, env map[string]any) {
	if src == "" || strings.Contains(src, "{") {
		return
	}
	if _, err := expr.Compile(src, expr.Env(env), expr.AsBool()); err != nil {
		v.errorf(path, "invalid expression: %v", err)
	}
}

func (v *domainValidator) specialist(path string, s *SpecialistStep) {
	if s == nil {
		v.errorf(path, "specialist step requires a specialist block")
		return
	}
	if s.Output == "" {
		v.errorf(path+".output", "output file name is required")
	} else if strings.ContainsAny(s.Output, `/\`) {
		v.errorf(path+".output", "output must be a plain file name")
	}
	if (s.Template == "") == (s.Content == "") {
		v.errorf(path, "set exactly one of template or content")
	}
}

func (v *domainValidator) logstream(path string, l *LogstreamStep) {
	if l == nil {
		v.errorf(path, "logstream step requires a logstream block")
		return
	}
	if l.Source == "" {
		v.errorf(path+".source", "source is required")
	}
	if l.Match != "" && !strings.Contains(l.Match, "{") {
		if _, err := regexp.Compile(l.Match); err != nil {
			v.errorf(path+".match", "invalid regex: %v", err)
		}
	}
}

func (v *domainValidator) tabular(path string, t *TabularStep) {
	if t == nil {
		v.errorf(path, "tabular step requires a tabular block")
		return
	}
	if t.File == "" {
		v.errorf(path+".file", "file is required")
	}
	if len([]rune(t.Delimiter)) > 1 {
		v.errorf(path+".delimiter", "delimiter must be a single character")
	}
}
