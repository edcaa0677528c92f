// Package plan defines the plan document model: metadata, inputs, policies and
// the tagged Step variant consumed by the execution engine.
package plan

import (
	"fmt"
	"path/filepath"
	"time"
)

// ---------------------------------------------------------------------------
// Plan
// ---------------------------------------------------------------------------

// Plan is the top-level document describing one run.
type Plan struct {
	Metadata   Metadata            `yaml:"metadata"             json:"metadata"`
	Context    map[string]any      `yaml:"context,omitempty"    json:"context,omitempty"`
	Steps      []Step              `yaml:"steps"                json:"steps" jsonschema:"minItems=1"`
	FailPolicy FailPolicy          `yaml:"failPolicy,omitempty" json:"failPolicy,omitempty" jsonschema:"enum=stop,enum=continue"`
	Cache      *CacheConfig        `yaml:"cache,omitempty"      json:"cache,omitempty"`
	Inputs     *Inputs             `yaml:"inputs,omitempty"     json:"inputs,omitempty"`
	Assets     *Assets             `yaml:"assets,omitempty"     json:"assets,omitempty"`
	Browser    *BrowserConfig      `yaml:"browser,omitempty"    json:"browser,omitempty"`
	Databases  map[string]Database `yaml:"databases,omitempty"  json:"databases,omitempty"`

	// Path is the file the plan was loaded from; relative asset paths resolve against its directory.
	Path string `yaml:"-" json:"-"`
}

// Metadata identifies the plan in run records.
type Metadata struct {
	Feature string `yaml:"feature"          json:"feature"`
	Ticket  string `yaml:"ticket,omitempty" json:"ticket,omitempty"`
	Env     string `yaml:"env,omitempty"    json:"env,omitempty"`
}

// FailPolicy controls whether a failing attempt aborts the run.
type FailPolicy string

const (
	FailStop     FailPolicy = "stop"
	FailContinue FailPolicy = "continue"
)

// CacheConfig enables content-addressed step caching.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"       json:"enabled"`
	Dir     string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Inputs is the layered input block used to build the run context.
type Inputs struct {
	Defaults  map[string]any   `yaml:"defaults,omitempty"  json:"defaults,omitempty"`
	Overrides map[string]any   `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	EnvPrefix string           `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`
	Items     []map[string]any `yaml:"items,omitempty"     json:"items,omitempty"`
}

// Assets references external files consumed by specific step kinds.
type Assets struct {
	Behaviors string `yaml:"behaviors,omitempty" json:"behaviors,omitempty"` // name -> browser actions
	Requests  string `yaml:"requests,omitempty"  json:"requests,omitempty"`  // name -> HTTP request template
}

// BrowserConfig holds plan-wide browser settings.
type BrowserConfig struct {
	Headless     *bool  `yaml:"headless,omitempty"     json:"headless,omitempty"`
	ReuseSession bool   `yaml:"reuseSession,omitempty" json:"reuseSession,omitempty"`
	Retries      int    `yaml:"retries,omitempty"      json:"retries,omitempty" jsonschema:"minimum=0"`
	RetryDelay   string `yaml:"retryDelay,omitempty"   json:"retryDelay,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m)$"`
	Timeout      string `yaml:"timeout,omitempty"      json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m)$"`
}

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database is a named SQL connection target.
type Database struct {
	Driver string `yaml:"driver" json:"driver" jsonschema:"enum=sqlite,enum=postgres"`
	DSN    string `yaml:"dsn"    json:"dsn"`
}

// ---------------------------------------------------------------------------
// Step
// ---------------------------------------------------------------------------

// StepType is the closed set of step kinds.
type StepType string

const (
	StepBrowser     StepType = "browser"
	StepAPI         StepType = "api"
	StepSQLEvidence StepType = "sqlEvidence"
	StepCLI         StepType = "cli"
	StepSpecialist  StepType = "specialist"
	StepLogstream   StepType = "logstream"
	StepTabular     StepType = "tabular"
)

// StepTypes lists every known step kind in declaration order.
var StepTypes = []StepType{
	StepBrowser, StepAPI, StepSQLEvidence, StepCLI, StepSpecialist, StepLogstream, StepTabular,
}

// Valid reports whether t is a known step kind.
func (t StepType) Valid() bool {
	for _, k := range StepTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Step is one declared unit of work. Only the config block matching Type is populated.
type Step struct {
	ID          string                `yaml:"id,omitempty"          json:"id,omitempty"`
	Type        StepType              `yaml:"type"                  json:"type" jsonschema:"enum=browser,enum=api,enum=sqlEvidence,enum=cli,enum=specialist,enum=logstream,enum=tabular"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Requires    []string              `yaml:"requires,omitempty"    json:"requires,omitempty"`
	Exports     map[string]ExportRule `yaml:"exports,omitempty"     json:"exports,omitempty"`
	Cache       *bool                 `yaml:"cache,omitempty"       json:"cache,omitempty"`
	Loop        *Loop                 `yaml:"loop,omitempty"        json:"loop,omitempty"`

	Browser    *BrowserStep    `yaml:"browser,omitempty"    json:"browser,omitempty"`
	API        *APIStep        `yaml:"api,omitempty"        json:"api,omitempty"`
	SQL        *SQLStep        `yaml:"sql,omitempty"        json:"sql,omitempty"`
	CLI        *CLIStep        `yaml:"cli,omitempty"        json:"cli,omitempty"`
	Specialist *SpecialistStep `yaml:"specialist,omitempty" json:"specialist,omitempty"`
	Logstream  *LogstreamStep  `yaml:"logstream,omitempty"  json:"logstream,omitempty"`
	Tabular    *TabularStep    `yaml:"tabular,omitempty"    json:"tabular,omitempty"`
}

// EffectiveID returns the step id, falling back to the type name.
func (s *Step) EffectiveID() string {
	if s.ID != "" {
		return s.ID
	}
	return string(s.Type)
}

// Loop expands a step into one attempt per item.
type Loop struct {
	Items    []map[string]any `yaml:"items,omitempty"    json:"items,omitempty"`
	UseItems bool             `yaml:"useItems,omitempty" json:"useItems,omitempty"`
}

// ExportRule extracts one value from a step's output into the run context.
// Exactly one of Column, Regex or Path is set.
type ExportRule struct {
	From   string `yaml:"from,omitempty"   json:"from,omitempty"`
	Column string `yaml:"column,omitempty" json:"column,omitempty"`
	Row    int    `yaml:"row,omitempty"    json:"row,omitempty" jsonschema:"minimum=0"`
	Regex  string `yaml:"regex,omitempty"  json:"regex,omitempty"`
	Path   string `yaml:"path,omitempty"   json:"path,omitempty"`
}

// ---------------------------------------------------------------------------
// Step configs
// ---------------------------------------------------------------------------

// BrowserStep drives a browser through a list of actions.
type BrowserStep struct {
	Behavior string          `yaml:"behavior,omitempty" json:"behavior,omitempty"`
	Actions  []BrowserAction `yaml:"actions,omitempty"  json:"actions,omitempty"`
	Retries  *int            `yaml:"retries,omitempty"  json:"retries,omitempty" jsonschema:"minimum=0"`
	Timeout  string          `yaml:"timeout,omitempty"  json:"timeout,omitempty"`
}

// BrowserAction is one browser interaction.
type BrowserAction struct {
	Action   string `yaml:"action"             json:"action" jsonschema:"enum=navigate,enum=click,enum=type,enum=waitVisible,enum=sleep,enum=assertText,enum=extractText,enum=screenshot,enum=snapshot"`
	URL      string `yaml:"url,omitempty"      json:"url,omitempty"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text     string `yaml:"text,omitempty"     json:"text,omitempty"`
	Name     string `yaml:"name,omitempty"     json:"name,omitempty"`
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// HTTPRequest is an HTTP request template, inline or loaded from assets.requests.
type HTTPRequest struct {
	Method   string            `yaml:"method,omitempty"   json:"method,omitempty"`
	URL      string            `yaml:"url,omitempty"      json:"url,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"  json:"headers,omitempty"`
	Query    map[string]string `yaml:"query,omitempty"    json:"query,omitempty"`
	Body     any               `yaml:"body,omitempty"     json:"body,omitempty"`
	BodyText string            `yaml:"bodyText,omitempty" json:"bodyText,omitempty"`
}

// APIStep issues one HTTP request.
type APIStep struct {
	Request      string `yaml:"request,omitempty"      json:"request,omitempty"`
	HTTPRequest  `yaml:",inline"`
	ExpectStatus int    `yaml:"expectStatus,omitempty" json:"expectStatus,omitempty"`
	Expect       string `yaml:"expect,omitempty"       json:"expect,omitempty"`
	Timeout      string `yaml:"timeout,omitempty"      json:"timeout,omitempty"`
}

// SQLStep runs a query and captures the rows as evidence.
type SQLStep struct {
	Database   string `yaml:"database,omitempty"   json:"database,omitempty"`
	Driver     string `yaml:"driver,omitempty"     json:"driver,omitempty" jsonschema:"enum=sqlite,enum=postgres"`
	DSN        string `yaml:"dsn,omitempty"        json:"dsn,omitempty"`
	Query      string `yaml:"query,omitempty"      json:"query,omitempty"`
	QueryFile  string `yaml:"queryFile,omitempty"  json:"queryFile,omitempty"`
	Args       []any  `yaml:"args,omitempty"       json:"args,omitempty"`
	ExpectRows *int   `yaml:"expectRows,omitempty" json:"expectRows,omitempty" jsonschema:"minimum=0"`
}

// CLIStep spawns a process.
type CLIStep struct {
	Command        string            `yaml:"command,omitempty"        json:"command,omitempty"`
	Argv           []string          `yaml:"argv,omitempty"           json:"argv,omitempty"`
	Dir            string            `yaml:"dir,omitempty"            json:"dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"            json:"env,omitempty"`
	Timeout        string            `yaml:"timeout,omitempty"        json:"timeout,omitempty"`
	ExpectExitCode int               `yaml:"expectExitCode,omitempty" json:"expectExitCode,omitempty"`
	SuccessWhen    string            `yaml:"successWhen,omitempty"    json:"successWhen,omitempty"`
	Redact         []string          `yaml:"redact,omitempty"         json:"redact,omitempty"`
}

// SpecialistStep renders a document from a template and writes it as an artifact.
type SpecialistStep struct {
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	Content  string `yaml:"content,omitempty"  json:"content,omitempty"`
	Output   string `yaml:"output"             json:"output"`
}

// LogstreamStep captures log lines from a file or an object store.
type LogstreamStep struct {
	Source        string `yaml:"source"                  json:"source"`
	Match         string `yaml:"match,omitempty"         json:"match,omitempty"`
	Tail          int    `yaml:"tail,omitempty"          json:"tail,omitempty" jsonschema:"minimum=0"`
	ExpectMatches int    `yaml:"expectMatches,omitempty" json:"expectMatches,omitempty" jsonschema:"minimum=0"`
}

// TabularStep loads a table file as rows.
type TabularStep struct {
	File       string   `yaml:"file"                 json:"file"`
	Delimiter  string   `yaml:"delimiter,omitempty"  json:"delimiter,omitempty"`
	ExpectRows *int     `yaml:"expectRows,omitempty" json:"expectRows,omitempty" jsonschema:"minimum=0"`
	Columns    []string `yaml:"columns,omitempty"    json:"columns,omitempty"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// DefaultEnvPrefix is the environment prefix used when inputs.envPrefix is empty.
const DefaultEnvPrefix = "AUTO_"

// DefaultCacheDir is the cache root used when cache.dir is empty.
const DefaultCacheDir = ".automacao/cache"

// Policy returns the fail policy, defaulting to stop.
func (p *Plan) Policy() FailPolicy {
	if p.FailPolicy == "" {
		return FailStop
	}
	return p.FailPolicy
}

// EnvPrefix returns the configured environment prefix or DefaultEnvPrefix.
func (p *Plan) EnvPrefix() string {
	if p.Inputs != nil && p.Inputs.EnvPrefix != "" {
		return p.Inputs.EnvPrefix
	}
	return DefaultEnvPrefix
}

// CacheEnabled reports whether step s participates in caching.
func (p *Plan) CacheEnabled(s *Step) bool {
	if p.Cache == nil || !p.Cache.Enabled {
		return false
	}
	return s.Cache == nil || *s.Cache
}

// CacheDir returns the cache root, resolved against the plan directory.
func (p *Plan) CacheDir() string {
	dir := DefaultCacheDir
	if p.Cache != nil && p.Cache.Dir != "" {
		dir = p.Cache.Dir
	}
	return p.ResolvePath(dir)
}

// Dir returns the directory containing the plan file.
func (p *Plan) Dir() string {
	if p.Path == "" {
		return "."
	}
	return filepath.Dir(p.Path)
}

// ResolvePath resolves a path relative to the plan directory.
func (p *Plan) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.Dir(), path)
}

// LoopItems returns the items a step iterates over and whether it declares a loop at all.
func (p *Plan) LoopItems(s *Step) ([]map[string]any, bool) {
	if s.Loop == nil {
		return nil, false
	}
	if s.Loop.UseItems {
		if p.Inputs == nil {
			return nil, true
		}
		return p.Inputs.Items, true
	}
	return s.Loop.Items, true
}

// ParseDuration parses a duration string, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
