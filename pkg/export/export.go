// Package export evaluates export rules against the sources a step produced
// and writes the extracted values into the run context.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// SourceRows is the name of the tabular source read by column rules.
const SourceRows = "rows"

// defaultTextSources is the preference order used when a rule has no from.
var defaultTextSources = []string{"body", "stdout", "text", "stderr"}

// Sources is the export payload of one step execution. It is persisted verbatim
// in cache entries so a cache hit replays the exact same rule evaluation.
type Sources struct {
	Rows  []map[string]any  `json:"rows,omitempty"`
	Texts map[string]string `json:"texts,omitempty"`
}

// Text returns the named text source.
func (s Sources) Text(name string) (string, bool) {
	v, ok := s.Texts[name]
	return v, ok
}

// SetText adds or replaces a text source.
func (s *Sources) SetText(name, value string) {
	if s.Texts == nil {
		s.Texts = make(map[string]string)
	}
	s.Texts[name] = value
}

// Names lists the available source names, sorted.
func (s Sources) Names() []string {
	var names []string
	for k := range s.Texts {
		names = append(names, k)
	}
	slices.Sort(names)
	if s.Rows != nil {
		names = append(names, SourceRows)
	}
	return names
}

// Normalize round-trips the payload through JSON so fresh and cached
// evaluations see identically typed values.
func (s Sources) Normalize() (Sources, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Sources{}, fmt.Errorf("normalize export sources: %w", err)
	}
	var out Sources
	if err := decodeJSON(data, &out); err != nil {
		return Sources{}, fmt.Errorf("normalize export sources: %w", err)
	}
	return out, nil
}

// decodeJSON unmarshals data keeping numbers as json.Number, so 64-bit ids
// are not rounded through float64.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// RuleError reports an export rule that could not produce a value.
type RuleError struct {
	Name   string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("export %q: %s", e.Name, e.Reason)
}

// Setter is the write side of a context.
type Setter interface {
	Set(key, value string)
}

// Evaluate computes every rule against src. Rules are evaluated in name order and
// the first failing rule aborts evaluation.
func Evaluate(rules map[string]plan.ExportRule, src Sources) (map[string]string, error) {
	out := make(map[string]string, len(rules))
	var ruleNames []string
	for k := range rules {
		ruleNames = append(ruleNames, k)
	}
	slices.Sort(ruleNames)
	for _, name := range ruleNames {
		v, err := evaluate(name, rules[name], src)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Apply evaluates rules and, only if all succeed, writes the values into ctx.
// Applying the same rules to the same sources always yields the same mutations.
func Apply(rules map[string]plan.ExportRule, src Sources, ctx Setter) (map[string]string, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	values, err := Evaluate(rules, src)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		ctx.Set(k, values[k])
	}
	return values, nil
}

func evaluate(name string, rule plan.ExportRule, src Sources) (string, error) {
	switch {
	case rule.Column != "":
		return column(name, rule, src)
	case rule.Regex != "":
		text, err := textSource(name, rule.From, src)
		if err != nil {
			return "", err
		}
		return capture(name, rule.Regex, text)
	case rule.Path != "":
		text, err := textSource(name, rule.From, src)
		if err != nil {
			return "", err
		}
		return lookup(name, rule.Path, text)
	default:
		return "", &RuleError{Name: name, Reason: "rule must set one of column, regex or path"}
	}
}

func column(name string, rule plan.ExportRule, src Sources) (string, error) {
	if rule.From != "" && rule.From != SourceRows {
		return "", &RuleError{Name: name, Reason: fmt.Sprintf("column rules read %q, not %q", SourceRows, rule.From)}
	}
	if src.Rows == nil {
		return "", &RuleError{Name: name, Reason: "step produced no rows"}
	}
	if rule.Row < 0 || rule.Row >= len(src.Rows) {
		return "", &RuleError{Name: name, Reason: fmt.Sprintf("row %d out of range (%d rows)", rule.Row, len(src.Rows))}
	}
	v, ok := src.Rows[rule.Row][rule.Column]
	if !ok {
		return "", &RuleError{Name: name, Reason: fmt.Sprintf("row %d has no column %q", rule.Row, rule.Column)}
	}
	return vars.Stringify(v), nil
}

func textSource(name, from string, src Sources) (string, error) {
	if from != "" {
		if from == SourceRows && src.Rows != nil {
			data, err := json.Marshal(src.Rows)
			if err != nil {
				return "", &RuleError{Name: name, Reason: err.Error()}
			}
			return string(data), nil
		}
		text, ok := src.Text(from)
		if !ok {
			return "", &RuleError{Name: name, Reason: fmt.Sprintf("source %q not produced (available: %s)", from, strings.Join(src.Names(), ", "))}
		}
		return text, nil
	}
	for _, candidate := range defaultTextSources {
		if text, ok := src.Text(candidate); ok {
			return text, nil
		}
	}
	if len(src.Texts) == 1 {
		for _, text := range src.Texts {
			return text, nil
		}
	}
	return "", &RuleError{Name: name, Reason: fmt.Sprintf("no default text source; set from (available: %s)", strings.Join(src.Names(), ", "))}
}

func capture(name, pattern, text string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", &RuleError{Name: name, Reason: fmt.Sprintf("invalid regex: %v", err)}
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", &RuleError{Name: name, Reason: fmt.Sprintf("regex %q did not match", pattern)}
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

func lookup(name, path, text string) (string, error) {
	var doc any
	if err := decodeJSON([]byte(text), &doc); err != nil {
		doc = nil
		if yerr := yaml.Unmarshal([]byte(text), &doc); yerr != nil {
			return "", &RuleError{Name: name, Reason: fmt.Sprintf("source is neither JSON nor YAML: %v", err)}
		}
	}
	v, err := walk(doc, path)
	if err != nil {
		return "", &RuleError{Name: name, Reason: err.Error()}
	}
	return vars.Stringify(v), nil
}

// walk traverses doc along a dot-separated path. Segments index maps by key and
// lists by position; a[0].b is accepted as a.0.b.
func walk(doc any, path string) (any, error) {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	current := doc
	walked := ""
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		if walked != "" {
			walked += "."
		}
		walked += seg
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("path %q: key not found", walked)
			}
			current = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("path %q: %q is not a list index", walked, seg)
			}
			if i < 0 || i >= len(node) {
				return nil, fmt.Errorf("path %q: index out of range (%d items)", walked, len(node))
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("path %q: cannot descend into %T", walked, current)
		}
	}
	return current, nil
}
