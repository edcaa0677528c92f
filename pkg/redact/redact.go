// Package redact masks secrets in captured output before it is written or exported.
package redact

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Mask replaces every redacted value.
const Mask = "<REDACTED>"

// secretKeyMarkers mark a context key as secret when contained in its name.
var secretKeyMarkers = []string{"password", "passwd", "secret", "token", "apikey", "api_key"}

// Rule is a compiled redaction pattern.
type Rule struct {
	Pattern *regexp.Regexp
	Replace string
}

// CompileRules compiles a list of regex patterns. Each match is replaced with Mask;
// when a pattern has capture groups only the first group is masked.
func CompileRules(patterns []string) ([]*Rule, error) {
	var rules []*Rule
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		rules = append(rules, &Rule{Pattern: re, Replace: Mask})
	}
	return rules, nil
}

// IsSecretKey reports whether a context key names a secret.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, m := range secretKeyMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

// SecretValues returns the non-empty values of secret-named keys, longest first.
func SecretValues(ctx map[string]string) []string {
	var values []string
	for k, v := range ctx {
		if v != "" && IsSecretKey(k) {
			values = append(values, v)
		}
	}
	slices.SortFunc(values, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return slices.Compact(values)
}

// Redactor applies literal secret values and pattern rules to text.
type Redactor struct {
	values []string
	rules  []*Rule
}

// New returns a redactor for the given secret values and rules.
func New(values []string, rules []*Rule) *Redactor {
	return &Redactor{values: values, rules: rules}
}

// Empty reports whether the redactor would leave every input unchanged.
func (r *Redactor) Empty() bool {
	return r == nil || (len(r.values) == 0 && len(r.rules) == 0)
}

// String redacts s.
func (r *Redactor) String(s string) string {
	if r.Empty() {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	for _, rule := range r.rules {
		s = replace(rule, s)
	}
	return s
}

// Value redacts every string inside nested data.
func (r *Redactor) Value(v any) any {
	if r.Empty() {
		return v
	}
	switch val := v.(type) {
	case string:
		return r.String(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Value(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.Value(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = r.String(item)
		}
		return out
	default:
		return v
	}
}

func replace(rule *Rule, s string) string {
	if rule.Pattern.NumSubexp() == 0 {
		return rule.Pattern.ReplaceAllString(s, rule.Replace)
	}
	return rule.Pattern.ReplaceAllStringFunc(s, func(m string) string {
		loc := rule.Pattern.FindStringSubmatchIndex(m)
		if loc == nil || loc[2] < 0 {
			return m
		}
		return m[:loc[2]] + rule.Replace + m[loc[3]:]
	})
}
