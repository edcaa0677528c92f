package vars

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {identifier} placeholders. JSON-looking braces such as
// {"a":1} or regex quantifiers such as {2,3} do not match.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// Lookup is the read side of a context.
type Lookup interface {
	Get(key string) (string, bool)
}

// MissingKeyError reports a context key that was referenced but not present.
type MissingKeyError struct {
	Key    string
	Reason string // "placeholder" or "requires"
}

func (e *MissingKeyError) Error() string {
	if e.Reason == "requires" {
		return fmt.Sprintf("required context key %q is missing", e.Key)
	}
	return fmt.Sprintf("unresolved placeholder {%s}: key not in context", e.Key)
}

// ResolveString substitutes every {key} in s. A missing key is an error;
// nothing is ever replaced with an empty string silently.
func ResolveString(s string, ctx Lookup) (string, error) {
	if !strings.Contains(s, "{") {
		return s, nil // fast path for literals
	}
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := ctx.Get(key)
		if !ok {
			if missing == "" {
				missing = key
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &MissingKeyError{Key: missing, Reason: "placeholder"}
	}
	return out, nil
}

// Resolve walks arbitrary nested data and resolves every string in it.
// Lists and maps are resolved element-wise; other scalars pass through unchanged.
func Resolve(input any, ctx Lookup) (any, error) {
	switch v := input.(type) {
	case string:
		return ResolveString(v, ctx)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			r, err := ResolveString(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			r, err := ResolveString(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r.(map[string]any)
		}
		return out, nil
	default:
		return input, nil
	}
}

// ResolveMap resolves every value of a map[string]any.
func ResolveMap(m map[string]any, ctx Lookup) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	r, err := Resolve(m, ctx)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}

// Placeholders returns the distinct keys referenced by s, in order of appearance.
func Placeholders(s string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
