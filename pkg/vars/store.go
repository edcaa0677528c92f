// Package vars implements the run context: a flat string-keyed variable store
// built from layered sources, and the {key} template resolver that reads it.
package vars

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Intrinsic keys are always set by the engine and win over every other layer.
const (
	KeyFeature   = "feature"
	KeyTicket    = "ticket"
	KeyEnv       = "env"
	KeyRunID     = "runId"
	KeyStartedAt = "startedAt"
	KeyLoopIndex = "loopIndex"
	KeyLoopTotal = "loopTotal"
)

// Store is a flat string map. It is single-owner: the engine threads one
// Store through the run and mutates it only by applying exports.
type Store struct {
	values map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// FromMap returns a store holding a copy of m.
func FromMap(m map[string]string) *Store {
	s := New()
	maps.Copy(s.values, m)
	return s
}

// Get returns the value for key.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores value under key.
func (s *Store) Set(key, value string) {
	s.values[key] = value
}

// Len returns the number of keys.
func (s *Store) Len() int {
	return len(s.values)
}

// Keys returns the keys in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Snapshot returns a copy of the current values.
func (s *Store) Snapshot() map[string]string {
	return maps.Clone(s.values)
}

// Overlay returns a derived store: a copy of s with layer applied on top.
// Writes to the derived store never reach s.
func (s *Store) Overlay(layer map[string]string) *Store {
	d := FromMap(s.values)
	maps.Copy(d.values, layer)
	return d
}

// Missing returns the keys from want that are absent, in the order given.
func (s *Store) Missing(want []string) []string {
	var missing []string
	for _, k := range want {
		if !s.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Layers are the ordered sources of a run context. Later layers overwrite earlier ones:
// Defaults -> PlanContext -> Overrides -> environment (prefix stripped) -> Intrinsics.
type Layers struct {
	Defaults    map[string]any
	PlanContext map[string]any
	Overrides   map[string]any
	EnvPrefix   string
	Environ     []string // KEY=VALUE pairs, as returned by os.Environ
	Intrinsics  map[string]string
}

// Build constructs a run context from its layers.
func Build(l Layers) *Store {
	s := New()
	for _, layer := range []map[string]any{l.Defaults, l.PlanContext, l.Overrides} {
		for k, v := range layer {
			s.values[k] = Stringify(v)
		}
	}
	maps.Copy(s.values, FromEnviron(l.Environ, l.EnvPrefix))
	maps.Copy(s.values, l.Intrinsics)
	return s
}

// FromEnviron extracts variables whose name starts with prefix, stripping the prefix.
// An empty prefix selects nothing.
func FromEnviron(environ []string, prefix string) map[string]string {
	out := make(map[string]string)
	if prefix == "" {
		return out
	}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// LoopLayer returns the overlay for iteration index (1-based) of total.
func LoopLayer(item map[string]any, index, total int) map[string]string {
	layer := make(map[string]string, len(item)+2)
	for k, v := range item {
		layer[k] = Stringify(v)
	}
	layer[KeyLoopIndex] = strconv.Itoa(index)
	layer[KeyLoopTotal] = strconv.Itoa(total)
	return layer
}

// numberString keeps integer literals exact at any size and renders other
// numbers in shortest float form, so 1.50 and 1.5 stringify alike.
func numberString(n json.Number) string {
	s := n.String()
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s
	}
	if strings.Trim(strings.TrimPrefix(s, "-"), "0123456789") == "" {
		return s
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Stringify renders a value as a context string: strings verbatim, numbers in
// shortest form, booleans as true/false, nil as "", everything else as compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return numberString(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
