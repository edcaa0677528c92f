package vars

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestBuild_Precedence(t *testing.T) {
	s := Build(Layers{
		Defaults:    map[string]any{"FOO": "default"},
		PlanContext: map[string]any{"FOO": "plan", "BAR": "plan"},
		Overrides:   map[string]any{"FOO": "override", "BAR": "override"},
		EnvPrefix:   "AUTO_",
		Environ:     []string{"AUTO_FOO=env", "PATH=/usr/bin", "AUTO_=ignored"},
	})
	if v, _ := s.Get("FOO"); v != "env" {
		t.Errorf("FOO = %q, want env", v)
	}
	if v, _ := s.Get("BAR"); v != "override" {
		t.Errorf("BAR = %q, want override", v)
	}
	if s.Has("PATH") {
		t.Error("variables without the prefix must not enter the context")
	}
	if s.Has("") {
		t.Error("bare prefix must not produce an empty key")
	}
}

func TestBuild_IntrinsicsWin(t *testing.T) {
	s := Build(Layers{
		Overrides:  map[string]any{KeyRunID: "hijack"},
		EnvPrefix:  "AUTO_",
		Environ:    []string{"AUTO_runId=env-hijack"},
		Intrinsics: map[string]string{KeyRunID: "20250101T000000-abcd1234"},
	})
	if v, _ := s.Get(KeyRunID); v != "20250101T000000-abcd1234" {
		t.Errorf("runId = %q, want intrinsic value", v)
	}
}

func TestBuild_StringifiesValues(t *testing.T) {
	s := Build(Layers{PlanContext: map[string]any{
		"port":    8080,
		"ratio":   0.5,
		"on":      true,
		"nothing": nil,
		"list":    []any{"a", 1},
	}})
	want := map[string]string{
		"port":    "8080",
		"ratio":   "0.5",
		"on":      "true",
		"nothing": "",
		"list":    `["a",1]`,
	}
	if got := s.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("snapshot = %v, want %v", got, want)
	}
}

func TestOverlay_DoesNotPolluteBase(t *testing.T) {
	base := FromMap(map[string]string{"user": "guest"})
	derived := base.Overlay(LoopLayer(map[string]any{"user": "alice"}, 1, 2))

	if v, _ := derived.Get("user"); v != "alice" {
		t.Errorf("derived user = %q, want alice", v)
	}
	if v, _ := derived.Get(KeyLoopIndex); v != "1" {
		t.Errorf("loopIndex = %q, want 1", v)
	}
	if v, _ := derived.Get(KeyLoopTotal); v != "2" {
		t.Errorf("loopTotal = %q, want 2", v)
	}
	derived.Set("extra", "x")

	if v, _ := base.Get("user"); v != "guest" {
		t.Errorf("base user = %q, want guest", v)
	}
	if base.Has(KeyLoopIndex) || base.Has("extra") {
		t.Error("overlay keys leaked into the base context")
	}
}

func TestMissing(t *testing.T) {
	s := FromMap(map[string]string{"a": "1"})
	got := s.Missing([]string{"a", "b", "c"})
	if !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("missing = %v", got)
	}
}

func TestResolveString_RoundTrip(t *testing.T) {
	ctx := FromMap(map[string]string{"x": "v"})
	got, err := ResolveString("{x}", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "v" {
		t.Errorf("got %q, want v", got)
	}

	got, err = ResolveString("{missing}", ctx)
	if err == nil {
		t.Fatalf("expected error, got %q", got)
	}
	var mk *MissingKeyError
	if !errors.As(err, &mk) || mk.Key != "missing" {
		t.Errorf("error = %v, want MissingKeyError{missing}", err)
	}
	if got != "" {
		t.Errorf("value on error = %q", got)
	}
}

func TestResolveString_LeavesNonPlaceholders(t *testing.T) {
	ctx := FromMap(map[string]string{"id": "7"})
	in := `{"id": "{id}"} matches \d{2,3}`
	got, err := ResolveString(in, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"id": "7"} matches \d{2,3}`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolve_Nested(t *testing.T) {
	ctx := FromMap(map[string]string{"host": "shop.local", "user": "alice"})
	in := map[string]any{
		"url":     "https://{host}/login",
		"port":    443,
		"enabled": true,
		"headers": map[string]string{"X-User": "{user}"},
		"steps":   []any{"{user}", map[string]any{"who": "{user}"}, 3.5},
		"argv":    []string{"echo", "{host}"},
	}
	out, err := Resolve(in, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"url":     "https://shop.local/login",
		"port":    443,
		"enabled": true,
		"headers": map[string]string{"X-User": "alice"},
		"steps":   []any{"alice", map[string]any{"who": "alice"}, 3.5},
		"argv":    []string{"echo", "shop.local"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("got %#v\nwant %#v", out, want)
	}
}

func TestResolve_NestedMissingKey(t *testing.T) {
	in := map[string]any{"a": []any{map[string]any{"b": "{nope}"}}}
	_, err := Resolve(in, New())
	var mk *MissingKeyError
	if !errors.As(err, &mk) || mk.Key != "nope" {
		t.Fatalf("error = %v, want MissingKeyError{nope}", err)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{a}-{b}-{a} {2}")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("placeholders = %v", got)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"s", "s"},
		{nil, ""},
		{false, "false"},
		{42, "42"},
		{int64(-3), "-3"},
		{1e21, "1000000000000000000000"},
		{2.25, "2.25"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{json.Number("12345678901234567890"), "12345678901234567890"},
		{json.Number("1.50"), "1.5"},
		{json.Number("-7"), "-7"},
	}
	for _, c := range cases {
		if got := Stringify(c.in); got != c.want {
			t.Errorf("Stringify(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}
