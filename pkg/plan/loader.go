package plan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and structurally decodes a plan file (YAML or JSON).
// Returns a structural error if the document contains unknown fields.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()

	p, err := Load(f)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	p.Path = abs
	return p, nil
}

// Load reads a plan from a reader.
func Load(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // strict: reject unknown fields
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("structural decode: empty document")
		}
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &p, nil
}

// LoadBehaviors reads a behavior definitions file: a map of behavior name to browser actions.
func LoadBehaviors(path string) (map[string][]BrowserAction, error) {
	var out map[string][]BrowserAction
	if err := decodeStrictFile(path, &out); err != nil {
		return nil, fmt.Errorf("load behaviors: %w", err)
	}
	return out, nil
}

// LoadRequests reads a request templates file: a map of request name to HTTP request.
func LoadRequests(path string) (map[string]HTTPRequest, error) {
	var out map[string]HTTPRequest
	if err := decodeStrictFile(path, &out); err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	return out, nil
}

func decodeStrictFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
