// Package cache implements the content-addressed step cache: stable SHA-256 keys
// over a step's effective inputs, and entries holding outputs, the export payload
// and snapshot copies of the step's artifacts.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ricardoadorno/automacao/pkg/export"
	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// keyVersion is mixed into every key; bump it when the entry layout changes.
const keyVersion = "automacao.cache/v2"

const (
	entryFile    = "cache.json"
	artifactsDir = "artifacts"
)

// ErrMiss is returned by Read when no usable entry exists for a key.
var ErrMiss = errors.New("cache miss")

// KeyInput is everything that determines a step's result.
type KeyInput struct {
	Step       any               `json:"step"`
	FailPolicy plan.FailPolicy   `json:"failPolicy"`
	LoopItem   map[string]any    `json:"loopItem"`
	External   map[string]string `json:"external,omitempty"` // path -> content
	// ExternalVars holds the context values that placeholders inside External
	// refer to. Executors fill those placeholders after the key is taken.
	ExternalVars map[string]string `json:"externalVars,omitempty"`
}

// Key returns the hex SHA-256 of a canonical serialization of in.
// Map keys are sorted at every depth, so field order never changes the key.
func Key(in KeyInput) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	var canonical any
	if err := decodeJSON(raw, &canonical); err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(keyVersion))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReadExternal reads referenced files fresh. Unreadable files hash as a marker
// so the key still changes when the file appears.
func ReadExternal(paths []string) map[string]string {
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			out[p] = "<unreadable>"
			continue
		}
		out[p] = string(data)
	}
	return out
}

// ExternalVars returns the values of the context keys referenced by
// placeholders in the external content. Keys absent from ctx are left out; the
// executor fails on them and failed attempts are never stored.
func ExternalVars(external map[string]string, ctx vars.Lookup) map[string]string {
	out := make(map[string]string)
	for _, content := range external {
		for _, key := range vars.Placeholders(content) {
			if v, ok := ctx.Get(key); ok {
				out[key] = v
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// decodeJSON unmarshals data keeping numbers as json.Number, so integers
// beyond float64 precision survive.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Entry is the persisted record of one cached step execution.
type Entry struct {
	Key       string         `json:"key"`
	StepID    string         `json:"stepId"`
	StepType  plan.StepType  `json:"stepType"`
	CreatedAt time.Time      `json:"createdAt"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Exports   export.Sources `json:"exports"`
	Artifacts []string       `json:"artifacts,omitempty"`
}

// Store is a cache root on disk. Entries are never cleaned up by the engine.
type Store struct {
	root   string
	logger *slog.Logger
}

// New returns a store rooted at root.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{root: root, logger: logger}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the entry directory for key.
func (s *Store) Dir(key string) string {
	return filepath.Join(s.root, key)
}

// Read returns the entry for key. Any problem reading it (absent, corrupt,
// missing artifact) is reported as ErrMiss.
func (s *Store) Read(key string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(key), entryFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache entry unreadable", "key", key, "error", err)
		}
		return nil, ErrMiss
	}
	var e Entry
	if err := decodeJSON(data, &e); err != nil {
		s.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return nil, ErrMiss
	}
	if e.Key != key {
		s.logger.Warn("cache entry key mismatch", "key", key, "recorded", e.Key)
		return nil, ErrMiss
	}
	for _, name := range e.Artifacts {
		if _, err := os.Stat(filepath.Join(s.Dir(key), artifactsDir, filepath.FromSlash(name))); err != nil {
			s.logger.Warn("cache artifact missing", "key", key, "artifact", name)
			return nil, ErrMiss
		}
	}
	return &e, nil
}

// Write copies e.Artifacts from srcDir into the entry and then writes the entry
// metadata. Missing source artifacts are skipped and left out of the entry.
func (s *Store) Write(e *Entry, srcDir string) error {
	dir := s.Dir(e.Key)
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}

	var stored []string
	for _, name := range e.Artifacts {
		rel, ok := cleanArtifact(name)
		if !ok {
			s.logger.Warn("cache artifact name rejected", "artifact", name)
			continue
		}
		src := filepath.Join(srcDir, rel)
		dst := filepath.Join(dir, artifactsDir, rel)
		if err := copyFile(src, dst); err != nil {
			s.logger.Debug("cache artifact skipped", "artifact", name, "error", err)
			continue
		}
		stored = append(stored, filepath.ToSlash(rel))
	}

	rec := *e
	rec.Artifacts = stored
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	// cache.json is written last and renamed into place: a reader never sees
	// an entry whose artifacts are still being copied.
	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, entryFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	e.Artifacts = stored
	return nil
}

// Restore copies the named artifacts of key into targetDir and returns the ones
// that were restored. Missing artifacts are skipped.
func (s *Store) Restore(key, targetDir string, artifacts []string) []string {
	var restored []string
	for _, name := range artifacts {
		rel, ok := cleanArtifact(name)
		if !ok {
			continue
		}
		src := filepath.Join(s.Dir(key), artifactsDir, rel)
		if err := copyFile(src, filepath.Join(targetDir, rel)); err != nil {
			s.logger.Warn("cache restore skipped artifact", "key", key, "artifact", name, "error", err)
			continue
		}
		restored = append(restored, filepath.ToSlash(rel))
	}
	return restored
}

// cleanArtifact rejects names that would escape the step directory.
func cleanArtifact(name string) (string, bool) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
