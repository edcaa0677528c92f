// Package trace implements the per-run append-only JSONL audit trail.
// Every event carries the SHA-256 of the previous line; run_complete seals the
// chain and, when a signing key is configured, signs it with HMAC-SHA256.
package trace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ricardoadorno/automacao/pkg/redact"
)

// FileName is the trace file written into each run directory.
const FileName = "trace.jsonl"

// Genesis is the prev_hash of the first event.
var Genesis = strings.Repeat("0", 64)

// EventType enumerates trace event types.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventRunComplete   EventType = "run_complete"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventCacheHit      EventType = "cache_hit"
	EventCacheStore    EventType = "cache_store"
	EventExportApplied EventType = "export_applied"
)

// Event is a single trace line.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure describes why an attempt failed.
type Failure struct {
	Kind    string `json:"kind"` // requires, template, executor, export
	Message string `json:"message"`
}

// Writer appends hash-chained events to a JSONL stream. It is safe for
// concurrent use, although the engine emits from a single goroutine.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	runID    string
	prevHash string
	key      []byte
	redactor *redact.Redactor
	now      func() time.Time
}

// NewWriter returns a writer emitting to w. A non-empty key enables signing.
func NewWriter(w io.Writer, runID string, key []byte) *Writer {
	return &Writer{w: w, runID: runID, prevHash: Genesis, key: key, now: time.Now}
}

// NewFileWriter creates path and returns a writer appending to it.
func NewFileWriter(path, runID string, key []byte) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID, key)
	tw.closer = f
	return tw, nil
}

// SetRedactor masks secrets in every string written from now on.
func (tw *Writer) SetRedactor(r *redact.Redactor) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.redactor = r
}

// Emit writes one event and advances the chain.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.emitLocked(eventType, data)
}

func (tw *Writer) emitLocked(eventType EventType, data map[string]any) error {
	if tw.redactor != nil && data != nil {
		data = tw.redactor.Value(data).(map[string]any)
	}
	line, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: tw.now().UTC(),
		RunID:     tw.runID,
		PrevHash:  tw.prevHash,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	if _, err := tw.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace event: %w", err)
	}
	sum := sha256.Sum256(line)
	tw.prevHash = hex.EncodeToString(sum[:])
	return nil
}

// EmitRunStart emits run_start.
func (tw *Writer) EmitRunStart(feature, planPath string, context map[string]string) error {
	return tw.Emit(EventRunStart, map[string]any{
		"feature": feature,
		"plan":    planPath,
		"context": context,
	})
}

// EmitStepStart emits step_start.
func (tw *Writer) EmitStepStart(stepID, stepType string) error {
	return tw.Emit(EventStepStart, map[string]any{
		"step_id": stepID,
		"type":    stepType,
	})
}

// EmitCacheHit emits cache_hit.
func (tw *Writer) EmitCacheHit(stepID, key string, artifacts []string) error {
	return tw.Emit(EventCacheHit, map[string]any{
		"step_id":   stepID,
		"key":       key,
		"artifacts": artifacts,
	})
}

// EmitCacheStore emits cache_store.
func (tw *Writer) EmitCacheStore(stepID, key string, artifacts []string) error {
	return tw.Emit(EventCacheStore, map[string]any{
		"step_id":   stepID,
		"key":       key,
		"artifacts": artifacts,
	})
}

// EmitExportApplied emits export_applied with the values written to the context.
func (tw *Writer) EmitExportApplied(stepID string, values map[string]string) error {
	return tw.Emit(EventExportApplied, map[string]any{
		"step_id": stepID,
		"values":  values,
	})
}

// EmitStepComplete emits step_complete.
func (tw *Writer) EmitStepComplete(stepID, status string, outputs map[string]any, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"step_id":  stepID,
		"status":   status,
		"duration": duration.String(),
	}
	if outputs != nil {
		data["outputs"] = outputs
	}
	if failure != nil {
		data["failure"] = map[string]any{
			"kind":    failure.Kind,
			"message": failure.Message,
		}
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitRunComplete seals the chain: chain_hash is the hash of the last event
// before run_complete, and signature is its HMAC when a key is configured.
func (tw *Writer) EmitRunComplete(status string, duration time.Duration, stats map[string]int) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data := map[string]any{
		"status":     status,
		"duration":   duration.String(),
		"stats":      stats,
		"chain_hash": tw.prevHash,
	}
	if len(tw.key) > 0 {
		data["signature"] = Sign(tw.key, tw.prevHash)
	}
	return tw.emitLocked(EventRunComplete, data)
}

// Close closes the underlying file, if the writer owns one.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closer == nil {
		return nil
	}
	err := tw.closer.Close()
	tw.closer = nil
	return err
}

// Sign returns the hex HMAC-SHA256 of chainHash under key.
func Sign(key []byte, chainHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(chainHash))
	return hex.EncodeToString(mac.Sum(nil))
}
