// Package recorder persists run records: per-step metadata, error artifacts,
// the run summary and a human-readable index, under one directory per run.
package recorder

import (
	"time"

	"github.com/ricardoadorno/automacao/pkg/plan"
)

// Status is the outcome of one attempt.
type Status string

const (
	StatusOK      Status = "OK"
	StatusFail    Status = "FAIL"
	StatusSkipped Status = "SKIPPED"
)

// Run-level status values.
const (
	RunPassed = "passed"
	RunFailed = "failed"
)

// PendingNote is the placeholder note of an attempt that has not finished.
const PendingNote = "pending"

// StepResult is the persisted outcome of one attempt: one per step, or one per
// loop iteration. It is mutated while the attempt runs and frozen once written.
type StepResult struct {
	ID          string         `json:"id"`
	BaseID      string         `json:"baseId"`
	Iteration   int            `json:"iteration,omitempty"`
	Index       int            `json:"index"`
	Type        plan.StepType  `json:"type"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	FinishedAt  time.Time      `json:"finishedAt"`
	DurationMs  int64          `json:"durationMs"`
	Dir         string         `json:"dir"`
	Step        map[string]any `json:"step,omitempty"`
	Outputs     map[string]any `json:"outputs"`
	Notes       string         `json:"notes,omitempty"`
}

// NewStepResult returns an attempt record in its initial SKIPPED/pending state.
func NewStepResult(id, baseID string, index, iteration int, t plan.StepType, started time.Time) *StepResult {
	return &StepResult{
		ID:        id,
		BaseID:    baseID,
		Iteration: iteration,
		Index:     index,
		Type:      t,
		Status:    StatusSkipped,
		StartedAt: started,
		Outputs:   make(map[string]any),
		Notes:     PendingNote,
	}
}

// Finish stamps the end of the attempt.
func (r *StepResult) Finish(status Status, notes string, at time.Time) {
	r.Status = status
	r.Notes = notes
	r.FinishedAt = at
	r.DurationMs = at.Sub(r.StartedAt).Milliseconds()
}

// Duration returns the attempt duration.
func (r *StepResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Stats counts attempts by status.
type Stats struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Fail    int `json:"fail"`
	Skipped int `json:"skipped"`
}

func (s *Stats) add(st Status) {
	s.Total++
	switch st {
	case StatusOK:
		s.OK++
	case StatusFail:
		s.Fail++
	case StatusSkipped:
		s.Skipped++
	}
}

// LoopSummary groups the iterations of one looped step.
type LoopSummary struct {
	Stats
	Iterations []string `json:"iterations"`
}

// RunSummary is the record of one engine invocation.
type RunSummary struct {
	RunID      string                  `json:"runId"`
	Status     string                  `json:"status"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt time.Time               `json:"finishedAt"`
	DurationMs int64                   `json:"durationMs"`
	PlanPath   string                  `json:"planPath"`
	Feature    string                  `json:"feature"`
	Ticket     string                  `json:"ticket,omitempty"`
	Env        string                  `json:"env,omitempty"`
	FailPolicy plan.FailPolicy         `json:"failPolicy"`
	Halted     bool                    `json:"halted,omitempty"`
	Context    map[string]string       `json:"context"`
	Steps      []*StepResult           `json:"steps"`
	Loops      map[string]*LoopSummary `json:"loops,omitempty"`
	Stats      Stats                   `json:"stats"`
}

// Finalize derives status, stats and loop summaries and stamps the end time.
func (s *RunSummary) Finalize(at time.Time) {
	s.FinishedAt = at
	s.DurationMs = at.Sub(s.StartedAt).Milliseconds()
	s.Stats = Stats{}
	s.Loops = nil
	for _, r := range s.Steps {
		s.Stats.add(r.Status)
		if r.Iteration == 0 {
			continue
		}
		if s.Loops == nil {
			s.Loops = make(map[string]*LoopSummary)
		}
		ls := s.Loops[r.BaseID]
		if ls == nil {
			ls = &LoopSummary{}
			s.Loops[r.BaseID] = ls
		}
		ls.add(r.Status)
		ls.Iterations = append(ls.Iterations, r.ID)
	}
	s.Status = RunPassed
	if s.Stats.Fail > 0 {
		s.Status = RunFailed
	}
}

// Passed reports whether no attempt failed.
func (s *RunSummary) Passed() bool {
	return s.Status == RunPassed
}

// ErrorRecord is the content of error.json.
type ErrorRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}
