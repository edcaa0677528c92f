package engine

import (
	"fmt"

	"github.com/ricardoadorno/automacao/pkg/recorder"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// intrinsicKeys are recomputed for every run and never carried over.
var intrinsicKeys = []string{
	vars.KeyFeature, vars.KeyTicket, vars.KeyEnv, vars.KeyRunID, vars.KeyStartedAt,
	vars.KeyLoopIndex, vars.KeyLoopTotal,
}

// ResumeContext returns the final context of a previous run, suitable for
// Options.Resume. Combined with Options.From it continues a run from the step
// after the one that stopped it, with every export made so far.
func ResumeContext(runDir string) (map[string]string, *recorder.RunSummary, error) {
	prev, err := recorder.LoadSummary(runDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resume: %w", err)
	}
	out := make(map[string]string, len(prev.Context))
	for k, v := range prev.Context {
		out[k] = v
	}
	for _, k := range intrinsicKeys {
		delete(out, k)
	}
	return out, prev, nil
}

// NextPosition returns the plan position a resumed run should start from: the
// position of the first failed attempt, or the one after the last attempt
// when nothing failed. It returns 0 when the previous run recorded no steps.
func NextPosition(prev *recorder.RunSummary) int {
	last := 0
	for _, s := range prev.Steps {
		if s.Status == recorder.StatusFail {
			return s.Index
		}
		if s.Index > last {
			last = s.Index
		}
	}
	if last == 0 {
		return 0
	}
	return last + 1
}
