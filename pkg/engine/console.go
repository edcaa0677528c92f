package engine

import (
	"fmt"
	"io"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/recorder"
)

// console prints human progress lines. Structured logs go to the logger.
type console struct {
	w io.Writer
}

func newConsole(w io.Writer) *console { return &console{w: w} }

func (c *console) stepStart(pos int, id string, t plan.StepType) {
	fmt.Fprintf(c.w, "\n▶ Step %d: %s [%s]\n", pos, id, t)
}

func (c *console) stepOK(res *recorder.StepResult) {
	fmt.Fprintf(c.w, "  ✓ %s passed (%s)\n", res.ID, res.Duration())
}

func (c *console) stepCached(res *recorder.StepResult) {
	fmt.Fprintf(c.w, "  ⏭ %s skipped: %s\n", res.ID, res.Notes)
}

func (c *console) stepFailed(res *recorder.StepResult) {
	fmt.Fprintf(c.w, "  ✗ %s failed: %s\n", res.ID, res.Notes)
}

func (c *console) runDone(s *recorder.RunSummary, dir string) {
	mark := "✓"
	if !s.Passed() {
		mark = "✗"
	}
	fmt.Fprintf(c.w, "\n%s Run %s %s: %d ok, %d failed, %d skipped\n", mark, s.RunID, s.Status, s.Stats.OK, s.Stats.Fail, s.Stats.Skipped)
	if s.Halted {
		fmt.Fprintf(c.w, "  halted by failPolicy %s\n", s.FailPolicy)
	}
	fmt.Fprintf(c.w, "  Record: %s\n", dir)
}
