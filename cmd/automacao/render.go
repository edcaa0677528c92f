package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/ricardoadorno/automacao/pkg/recorder"
)

// Status glyphs convey meaning without relying on color alone.
const (
	glyphPassed  = "✓"
	glyphFailed  = "✗"
	glyphSkipped = "⏭"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorDim)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle   = lipgloss.NewStyle().Foreground(colorRed)
	skipStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	statusBadge = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("0"))
)

const (
	minWidth     = 60
	defaultWidth = 100
)

// terminalWidth returns the stdout width, or a default when it is not a terminal.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// renderSummary draws a run summary as a header plus one row per attempt:
// #, id, type, status, duration and notes, truncated to width.
func renderSummary(s *recorder.RunSummary, width int) string {
	if width < minWidth {
		width = minWidth
	}
	var b strings.Builder

	badge := statusBadge.Background(colorGreen).Render(strings.ToUpper(s.Status))
	if !s.Passed() {
		badge = statusBadge.Background(colorRed).Render(strings.ToUpper(s.Status))
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(s.Feature), badge)
	meta := []string{"run " + s.RunID}
	if s.Ticket != "" {
		meta = append(meta, "ticket "+s.Ticket)
	}
	if s.Env != "" {
		meta = append(meta, "env "+s.Env)
	}
	meta = append(meta, "policy "+string(s.FailPolicy))
	b.WriteString(dimStyle.Render(strings.Join(meta, " · ")) + "\n\n")

	idW, typeW := len("id"), len("type")
	for _, r := range s.Steps {
		idW = max(idW, runewidth.StringWidth(r.ID))
		typeW = max(typeW, runewidth.StringWidth(string(r.Type)))
	}
	idW = min(idW, 32)
	// "NN  id  type  S  duration  notes"
	notesW := width - (3 + 2 + idW + 2 + typeW + 2 + 1 + 2 + 9 + 2)
	notesW = max(notesW, 10)

	header := fmt.Sprintf("%-3s  %s  %s  %s  %-9s  %s",
		"#", pad("id", idW), pad("type", typeW), " ", "duration", "notes")
	b.WriteString(headStyle.Render(header) + "\n")

	for _, r := range s.Steps {
		glyph, style := glyphFor(r.Status)
		notes := strings.ReplaceAll(r.Notes, "\n", " ")
		row := fmt.Sprintf("%-3d  %s  %s  %s  %-9s  %s",
			r.Index,
			pad(runewidth.Truncate(r.ID, idW, "…"), idW),
			pad(string(r.Type), typeW),
			style.Render(glyph),
			formatDuration(r.DurationMs),
			runewidth.Truncate(notes, notesW, "…"),
		)
		b.WriteString(row + "\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%s  %s  %s",
		okStyle.Render(fmt.Sprintf("%s %d ok", glyphPassed, s.Stats.OK)),
		failStyle.Render(fmt.Sprintf("%s %d failed", glyphFailed, s.Stats.Fail)),
		skipStyle.Render(fmt.Sprintf("%s %d skipped", glyphSkipped, s.Stats.Skipped)),
	)
	if s.Halted {
		b.WriteString(dimStyle.Render("  (halted)"))
	}
	return b.String()
}

func glyphFor(st recorder.Status) (string, lipgloss.Style) {
	switch st {
	case recorder.StatusOK:
		return glyphPassed, okStyle
	case recorder.StatusFail:
		return glyphFailed, failStyle
	default:
		return glyphSkipped, skipStyle
	}
}

// pad right-pads s to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}

func formatDuration(ms int64) string {
	switch {
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	default:
		return fmt.Sprintf("%dm%02ds", ms/60_000, (ms%60_000)/1000)
	}
}
