package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// File names inside a run directory.
const (
	SummaryFile  = "00_runSummary.json"
	IndexFile    = "index.html"
	StepsDir     = "steps"
	MetadataFile = "metadata.json"
	ErrorFile    = "error.json"
	FailureImage = "failure.png"
)

const maxRunIDAttempts = 8

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewRunID returns a timestamp-plus-random run id, e.g. 20250301T101500-1a2b3c4d.
func NewRunID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("%s-%s", now.Format("20060102T150405"), strings.ReplaceAll(u.String(), "-", "")[:8])
}

// SanitizeID makes a step id safe for use as a directory name.
func SanitizeID(id string) string {
	s := unsafeIDChars.ReplaceAllString(id, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// StepDirName returns the directory name of an attempt: NN_<id>.
func StepDirName(index int, id string) string {
	return fmt.Sprintf("%02d_%s", index, SanitizeID(id))
}

// Recorder writes the records of one run.
type Recorder struct {
	runID string
	dir   string
}

// Create allocates a fresh run directory under outDir. The directory is created
// exclusively, so concurrent invocations can never share one.
func Create(outDir string, now time.Time) (*Recorder, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	for i := 0; i < maxRunIDAttempts; i++ {
		id := NewRunID(now)
		dir := filepath.Join(outDir, id)
		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
		if err := os.Mkdir(filepath.Join(dir, StepsDir), 0o755); err != nil {
			return nil, fmt.Errorf("create steps directory: %w", err)
		}
		return &Recorder{runID: id, dir: dir}, nil
	}
	return nil, fmt.Errorf("create run directory: no free run id after %d attempts", maxRunIDAttempts)
}

// RunID returns the run id.
func (r *Recorder) RunID() string { return r.runID }

// Dir returns the run directory.
func (r *Recorder) Dir() string { return r.dir }

// StepDir creates the directory of an attempt and returns its absolute and
// run-relative paths.
func (r *Recorder) StepDir(index int, id string) (string, string, error) {
	rel := filepath.Join(StepsDir, StepDirName(index, id))
	abs := filepath.Join(r.dir, rel)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", "", fmt.Errorf("create step directory: %w", err)
	}
	return abs, filepath.ToSlash(rel), nil
}

// WriteMetadata writes metadata.json for an attempt.
func (r *Recorder) WriteMetadata(stepDir string, res *StepResult) error {
	return writeJSON(filepath.Join(stepDir, MetadataFile), res)
}

// WriteError writes error.json and, unless the executor already produced one,
// the placeholder failure image.
func (r *Recorder) WriteError(stepDir string, rec ErrorRecord) error {
	if err := writeJSON(filepath.Join(stepDir, ErrorFile), rec); err != nil {
		return err
	}
	path := filepath.Join(stepDir, FailureImage)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return WritePlaceholderImage(path)
}

// WriteSummary writes 00_runSummary.json and index.html.
func (r *Recorder) WriteSummary(s *RunSummary) error {
	if err := writeJSON(filepath.Join(r.dir, SummaryFile), s); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}
	if err := WriteIndex(filepath.Join(r.dir, IndexFile), s); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// LoadSummary reads the summary of an existing run directory.
func LoadSummary(runDir string) (*RunSummary, error) {
	data, err := os.ReadFile(filepath.Join(runDir, SummaryFile))
	if err != nil {
		return nil, fmt.Errorf("read run summary: %w", err)
	}
	var s RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return &s, nil
}

// WritePlaceholderImage writes a solid 320x120 PNG.
func WritePlaceholderImage(path string) error {
	img := image.NewRGBA(image.Rect(0, 0, 320, 120))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 0xb0, G: 0x20, B: 0x20, A: 0xff}}, image.Point{}, draw.Src)
	band := image.Rect(0, 50, 320, 70)
	draw.Draw(img, band, &image.Uniform{C: color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}}, image.Point{}, draw.Src)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write failure image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("write failure image: %w", err)
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
