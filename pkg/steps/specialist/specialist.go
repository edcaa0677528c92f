// Package specialist implements the specialist step: render a document from a
// template file or inline content and write it into the step directory.
package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// Executor runs specialist steps.
type Executor struct{}

// New returns a specialist executor.
func New() *Executor { return &Executor{} }

// Execute renders the document.
func (e *Executor) Execute(_ context.Context, req *steps.Request) (*steps.Result, error) {
	s := req.Step.Specialist
	if s == nil {
		return nil, fmt.Errorf("specialist step %q has no specialist config", req.Step.EffectiveID())
	}
	name := filepath.Base(filepath.Clean(s.Output))
	if s.Output == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid output name %q", s.Output)
	}

	content := s.Content
	if s.Template != "" {
		data, err := os.ReadFile(req.Plan.ResolvePath(s.Template))
		if err != nil {
			return nil, fmt.Errorf("read template: %w", err)
		}
		content, err = vars.ResolveString(string(data), vars.FromMap(req.Vars))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", filepath.Base(s.Template), err)
		}
	}

	res := steps.NewResult()
	if err := res.WriteArtifact(req.WorkDir, name, []byte(content)); err != nil {
		return res, err
	}
	sum := sha256.Sum256([]byte(content))
	res.Outputs["output"] = name
	res.Outputs["bytes"] = len(content)
	res.Outputs["sha256"] = hex.EncodeToString(sum[:])
	res.Sources.SetText("text", content)
	return res, nil
}
