package plan

import "strings"

// ExternalRefs returns the files whose content a step depends on, resolved against
// the plan directory. The cache layer hashes their current content into the step key.
func (p *Plan) ExternalRefs(s *Step) []string {
	var refs []string
	add := func(path string) {
		if path != "" {
			refs = append(refs, p.ResolvePath(path))
		}
	}

	switch s.Type {
	case StepBrowser:
		if s.Browser != nil && s.Browser.Behavior != "" && p.Assets != nil {
			add(p.Assets.Behaviors)
		}
	case StepAPI:
		if s.API != nil && s.API.Request != "" && p.Assets != nil {
			add(p.Assets.Requests)
		}
	case StepSQLEvidence:
		if s.SQL != nil {
			add(s.SQL.QueryFile)
		}
	case StepSpecialist:
		if s.Specialist != nil {
			add(s.Specialist.Template)
		}
	case StepLogstream:
		if s.Logstream != nil && !IsObjectURL(s.Logstream.Source) {
			add(s.Logstream.Source)
		}
	case StepTabular:
		if s.Tabular != nil {
			add(s.Tabular.File)
		}
	}
	return refs
}

// IsObjectURL reports whether source addresses an S3-compatible object (s3://bucket/key).
func IsObjectURL(source string) bool {
	return strings.HasPrefix(source, "s3://")
}
