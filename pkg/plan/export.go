package plan

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaID is the canonical identifier of the plan JSON Schema.
const SchemaID = "https://github.com/ricardoadorno/automacao/schemas/plan.json"

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from the
// Plan Go types.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Plan{})
	s.ID = SchemaID
	s.Title = "automacao plan"
	s.Description = "Schema for automacao plan documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
