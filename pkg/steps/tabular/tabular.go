// Package tabular implements the tabular step: load a CSV, TSV or JSON table
// as rows so later steps can export columns from it.
package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/ricardoadorno/automacao/pkg/steps"
)

// RowsArtifact is the normalized table written into the step directory.
const RowsArtifact = "rows.json"

// Executor runs tabular steps.
type Executor struct{}

// New returns a tabular executor.
func New() *Executor { return &Executor{} }

// Execute loads the table and checks the declared columns and row count.
func (e *Executor) Execute(_ context.Context, req *steps.Request) (*steps.Result, error) {
	s := req.Step.Tabular
	if s == nil {
		return nil, fmt.Errorf("tabular step %q has no tabular config", req.Step.EffectiveID())
	}
	path := req.Plan.ResolvePath(s.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}

	var (
		columns []string
		rows    []map[string]any
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		columns, rows, err = decodeJSON(data)
	} else {
		var comma rune
		comma, err = delimiter(s.Delimiter, path)
		if err == nil {
			columns, rows, err = decodeDelimited(data, comma)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	res := steps.NewResult()
	encoded, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := res.WriteArtifact(req.WorkDir, RowsArtifact, encoded); err != nil {
		return res, err
	}
	compact, _ := json.Marshal(rows)
	res.Sources.Rows = rows
	res.Sources.SetText("text", string(compact))
	res.Outputs["file"] = filepath.Base(path)
	res.Outputs["rowCount"] = len(rows)
	res.Outputs["columns"] = columns

	for _, want := range s.Columns {
		if !slices.Contains(columns, want) {
			return res, steps.Assertf("column %q not found in %s (have %s)", want, filepath.Base(path), strings.Join(columns, ", "))
		}
	}
	if s.ExpectRows != nil && len(rows) != *s.ExpectRows {
		return res, steps.Assertf("expected %d rows, got %d", *s.ExpectRows, len(rows))
	}
	return res, nil
}

func delimiter(configured, path string) (rune, error) {
	switch configured {
	case "":
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			return '\t', nil
		}
		return ',', nil
	case `\t`, "tab":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(configured)
	if size != len(configured) || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", configured)
	}
	return r, nil
}

func decodeDelimited(data []byte, comma rune) ([]string, []map[string]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("table is empty")
	}
	if err != nil {
		return nil, nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows := []map[string]any{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			row[col] = rec[i]
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func decodeJSON(data []byte) ([]string, []map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, nil, fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	seen := make(map[string]bool)
	var columns []string
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		columns = append(columns, keys...)
	}
	return columns, rows, nil
}
