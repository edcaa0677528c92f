// Package sqlevidence implements the sqlEvidence step: run a query against a
// named or inline database target and capture the rows as evidence.
package sqlevidence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

// Config configures connection pooling.
type Config struct {
	MaxOpenConns int
	PingTimeout  time.Duration
	Logger       *slog.Logger
}

// Validate checks the pool settings.
func (c Config) Validate() error {
	if c.MaxOpenConns < 1 {
		return errors.New("MaxOpenConns must be >= 1")
	}
	if c.PingTimeout <= 0 {
		return errors.New("PingTimeout must be positive")
	}
	return nil
}

// Executor runs sqlEvidence steps. Connections are pooled per driver and DSN
// for the lifetime of the run and released by Close.
type Executor struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// New returns a sqlEvidence executor.
func New(cfg Config) *Executor {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{cfg: cfg, pools: make(map[string]*sql.DB)}
}

type target struct {
	label  string // database name or driver, never the DSN
	driver string // database/sql driver name
	dsn    string
}

// Execute runs the query and records the rows.
func (e *Executor) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	q := req.Step.SQL
	if q == nil {
		return nil, fmt.Errorf("sqlEvidence step %q has no sql config", req.Step.EffectiveID())
	}
	tgt, err := resolveTarget(req.Plan, q)
	if err != nil {
		return nil, err
	}
	query, err := queryText(req, q)
	if err != nil {
		return nil, err
	}

	res := steps.NewResult()
	if err := res.WriteArtifact(req.WorkDir, "query.sql", []byte(query)); err != nil {
		return res, err
	}
	db, err := e.pool(ctx, tgt)
	if err != nil {
		return res, err
	}

	start := time.Now()
	columns, rows, err := queryRows(ctx, db, query, q.Args)
	if err != nil {
		return res, fmt.Errorf("query %s: %w", tgt.label, err)
	}
	e.cfg.Logger.Debug("sql evidence", "step", req.Step.EffectiveID(), "database", tgt.label, "rows", len(rows), "elapsed", time.Since(start))

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return res, fmt.Errorf("marshal rows: %w", err)
	}
	if err := res.WriteArtifact(req.WorkDir, "rows.json", data); err != nil {
		return res, err
	}
	csvData, err := toCSV(columns, rows)
	if err != nil {
		return res, err
	}
	if err := res.WriteArtifact(req.WorkDir, "rows.csv", csvData); err != nil {
		return res, err
	}

	compact, _ := json.Marshal(rows)
	res.Sources.Rows = rows
	res.Sources.SetText("text", string(compact))
	res.Outputs["database"] = tgt.label
	res.Outputs["rowCount"] = len(rows)
	res.Outputs["columns"] = columns

	if q.ExpectRows != nil && len(rows) != *q.ExpectRows {
		return res, steps.Assertf("query returned %d row(s), expected %d", len(rows), *q.ExpectRows)
	}
	return res, nil
}

// Close closes every pooled connection.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for key, db := range e.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.pools, key)
	}
	return errors.Join(errs...)
}

// Pools returns the number of open pools.
func (e *Executor) Pools() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pools)
}

func (e *Executor) pool(ctx context.Context, t target) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := t.driver + "|" + t.dsn
	if db, ok := e.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open(t.driver, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.label, err)
	}
	db.SetMaxOpenConns(e.cfg.MaxOpenConns)
	db.SetMaxIdleConns(e.cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", t.label, err)
	}
	e.pools[key] = db
	return db, nil
}

func resolveTarget(p *plan.Plan, q *plan.SQLStep) (target, error) {
	t := target{label: q.Database}
	driver, dsn := q.Driver, q.DSN
	if q.Database != "" {
		d, ok := p.Databases[q.Database]
		if !ok {
			return t, fmt.Errorf("unknown database %q", q.Database)
		}
		driver, dsn = d.Driver, d.DSN
	}
	if dsn == "" {
		return t, errors.New("sqlEvidence step requires a database or a dsn")
	}
	switch driver {
	case plan.DriverSQLite:
		t.driver = "sqlite"
		t.dsn = sqlitePath(p, dsn)
	case plan.DriverPostgres:
		t.driver = "pgx"
		t.dsn = dsn
	default:
		return t, fmt.Errorf("unsupported driver %q (want %s or %s)", driver, plan.DriverSQLite, plan.DriverPostgres)
	}
	if t.label == "" {
		t.label = t.driver
	}
	return t, nil
}

// sqlitePath resolves a relative database file against the plan directory.
func sqlitePath(p *plan.Plan, dsn string) string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") {
		return dsn
	}
	prefix := ""
	rest := dsn
	if strings.HasPrefix(rest, "file:") {
		prefix = "file:"
		rest = strings.TrimPrefix(rest, "file:")
	}
	path, query, _ := strings.Cut(rest, "?")
	path = p.ResolvePath(path)
	if query != "" {
		return prefix + path + "?" + query
	}
	return prefix + path
}

// queryText returns the inline query, or the query file resolved against the
// attempt context.
func queryText(req *steps.Request, q *plan.SQLStep) (string, error) {
	if q.Query != "" {
		return q.Query, nil
	}
	if q.QueryFile == "" {
		return "", errors.New("sqlEvidence step requires query or queryFile")
	}
	data, err := os.ReadFile(req.Plan.ResolvePath(q.QueryFile))
	if err != nil {
		return "", fmt.Errorf("read query file: %w", err)
	}
	text, err := vars.ResolveString(string(data), vars.FromMap(req.Vars))
	if err != nil {
		return "", fmt.Errorf("query file %s: %w", filepath.Base(q.QueryFile), err)
	}
	return text, nil
}

func queryRows(ctx context.Context, db *sql.DB, query string, args []any) ([]string, []map[string]any, error) {
	rs, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rs.Close()

	columns, err := rs.Columns()
	if err != nil {
		return nil, nil, err
	}
	rows := []map[string]any{}
	for rs.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = normalize(values[i])
		}
		rows = append(rows, row)
	}
	return columns, rows, rs.Err()
}

func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}

func toCSV(columns []string, rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, c := range columns {
			record[i] = vars.Stringify(row[c])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
