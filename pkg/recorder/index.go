package recorder

import (
	"fmt"
	"html/template"
	"os"
	"time"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"dur": func(ms int64) string {
		return (time.Duration(ms) * time.Millisecond).String()
	},
	"rowClass": func(s Status) string {
		switch s {
		case StatusOK:
			return "ok"
		case StatusFail:
			return "fail"
		default:
			return "skipped"
		}
	},
	"ts": func(t time.Time) string { return t.Format(time.RFC3339) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Feature}} · {{.RunID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.4em; margin-bottom: .2em; }
.meta { color: #666; margin-bottom: 1.5em; }
.badge { padding: .1em .6em; border-radius: .3em; color: #fff; font-weight: 600; }
.badge.passed { background: #2e7d32; } .badge.failed { background: #c62828; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .4em .8em; border-bottom: 1px solid #ddd; vertical-align: top; }
tr.ok td.status { color: #2e7d32; } tr.fail { background: #fdecea; } tr.fail td.status { color: #c62828; }
tr.skipped td.status { color: #8a6d00; }
td.notes { color: #555; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Feature}} <span class="badge {{.Status}}">{{.Status}}</span></h1>
<div class="meta">
run {{.RunID}}{{with .Ticket}} · ticket {{.}}{{end}}{{with .Env}} · env {{.}}{{end}} · policy {{.FailPolicy}}<br>
started {{ts .StartedAt}} · duration {{dur .DurationMs}} · {{.Stats.OK}} ok / {{.Stats.Fail}} failed / {{.Stats.Skipped}} skipped
</div>
<table>
<thead><tr><th>#</th><th>id</th><th>type</th><th>status</th><th>duration</th><th>notes</th></tr></thead>
<tbody>
{{range $i, $s := .Steps}}<tr class="{{rowClass $s.Status}}">
<td>{{$s.Index}}</td>
<td><a href="{{$s.Dir}}/">{{$s.ID}}</a></td>
<td>{{$s.Type}}</td>
<td class="status">{{$s.Status}}</td>
<td>{{dur $s.DurationMs}}</td>
<td class="notes">{{$s.Notes}}</td>
</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

// WriteIndex renders the run summary as an HTML table.
func WriteIndex(path string, s *RunSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := indexTmpl.Execute(f, s); err != nil {
		f.Close()
		return fmt.Errorf("render index: %w", err)
	}
	return f.Close()
}
