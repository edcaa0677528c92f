// Package logstream implements the logstream step: capture log lines from a
// local file or an S3-compatible object, filter them, and keep the tail.
package logstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/steps"
)

// ArtifactName is the captured log file written into the step directory.
const ArtifactName = "logstream.log"

// maxLine bounds a single log line; longer lines fail the step.
const maxLine = 1 << 20

// Config addresses the object store used for s3:// sources.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Logger    *slog.Logger
}

// Validate checks the object store settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// Executor runs logstream steps. The object store client is created on first
// use, so plans that only read local files need no credentials.
type Executor struct {
	cfg Config

	once      sync.Once
	client    *minio.Client
	clientErr error
}

// New returns a logstream executor.
func New(cfg Config) *Executor {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{cfg: cfg}
}

// Execute reads the source, keeps matching lines and enforces expectMatches.
func (e *Executor) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	s := req.Step.Logstream
	if s == nil {
		return nil, fmt.Errorf("logstream step %q has no logstream config", req.Step.EffectiveID())
	}
	var re *regexp.Regexp
	if s.Match != "" {
		var err error
		if re, err = regexp.Compile(s.Match); err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}
	}

	rc, err := e.open(ctx, req.Plan, s.Source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	total, kept, err := scan(rc, re, s.Tail)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Source, err)
	}

	text := strings.Join(kept.lines(), "\n")
	if text != "" {
		text += "\n"
	}
	res := steps.NewResult()
	if err := res.WriteArtifact(req.WorkDir, ArtifactName, []byte(text)); err != nil {
		return res, err
	}
	res.Outputs["source"] = s.Source
	res.Outputs["lines"] = total
	res.Outputs["matches"] = kept.seen
	res.Outputs["kept"] = kept.len()
	res.Sources.SetText("text", text)

	e.cfg.Logger.Debug("logstream captured", "source", s.Source, "lines", total, "matches", kept.seen)
	if s.ExpectMatches > 0 && kept.seen < s.ExpectMatches {
		return res, steps.Assertf("expected at least %d matching lines in %s, got %d", s.ExpectMatches, s.Source, kept.seen)
	}
	return res, nil
}

func (e *Executor) open(ctx context.Context, p *plan.Plan, source string) (io.ReadCloser, error) {
	if !plan.IsObjectURL(source) {
		f, err := os.Open(p.ResolvePath(source))
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		return f, nil
	}

	bucket, key, err := ParseObjectURL(source)
	if err != nil {
		return nil, err
	}
	client, err := e.objectClient()
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", source, err)
	}
	// GetObject is lazy; Stat surfaces a missing object before scanning.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", source, err)
	}
	return obj, nil
}

func (e *Executor) objectClient() (*minio.Client, error) {
	e.once.Do(func() {
		if err := e.cfg.Validate(); err != nil {
			e.clientErr = fmt.Errorf("object store: %w", err)
			return
		}
		e.client, e.clientErr = minio.New(e.cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(e.cfg.AccessKey, e.cfg.SecretKey, ""),
			Secure: e.cfg.UseSSL,
			Region: e.cfg.Region,
		})
		if e.clientErr == nil {
			e.cfg.Logger.Debug("object store client ready", "endpoint", e.cfg.Endpoint, "ssl", e.cfg.UseSSL)
		}
	})
	return e.client, e.clientErr
}

// ParseObjectURL splits s3://bucket/key.
func ParseObjectURL(source string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(source, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an object url: %q", source)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object url %q must name a bucket and a key", source)
	}
	return bucket, key, nil
}

func scan(r io.Reader, re *regexp.Regexp, tail int) (int, *ring, error) {
	kept := newRing(tail)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	total := 0
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		total++
		if re != nil && !re.MatchString(line) {
			continue
		}
		kept.push(line)
	}
	return total, kept, sc.Err()
}

// ring keeps the last n lines pushed; n <= 0 keeps everything.
type ring struct {
	n    int
	buf  []string
	next int
	seen int
}

func newRing(n int) *ring { return &ring{n: n} }

func (r *ring) push(line string) {
	r.seen++
	if r.n <= 0 || len(r.buf) < r.n {
		r.buf = append(r.buf, line)
		return
	}
	r.buf[r.next] = line
	r.next = (r.next + 1) % r.n
}

func (r *ring) len() int { return len(r.buf) }

func (r *ring) lines() []string {
	if r.n <= 0 || len(r.buf) < r.n {
		return r.buf
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
