// Package api implements the api step: one HTTP request, inline or from a
// named request template, with status and expression checks on the response.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ricardoadorno/automacao/pkg/plan"
	"github.com/ricardoadorno/automacao/pkg/redact"
	"github.com/ricardoadorno/automacao/pkg/steps"
	"github.com/ricardoadorno/automacao/pkg/vars"
)

const maxBodyBytes = 10 << 20

// sensitiveHeaders are masked in the request.json artifact.
var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "X-Api-Key"}

// Config configures the api executor.
type Config struct {
	Timeout time.Duration // default per-request timeout
	Client  *http.Client
	Logger  *slog.Logger
}

// Executor runs api steps.
type Executor struct {
	cfg Config

	mu          sync.Mutex
	requests    map[string]plan.HTTPRequest
	requestPath string
}

// New returns an api executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{cfg: cfg}
}

// Execute sends the request and checks the response.
func (e *Executor) Execute(ctx context.Context, req *steps.Request) (*steps.Result, error) {
	step := req.Step.API
	if step == nil {
		return nil, fmt.Errorf("api step %q has no api config", req.Step.EffectiveID())
	}
	hr, err := e.request(req)
	if err != nil {
		return nil, err
	}
	timeout, err := plan.ParseDuration(step.Timeout, e.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq, payload, err := build(rctx, hr)
	if err != nil {
		return nil, err
	}

	res := steps.NewResult()
	masker := redact.New(redact.SecretValues(req.Vars), nil)
	if err := writeJSON(res, req.WorkDir, "request.json", map[string]any{
		"method":  httpReq.Method,
		"url":     masker.String(httpReq.URL.String()),
		"headers": maskHeaders(httpReq.Header, masker),
		"body":    masker.String(string(payload)),
	}); err != nil {
		return res, err
	}

	start := time.Now()
	resp, err := e.cfg.Client.Do(httpReq)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", httpReq.Method, httpReq.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return res, fmt.Errorf("read response body: %w", err)
	}
	elapsed := time.Since(start)
	e.cfg.Logger.Debug("api response", "step", req.Step.EffectiveID(), "status", resp.StatusCode, "bytes", len(body), "elapsed", elapsed)

	if err := res.WriteArtifact(req.WorkDir, "response.body", body); err != nil {
		return res, err
	}
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	if err := writeJSON(res, req.WorkDir, "response.json", map[string]any{
		"status":     resp.StatusCode,
		"headers":    respHeaders,
		"durationMs": elapsed.Milliseconds(),
	}); err != nil {
		return res, err
	}

	res.Outputs["status"] = resp.StatusCode
	res.Outputs["method"] = httpReq.Method
	res.Outputs["bytes"] = len(body)
	res.Outputs["durationMs"] = elapsed.Milliseconds()
	res.Outputs["contentType"] = resp.Header.Get("Content-Type")
	res.Sources.SetText("body", string(body))
	res.Sources.SetText("status", fmt.Sprint(resp.StatusCode))

	if err := check(step, resp.StatusCode, body, respHeaders); err != nil {
		return res, err
	}
	return res, nil
}

// request merges the named template (resolved against the attempt context)
// with the inline fields of the step. Inline fields win.
func (e *Executor) request(req *steps.Request) (plan.HTTPRequest, error) {
	step := req.Step.API
	inline := step.HTTPRequest
	if step.Request == "" {
		return inline, nil
	}
	if req.Plan.Assets == nil || req.Plan.Assets.Requests == "" {
		return inline, fmt.Errorf("request %q referenced but assets.requests is not set", step.Request)
	}
	templates, err := e.loadRequests(req.Plan.ResolvePath(req.Plan.Assets.Requests))
	if err != nil {
		return inline, err
	}
	tmpl, ok := templates[step.Request]
	if !ok {
		return inline, fmt.Errorf("request %q not found", step.Request)
	}
	base, err := resolveRequest(tmpl, vars.FromMap(req.Vars))
	if err != nil {
		return inline, fmt.Errorf("request %q: %w", step.Request, err)
	}

	if inline.Method != "" {
		base.Method = inline.Method
	}
	if inline.URL != "" {
		base.URL = inline.URL
	}
	if len(inline.Headers) > 0 {
		base.Headers = merge(base.Headers, inline.Headers)
	}
	if len(inline.Query) > 0 {
		base.Query = merge(base.Query, inline.Query)
	}
	if inline.Body != nil {
		base.Body = inline.Body
	}
	if inline.BodyText != "" {
		base.BodyText = inline.BodyText
	}
	return base, nil
}

func (e *Executor) loadRequests(path string) (map[string]plan.HTTPRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requests != nil && e.requestPath == path {
		return e.requests, nil
	}
	r, err := plan.LoadRequests(path)
	if err != nil {
		return nil, err
	}
	e.requests, e.requestPath = r, path
	return r, nil
}

func resolveRequest(r plan.HTTPRequest, ctx vars.Lookup) (plan.HTTPRequest, error) {
	var err error
	for _, f := range []*string{&r.Method, &r.URL, &r.BodyText} {
		if *f, err = vars.ResolveString(*f, ctx); err != nil {
			return r, err
		}
	}
	if r.Headers != nil {
		v, err := vars.Resolve(r.Headers, ctx)
		if err != nil {
			return r, fmt.Errorf("headers: %w", err)
		}
		r.Headers = v.(map[string]string)
	}
	if r.Query != nil {
		v, err := vars.Resolve(r.Query, ctx)
		if err != nil {
			return r, fmt.Errorf("query: %w", err)
		}
		r.Query = v.(map[string]string)
	}
	if r.Body != nil {
		if r.Body, err = vars.Resolve(r.Body, ctx); err != nil {
			return r, fmt.Errorf("body: %w", err)
		}
	}
	return r, nil
}

func build(ctx context.Context, hr plan.HTTPRequest) (*http.Request, []byte, error) {
	method := strings.ToUpper(hr.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(hr.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url %q: %w", hr.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid url %q: scheme and host are required", hr.URL)
	}
	if len(hr.Query) > 0 {
		q := u.Query()
		for k, v := range hr.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var payload []byte
	contentType := ""
	switch {
	case hr.BodyText != "":
		payload = []byte(hr.BodyText)
	case hr.Body != nil:
		payload, err = json.Marshal(hr.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode body: %w", err)
		}
		contentType = "application/json"
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range hr.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, payload, nil
}

func check(step *plan.APIStep, status int, body []byte, headers map[string]string) error {
	if step.ExpectStatus != 0 {
		if status != step.ExpectStatus {
			return steps.Assertf("status %d, expected %d", status, step.ExpectStatus)
		}
	} else if status < 200 || status > 299 {
		return steps.Assertf("status %d, expected 2xx", status)
	}
	if step.Expect == "" {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = nil
	}
	ok, err := steps.EvalBool(step.Expect, map[string]any{
		"status":  status,
		"body":    string(body),
		"json":    parsed,
		"headers": headers,
	})
	if err != nil {
		return err
	}
	if !ok {
		return steps.Assertf("expectation %q not met", step.Expect)
	}
	return nil
}

func maskHeaders(h http.Header, masker *redact.Redactor) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = masker.String(h.Get(k))
	}
	for _, k := range sensitiveHeaders {
		if _, ok := out[http.CanonicalHeaderKey(k)]; ok {
			out[http.CanonicalHeaderKey(k)] = redact.Mask
		}
	}
	return out
}

func merge(base, over map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(over))
	}
	maps.Copy(out, over)
	return out
}

func writeJSON(res *steps.Result, dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return res.WriteArtifact(dir, name, data)
}
