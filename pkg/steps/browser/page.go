package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// Page is the browser surface the executor drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	WaitVisible(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (url, title string, err error)
}

// LaunchOptions configure a new browser session.
type LaunchOptions struct {
	Headless bool
	Timeout  time.Duration // per action
}

// Launcher opens a session and returns its page and a cleanup func.
type Launcher func(ctx context.Context, opts LaunchOptions) (Page, func(), error)

// LaunchChrome starts a Chrome instance through chromedp.
func LaunchChrome(ctx context.Context, opts LaunchOptions) (Page, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1366, 900),
	)

	// The session outlives the attempt that opened it when it is shared, so it
	// hangs off a background context rather than ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cleanup := func() {
		browserCancel()
		allocCancel()
	}

	// The first Run allocates the browser and binds its lifetime to the
	// context it is given, so it must be browserCtx itself.
	if err := chromedp.Run(browserCtx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromePage{ctx: browserCtx, timeout: opts.Timeout}, cleanup, nil
}

type chromePage struct {
	ctx     context.Context
	timeout time.Duration
}

// run executes actions on the session, bounded by the action timeout and by
// the caller's context.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(rctx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	return p.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.NodeVisible))
	return text, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))
	return html, err
}

func (p *chromePage) Location(ctx context.Context) (string, string, error) {
	var url, title string
	err := p.run(ctx, chromedp.Location(&url), chromedp.Title(&title))
	return url, title, err
}
