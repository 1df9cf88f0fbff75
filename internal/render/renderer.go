// Package render drives headless Chromium to obtain the settled DOM of
// JavaScript-rendered pages, behind a bounded pool and an in-memory cache.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// WaitUntil selects the navigation settle trigger.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "network_idle"
)

var (
	// ErrRenderTimeout means the page did not settle within the policy budget.
	ErrRenderTimeout = errors.New("render timeout")

	// ErrRenderFailed covers navigation and serialization failures.
	ErrRenderFailed = errors.New("render failed")

	// ErrIneligibleType means the target is not renderable HTML.
	ErrIneligibleType = errors.New("ineligible content type for render")
)

// Policy configures one render call. Zero fields fall back to defaults.
type Policy struct {
	WaitUntil     WaitUntil
	GotoTimeout   time.Duration
	StabilityWait time.Duration
	HydrationWait time.Duration
	ViewportW     int
	ViewportH     int
}

// DefaultPolicy returns the standard render policy.
func DefaultPolicy() Policy {
	return Policy{
		WaitUntil:     WaitNetworkIdle,
		GotoTimeout:   30 * time.Second,
		StabilityWait: 5 * time.Second,
		HydrationWait: 8 * time.Second,
		ViewportW:     1280,
		ViewportH:     800,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.WaitUntil == "" {
		p.WaitUntil = def.WaitUntil
	}
	if p.GotoTimeout <= 0 {
		p.GotoTimeout = def.GotoTimeout
	}
	if p.StabilityWait < 0 {
		p.StabilityWait = def.StabilityWait
	}
	if p.HydrationWait <= 0 {
		p.HydrationWait = def.HydrationWait
	}
	if p.ViewportW <= 0 || p.ViewportH <= 0 {
		p.ViewportW, p.ViewportH = def.ViewportW, def.ViewportH
	}
	return p
}

// budget is the whole-call deadline for one render.
func (p Policy) budget() time.Duration {
	return p.GotoTimeout + p.HydrationWait + p.StabilityWait + 10*time.Second
}

// Artifact is the serialized DOM after the wait trigger and stability pause.
type Artifact struct {
	Body     string
	FinalURL string
	Warnings []string
	Elapsed  time.Duration
}

// Renderer owns the Chromium allocator and a bounded semaphore of render
// slots. Each render runs in a fresh, isolated browser context: no cookies,
// no localStorage, no session reuse.
type Renderer struct {
	allocator context.Context
	cancel    context.CancelFunc
	slots     chan struct{}
}

// NewRenderer starts the exec allocator with poolSize concurrent contexts.
func NewRenderer(poolSize int, userAgent string) *Renderer {
	if poolSize <= 0 {
		poolSize = 2
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}

	allocator, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	r := &Renderer{
		allocator: allocator,
		cancel:    cancel,
		slots:     make(chan struct{}, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		r.slots <- struct{}{}
	}
	return r
}

// Render navigates to the URL, waits per policy, and returns the serialized
// DOM. Fails with ErrRenderTimeout or ErrRenderFailed.
func (r *Renderer) Render(ctx context.Context, url string, pol Policy) (*Artifact, error) {
	pol = pol.withDefaults()
	start := time.Now()

	select {
	case <-r.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, ctx.Err())
	}
	defer func() { r.slots <- struct{}{} }()

	// Fresh context per task keeps renders isolated from each other.
	browserCtx, cancelBrowser := chromedp.NewContext(r.allocator)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, pol.budget())
	defer cancelRun()

	artifact := &Artifact{}

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(pol.ViewportW), int64(pol.ViewportH)),
		chromedp.Navigate(url),
		r.waitAction(pol),
	}
	if pol.StabilityWait > 0 {
		actions = append(actions, chromedp.Sleep(pol.StabilityWait))
	}
	actions = append(actions,
		chromedp.Location(&artifact.FinalURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			artifact.Body, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
			return err
		}),
	)

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRenderTimeout, url)
		}
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	artifact.Elapsed = time.Since(start)
	return artifact, nil
}

// waitAction maps the policy trigger onto chromedp actions. Hydration waits
// for the body to grow children, which is what SPA shells do when their
// bundle finishes booting.
func (r *Renderer) waitAction(pol Policy) chromedp.Action {
	switch pol.WaitUntil {
	case WaitLoad, WaitDOMContentLoaded:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	default: // WaitNetworkIdle
		return chromedp.ActionFunc(func(ctx context.Context) error {
			hydrated, cancel := context.WithTimeout(ctx, pol.HydrationWait)
			defer cancel()
			err := chromedp.Run(hydrated,
				chromedp.Poll(`document.body && document.body.children.length > 0`, nil),
			)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// A shell that never hydrates still renders; the stability
			// pause below captures whatever settled.
			return nil
		})
	}
}

// Close shuts down the allocator and all pending contexts.
func (r *Renderer) Close() {
	r.cancel()
}
