package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chromedp/chromedp"
)

// Viewport of every tab. Screenshots are taken at the device scale factor.
const (
	ViewportWidth  = 1920
	ViewportHeight = 1080
	DeviceScale    = 2
)

// Options configures the browser process.
type Options struct {
	// Host is the site every tab opens on creation, e.g. https://example.com.
	Host string
	// ExecPath overrides the Chrome binary. Empty uses the default lookup.
	ExecPath string
	// Headful shows the browser window, for local debugging.
	Headful bool
}

// Browser is a running Chrome instance.
type Browser struct {
	host   string
	logger *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc

	tabs atomic.Int64
}

// LaunchBrowser starts Chrome and waits until it accepts commands. The
// browser outlives ctx; stop it with Close.
func LaunchBrowser(ctx context.Context, opts Options, logger *slog.Logger) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.Headful {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Error("browser error", "error", fmt.Sprintf(format, args...))
		}),
	)

	b := &Browser{
		host:        opts.Host,
		logger:      logger,
		ctx:         browserCtx,
		cancel:      cancel,
		cancelAlloc: cancelAlloc,
	}

	// The first Run on a fresh context launches the process.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(browserCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	logger.Info("browser launched", "host", opts.Host)
	return b, nil
}

// NewTab opens a tab with the render viewport on the host's root page. It
// has the pool factory signature.
func (b *Browser) NewTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(ViewportWidth, ViewportHeight, chromedp.EmulateScale(DeviceScale)),
		chromedp.Navigate(b.host),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	id := b.tabs.Add(1)
	b.logger.Debug("tab opened", "tab", id)
	return &Tab{ID: id, ctx: tabCtx, cancel: cancel}, nil
}

// Close terminates the browser and every tab in it.
func (b *Browser) Close() {
	b.cancel()
	b.cancelAlloc()
	b.logger.Info("browser closed")
}

// Tab is one browser page.
type Tab struct {
	ID int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Close closes the page.
func (t *Tab) Close() {
	if t.cancel != nil {
		t.cancel()
	}
}
