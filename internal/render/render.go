package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/seantiz/kiln/internal/model"
)

// ErrEmptyElement is returned when the screenshot element has no area.
var ErrEmptyElement = errors.New("screenshot element has no size")

// Box is an element's bounding box in page coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClipFor returns the screenshot region for an element: its full width at a
// 16:9 aspect ratio, anchored at the element's top-left corner.
func ClipFor(box Box) Box {
	return Box{
		X:      box.X,
		Y:      box.Y,
		Width:  box.Width,
		Height: math.Round(box.Width / 16 * 9),
	}
}

// RenderTab opens host+params.URL in tab and captures the screenshot element
// as a transparent PNG, plus its outerHTML when a snapshot is requested.
//
// ctx aborts the in-flight browser commands but leaves the tab usable.
func RenderTab(ctx context.Context, tab *Tab, host string, params model.RenderParams) (model.RenderResult, error) {
	runCtx, cancel := context.WithCancel(tab.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	sel := params.ScreenshotSelector
	var (
		box    Box
		result model.RenderResult
	)

	actions := chromedp.Tasks{
		chromedp.Navigate(host + params.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if params.InjectCSS != "" {
		actions = append(actions, chromedp.Evaluate(injectStyleScript(params.InjectCSS), nil))
	}
	actions = append(actions,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Evaluate(boundingBoxScript(sel), &box),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if box.Width <= 0 {
				return fmt.Errorf("%w: %q", ErrEmptyElement, sel)
			}
			img, err := captureTransparent(ctx, ClipFor(box))
			if err != nil {
				return err
			}
			result.Image = img
			return nil
		}),
	)
	if params.SnapshotSelector != nil {
		snap := *params.SnapshotSelector
		if snap == "" {
			snap = sel
		}
		actions = append(actions, chromedp.OuterHTML(snap, &result.HTML, chromedp.ByQuery))
	}

	if err := chromedp.Run(runCtx, actions); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.RenderResult{}, fmt.Errorf("render %s: %w", params.URL, ctxErr)
		}
		return model.RenderResult{}, fmt.Errorf("render %s: %w", params.URL, err)
	}
	return result, nil
}

// captureTransparent screenshots clip with the page background removed.
func captureTransparent(ctx context.Context, clip Box) ([]byte, error) {
	transparent := &cdp.RGBA{R: 0, G: 0, B: 0, A: 0}
	if err := emulation.SetDefaultBackgroundColorOverride().WithColor(transparent).Do(ctx); err != nil {
		return nil, fmt.Errorf("override background: %w", err)
	}
	// Without a color the override is cleared.
	defer emulation.SetDefaultBackgroundColorOverride().Do(ctx)

	img, err := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithCaptureBeyondViewport(true).
		WithClip(&page.Viewport{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		}).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return img, nil
}

func injectStyleScript(css string) string {
	return fmt.Sprintf(`(() => {
	const style = document.createElement('style');
	style.textContent = %s;
	document.head.appendChild(style);
})()`, jsString(css))
}

func boundingBoxScript(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
})()`, jsString(selector))
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
