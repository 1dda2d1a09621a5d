// internal/browser/cdp_driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultActionTimeout     = 20 * time.Second
	defaultNavigationTimeout = 30 * time.Second
)

// cdpDriver implements Driver for one chromedp tab context. Every CDP
// operation runs under a deadline.
type cdpDriver struct {
	tabCtx            context.Context
	actionTimeout     time.Duration
	navigationTimeout time.Duration
	logger            *zap.Logger
}

func newCDPDriver(tabCtx context.Context, actionTimeout, navigationTimeout time.Duration, logger *zap.Logger) *cdpDriver {
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	if navigationTimeout <= 0 {
		navigationTimeout = defaultNavigationTimeout
	}
	return &cdpDriver{tabCtx: tabCtx, actionTimeout: actionTimeout, navigationTimeout: navigationTimeout, logger: logger}
}

// opContext derives from the tab context (which carries the CDP target), is
// canceled when the caller's ctx is done, and expires after timeout. A
// non-positive timeout yields an already expired context.
func (d *cdpDriver) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(d.tabCtx, ctx)
	opCtx, cancelTimeout := context.WithTimeout(combined, timeout)
	return opCtx, func() {
		cancelTimeout()
		cancelCombined()
	}
}

func (d *cdpDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := d.opContext(ctx, timeout)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (d *cdpDriver) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, d.navigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *cdpDriver) FindElement(ctx context.Context, selector string) (Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, d.actionTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)),
	)
	if err != nil {
		return Element{}, fmt.Errorf("query %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return Element{Selector: selector, Node: nodes[0]}, nil
}

func (d *cdpDriver) Click(ctx context.Context, el Element) error {
	var action chromedp.Action
	if el.Node != nil {
		action = chromedp.MouseClickNode(el.Node)
	} else {
		action = chromedp.Click(el.Selector, chromedp.ByQuery, chromedp.NodeVisible)
	}
	if err := d.run(ctx, d.actionTimeout, action); err != nil {
		return fmt.Errorf("click %q: %w", el.Selector, err)
	}
	return nil
}

func (d *cdpDriver) TypeText(ctx context.Context, text string) error {
	if err := d.run(ctx, d.actionTimeout, chromedp.KeyEvent(text)); err != nil {
		return fmt.Errorf("type text: %w", err)
	}
	return nil
}

func (d *cdpDriver) PressKey(ctx context.Context, key string) error {
	seq, err := keySequence(key)
	if err != nil {
		return err
	}
	if err := d.run(ctx, d.actionTimeout, chromedp.KeyEvent(seq)); err != nil {
		return fmt.Errorf("press key %q: %w", key, err)
	}
	return nil
}

func (d *cdpDriver) EvaluateScript(ctx context.Context, js string, out any) error {
	err := d.run(ctx, d.actionTimeout, chromedp.Evaluate(js, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	if err != nil {
		return fmt.Errorf("evaluate script: %w", err)
	}
	return nil
}

func (d *cdpDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("wait for %q timed out after %s: %w", selector, timeout, context.DeadlineExceeded)
	}
	err := d.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("wait for %q timed out after %s: %w", selector, timeout, err)
	}
	return fmt.Errorf("wait for %q: %w", selector, err)
}

func (d *cdpDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, d.actionTimeout, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

func (d *cdpDriver) CurrentTitle(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, d.actionTimeout, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}
