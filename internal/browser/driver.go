// Package browser provides the page-level capabilities the agent drives and a
// Chrome session implementation on top of chromedp.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

// ErrElementNotFound is returned by FindElement when no node matches.
var ErrElementNotFound = errors.New("element not found")

// Element is a located node. Node is nil for drivers that do not speak CDP.
type Element struct {
	Selector string
	Node     *cdp.Node
}

// Driver is the capability surface of a single page. A Driver is not safe
// for concurrent use; callers serialize access.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	FindElement(ctx context.Context, selector string) (Element, error)
	Click(ctx context.Context, el Element) error
	// TypeText sends keystrokes to the focused element.
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	// EvaluateScript runs js and decodes its return value into out (may be nil).
	EvaluateScript(ctx context.Context, js string, out any) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
	CurrentTitle(ctx context.Context) (string, error)
}

// Session owns the browser and tracks which page is current.
type Session interface {
	Page() Driver
	// NewPage opens a tab and makes it current. On failure the previous page stays current.
	NewPage(ctx context.Context) error
	Close() error
}
