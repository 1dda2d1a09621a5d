// File: internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// ExecutorConfig holds the fixed pauses and caps used when applying actions.
type ExecutorConfig struct {
	NavigateSettle    time.Duration
	ClickSettle       time.Duration
	KeySettle         time.Duration
	NavigationTimeout time.Duration
	ExtractMaxChars   int
}

// Executor applies one action to one page. Screenshot, NewTab and Done are
// accepted without touching the page; NewTab is handled by the loop because it
// changes which page is current.
type Executor struct {
	cfg    ExecutorConfig
	logger *zap.Logger
	// sleep is swapped in tests to avoid real settle delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor.
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger.Named("executor"), sleep: sleepContext}
}

// Apply runs the action. The returned error, if any, is an *ActionError and is
// recoverable: the loop reports it to the model instead of stopping.
func (e *Executor) Apply(ctx context.Context, page browser.Driver, action Action) (ext *Extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic while applying action", zap.Any("panic", r), zap.String("action", string(action.Type)))
			ext = nil
			err = &ActionError{Code: ErrCodeExecutorPanic, Action: action.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	switch action.Type {
	case ActionNavigate:
		return nil, e.navigate(ctx, page, action)
	case ActionWaitFor:
		if err := page.WaitFor(ctx, action.Selector, action.Timeout()); err != nil {
			return nil, classify(action.Type, err, ErrCodeTimeoutError)
		}
		return nil, nil
	case ActionTypeInto:
		return nil, e.typeInto(ctx, page, action)
	case ActionClick:
		el, err := page.FindElement(ctx, action.Selector)
		if err != nil {
			return nil, classify(action.Type, err, ErrCodeElementNotFound)
		}
		if err := page.Click(ctx, el); err != nil {
			return nil, classify(action.Type, err, ErrCodeScriptError)
		}
		return nil, e.settle(ctx, action.Type, e.cfg.ClickSettle)
	case ActionPressKey:
		if err := page.PressKey(ctx, action.Key); err != nil {
			return nil, classify(action.Type, err, ErrCodeInvalidParameters)
		}
		return nil, e.settle(ctx, action.Type, e.cfg.KeySettle)
	case ActionExtract:
		return e.extract(ctx, page, action)
	case ActionScreenshot, ActionNewTab, ActionDone:
		return nil, nil
	default:
		return nil, &ActionError{Code: ErrCodeInvalidParameters, Action: action.Type, Err: fmt.Errorf("unknown action %q", action.Type)}
	}
}

func (e *Executor) navigate(ctx context.Context, page browser.Driver, action Action) error {
	if err := page.Navigate(ctx, action.URL); err != nil {
		return classify(action.Type, err, ErrCodeNavigationError)
	}
	if err := page.WaitFor(ctx, "body", e.cfg.NavigationTimeout); err != nil {
		return classify(action.Type, err, ErrCodeNavigationError)
	}
	return e.settle(ctx, action.Type, e.cfg.NavigateSettle)
}

func (e *Executor) typeInto(ctx context.Context, page browser.Driver, action Action) error {
	el, err := page.FindElement(ctx, action.Selector)
	if err != nil {
		return classify(action.Type, err, ErrCodeElementNotFound)
	}
	if err := page.Click(ctx, el); err != nil {
		return classify(action.Type, err, ErrCodeScriptError)
	}
	clearScript := fmt.Sprintf("document.querySelector(%s).value = ''", jsString(action.Selector))
	if err := page.EvaluateScript(ctx, clearScript, nil); err != nil {
		return classify(action.Type, err, ErrCodeScriptError)
	}
	if err := page.TypeText(ctx, action.Text); err != nil {
		return classify(action.Type, err, ErrCodeScriptError)
	}
	return nil
}

func (e *Executor) extract(ctx context.Context, page browser.Driver, action Action) (*Extraction, error) {
	script := fmt.Sprintf("(document.querySelector(%s) || {}).innerText || ''", jsString(action.Selector))
	var content string
	if err := page.EvaluateScript(ctx, script, &content); err != nil {
		return nil, classify(action.Type, err, ErrCodeScriptError)
	}
	return &Extraction{Label: action.Label, Content: truncateRunes(content, e.cfg.ExtractMaxChars)}, nil
}

func (e *Executor) settle(ctx context.Context, action ActionType, d time.Duration) error {
	if err := e.sleep(ctx, d); err != nil {
		return &ActionError{Code: ErrCodeTimeoutError, Action: action, Err: err}
	}
	return nil
}

// classify wraps a driver error, preferring the more specific codes that can
// be recognized from the error itself.
func classify(action ActionType, err error, fallback ErrorCode) error {
	code := fallback
	switch {
	case errors.Is(err, browser.ErrElementNotFound):
		code = ErrCodeElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeoutError
	}
	return &ActionError{Code: code, Action: action, Err: err}
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
