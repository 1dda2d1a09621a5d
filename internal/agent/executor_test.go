// File: internal/agent/executor_test.go
package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireActionError(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, code, actionErr.Code)
}

func TestExecutor_Navigate(t *testing.T) {
	e := testExecutor(t)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	page := newFakePage()

	ext, err := e.Apply(context.Background(), page, Action{Type: ActionNavigate, URL: "https://example.com"})
	require.NoError(t, err)
	assert.Nil(t, ext)
	assert.Equal(t, []string{"Navigate", "WaitFor"}, page.Calls())
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, slept)
	assert.Equal(t, "https://example.com", page.url)
}

func TestExecutor_NavigateFailure(t *testing.T) {
	page := newFakePage()
	page.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionNavigate, URL: "https://nope.invalid"})
	requireActionError(t, err, ErrCodeNavigationError)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestExecutor_TypeInto(t *testing.T) {
	page := newFakePage()
	page.elements["#q"] = true

	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionTypeInto, Selector: "#q", Text: "rust lang"})
	require.NoError(t, err)
	assert.Equal(t, []string{"FindElement", "Click", "EvaluateScript", "TypeText"}, page.Calls())
	assert.Equal(t, []string{`document.querySelector("#q").value = ''`}, page.scripts)
	assert.Equal(t, []string{"rust lang"}, page.typed)
}

func TestExecutor_SelectorIsEscaped(t *testing.T) {
	page := newFakePage()
	sel := `[data-eid="[e3]"]`
	page.elements[sel] = true

	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionTypeInto, Selector: sel, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, `document.querySelector("[data-eid=\"[e3]\"]").value = ''`, page.scripts[0])
}

func TestExecutor_ClickMissingElement(t *testing.T) {
	page := newFakePage()
	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionClick, Selector: "#missing"})
	requireActionError(t, err, ErrCodeElementNotFound)
	assert.Equal(t, []string{"FindElement"}, page.Calls())
}

func TestExecutor_WaitForTimeout(t *testing.T) {
	page := newFakePage()
	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionWaitFor, Selector: "#late", TimeoutMs: 10})
	requireActionError(t, err, ErrCodeTimeoutError)
}

func TestExecutor_WaitForZeroTimeout(t *testing.T) {
	page := newFakePage()
	page.elements["#ready"] = true

	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionWaitFor, Selector: "#ready", TimeoutMs: 0})
	requireActionError(t, err, ErrCodeTimeoutError)
	assert.Equal(t, []time.Duration{0}, page.waits, "a zero timeout is passed through, not replaced by a default")
}

func TestExecutor_PressKey(t *testing.T) {
	page := newFakePage()
	e := testExecutor(t)

	_, err := e.Apply(context.Background(), page, Action{Type: ActionPressKey, Key: "Enter"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Enter"}, page.keys)

	_, err = e.Apply(context.Background(), page, Action{Type: ActionPressKey, Key: "Hyper"})
	requireActionError(t, err, ErrCodeInvalidParameters)
}

func TestExecutor_Extract(t *testing.T) {
	page := newFakePage()
	page.innerText["main"] = strings.Repeat("x", 2500)

	ext, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionExtract, Selector: "main", Label: "article"})
	require.NoError(t, err)
	require.NotNil(t, ext)
	assert.Equal(t, "article", ext.Label)
	assert.Len(t, ext.Content, 2000)
	assert.Equal(t, `(document.querySelector("main") || {}).innerText || ''`, page.scripts[0])
}

func TestExecutor_ExtractMissingElementIsEmpty(t *testing.T) {
	page := newFakePage()
	ext, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionExtract, Selector: "#nothing", Label: "empty"})
	require.NoError(t, err)
	assert.Equal(t, &Extraction{Label: "empty", Content: ""}, ext)
}

func TestExecutor_NoOps(t *testing.T) {
	for _, typ := range []ActionType{ActionScreenshot, ActionNewTab, ActionDone} {
		t.Run(string(typ), func(t *testing.T) {
			page := newFakePage()
			ext, err := testExecutor(t).Apply(context.Background(), page, Action{Type: typ, Summary: "s"})
			require.NoError(t, err)
			assert.Nil(t, ext)
			assert.Empty(t, page.Calls())
		})
	}
}

func TestExecutor_RecoversPanic(t *testing.T) {
	page := newFakePage()
	page.elements["#go"] = true
	page.panicOn = "Click"

	_, err := testExecutor(t).Apply(context.Background(), page, Action{Type: ActionClick, Selector: "#go"})
	requireActionError(t, err, ErrCodeExecutorPanic)
	assert.Contains(t, err.Error(), "boom in Click")
}

func TestExecutor_SettleHonorsCancellation(t *testing.T) {
	e := testExecutor(t)
	e.sleep = sleepContext
	page := newFakePage()
	page.elements["#go"] = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Apply(ctx, page, Action{Type: ActionClick, Selector: "#go"})
	requireActionError(t, err, ErrCodeTimeoutError)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
