// internal/interaction/interactor_test.go
package interaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
	"github.com/xkilldash9x/courier-cli/internal/driver/drivertest"
)

const (
	primary = "//div[@aria-label='Message' and @role='textbox']"
	alt1    = "//div[@role='textbox' and @contenteditable='true']"
	alt2    = "//div[@contenteditable='true' and @spellcheck='true']"
)

func testConfig() config.InteractionConfig {
	return config.InteractionConfig{
		EntryTimeout:       40 * time.Millisecond,
		InputTimeout:       60 * time.Millisecond,
		AlternativeTimeout: 20 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		InputAlternatives:  []string{alt1, alt2},
	}
}

func newTestInteractor(t *testing.T) (*Interactor, *drivertest.Fake) {
	t.Helper()
	drv := drivertest.New()
	return NewInteractor(drv, testConfig(), zap.NewNop()), drv
}

func TestWaitFor_PresentAndVisible(t *testing.T) {
	ix, drv := newTestInteractor(t)
	drv.AddElement("#email")

	el, err := ix.WaitFor(context.Background(), "#email", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "#email", el.Selector)
	assert.Contains(t, drv.Args("ExecuteScript"), VisibleScript)
	assert.Contains(t, drv.Args("ExecuteScript"), FocusScript, "acquired elements get a focus attempt")
	assert.NotContains(t, drv.Args("ExecuteScript"), ClickableScript, "clickability is only staged for inputs")
}

func TestWaitFor_AbsentIsTypedNotFound(t *testing.T) {
	ix, drv := newTestInteractor(t)

	start := time.Now()
	_, err := ix.WaitFor(context.Background(), "#missing", 30*time.Millisecond)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, []string{"#missing"}, drv.Args("FindElement"), "non-input selectors have no alternatives")
}

func TestWaitFor_NeverVisible(t *testing.T) {
	ix, drv := newTestInteractor(t)
	drv.AddElement("#hidden")
	drv.SetElementScriptResult(VisibleScript, "#hidden", "false")

	start := time.Now()
	_, err := ix.WaitFor(context.Background(), "#hidden", 30*time.Millisecond)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.Contains(t, err.Error(), "visibility")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Greater(t, drv.Count("ExecuteScript"), 1, "visibility is polled until the deadline")
}

func TestWaitFor_FocusFailureIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	drv := drivertest.New()
	ix := NewInteractor(drv, testConfig(), zap.New(core))
	drv.AddElement("#email")
	drv.SetScriptError(FocusScript, errors.New("detached"))

	_, err := ix.WaitFor(context.Background(), "#email", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("Could not focus element.").Len())
}

func TestWaitForInput_FallbackChainDeterminism(t *testing.T) {
	ix, drv := newTestInteractor(t)
	drv.AddElement(alt2)

	start := time.Now()
	el, err := ix.WaitForInput(context.Background(), primary, testConfig().InputTimeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, alt2, el.Selector)
	assert.GreaterOrEqual(t, elapsed, testConfig().InputTimeout, "an alternative is only used after the primary timeout")
	assert.Equal(t, []string{primary, alt1, alt2}, drv.Args("FindElement"))
}

func TestWaitForInput_PrimaryNotClickable(t *testing.T) {
	ix, drv := newTestInteractor(t)
	drv.AddElement(primary, alt1)
	drv.SetElementScriptResult(ClickableScript, primary, "false")

	start := time.Now()
	el, err := ix.WaitForInput(context.Background(), primary, testConfig().InputTimeout)
	require.NoError(t, err)
	assert.Equal(t, alt1, el.Selector)
	assert.GreaterOrEqual(t, time.Since(start), testConfig().InputTimeout)
}

func TestWaitForInput_PrimarySucceeds(t *testing.T) {
	ix, drv := newTestInteractor(t)
	drv.AddElement(primary, alt1)

	el, err := ix.WaitForInput(context.Background(), primary, time.Second)
	require.NoError(t, err)
	assert.Equal(t, primary, el.Selector)
	assert.Equal(t, []string{primary}, drv.Args("FindElement"))
	assert.Contains(t, drv.Args("ExecuteScript"), ClickableScript)
}

func TestWaitForInput_AllFail(t *testing.T) {
	ix, drv := newTestInteractor(t)

	_, err := ix.WaitForInput(context.Background(), primary, 10*time.Millisecond)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.Len(t, drv.Args("FindElement"), 3)
}

func TestWaitForInput_SkipsPrimaryInAlternatives(t *testing.T) {
	drv := drivertest.New()
	cfg := testConfig()
	cfg.InputAlternatives = []string{primary, alt1}
	ix := NewInteractor(drv, cfg, zap.NewNop())

	_, err := ix.WaitForInput(context.Background(), primary, 10*time.Millisecond)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
	assert.Equal(t, []string{primary, alt1}, drv.Args("FindElement"))
}

func TestWaitFor_ContextCancelled(t *testing.T) {
	ix, _ := newTestInteractor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := ix.WaitForInput(ctx, primary, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, schemas.ErrNotFound)
}

func TestFindAndClick_StrategyChain(t *testing.T) {
	const sel = "//*[contains(text(), 'Message')]"
	boom := errors.New("boom")

	t.Run("script click wins", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.AddElement(sel)

		el, err := ix.FindAndClick(context.Background(), sel, time.Second)
		require.NoError(t, err)
		assert.Equal(t, sel, el.Selector)
		assert.Contains(t, drv.Args("ExecuteScript"), ScrollScript)
		assert.Contains(t, drv.Args("ExecuteScript"), ScriptClickScript)
		assert.Zero(t, drv.Count("Click"))
		assert.Zero(t, drv.Count("MouseClick"))
	})

	t.Run("native click after script failure", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.AddElement(sel)
		drv.SetScriptError(ScriptClickScript, boom)

		_, err := ix.FindAndClick(context.Background(), sel, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, drv.Count("Click"))
		assert.Zero(t, drv.Count("MouseClick"))
	})

	t.Run("pointer click last", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.AddElement(sel)
		drv.SetScriptResult(ScriptClickScript, "false")
		drv.Fail("Click", sel, boom)

		_, err := ix.FindAndClick(context.Background(), sel, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, drv.Count("Click"))
		assert.Equal(t, 1, drv.Count("MouseClick"))
	})

	t.Run("all strategies fail", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.AddElement(sel)
		drv.SetScriptError(ScriptClickScript, boom)
		drv.Fail("Click", sel, boom)
		drv.Fail("MouseClick", sel, boom)

		_, err := ix.FindAndClick(context.Background(), sel, time.Second)
		assert.ErrorIs(t, err, schemas.ErrNotFound)
	})

	t.Run("not found", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		_, err := ix.FindAndClick(context.Background(), sel, 10*time.Millisecond)
		assert.ErrorIs(t, err, schemas.ErrNotFound)
		assert.Zero(t, drv.Count("Click"))
	})
}

func TestClick_PanickingStrategyIsIsolated(t *testing.T) {
	ix, drv := newTestInteractor(t)
	var order []string
	ix.strategies = []clickStrategy{
		{name: "explodes", click: func(context.Context, driver.Element) error {
			order = append(order, "explodes")
			panic("nil node")
		}},
		{name: "works", click: func(context.Context, driver.Element) error {
			order = append(order, "works")
			return nil
		}},
	}

	err := ix.Click(context.Background(), driver.Element{Selector: "#x"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"explodes", "works"}, order)
	assert.Zero(t, drv.Count("Click"))
}

func TestDismiss(t *testing.T) {
	const sel = "div[aria-label='Close chat']"

	t.Run("script dismissal", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.SetScriptResult(DismissScript, "1")
		assert.NoError(t, ix.Dismiss(context.Background(), sel))
		assert.Zero(t, drv.Count("FindElement"))
	})

	t.Run("falls back to located click", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.SetScriptResult(DismissScript, "0")
		drv.AddElement(sel)
		assert.NoError(t, ix.Dismiss(context.Background(), sel))
		assert.Equal(t, []string{sel}, drv.Args("FindElement"))
	})

	t.Run("nothing to dismiss", func(t *testing.T) {
		ix, drv := newTestInteractor(t)
		drv.SetScriptResult(DismissScript, "0")
		assert.ErrorIs(t, ix.Dismiss(context.Background(), sel), schemas.ErrNotFound)
	})
}
