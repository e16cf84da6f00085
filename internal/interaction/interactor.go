// internal/interaction/interactor.go
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
)

// Scripts run against a located element (arguments[0]).
const (
	VisibleScript = `var el = arguments[0];
if (!el || !el.isConnected) return false;
var r = el.getBoundingClientRect();
var s = window.getComputedStyle(el);
return r.width > 0 && r.height > 0 && s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0';`

	ClickableScript = `var el = arguments[0];
if (!el || el.disabled || el.getAttribute('aria-disabled') === 'true') return false;
el.scrollIntoView({block: 'center', inline: 'center'});
var r = el.getBoundingClientRect();
var top = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
return !!top && (top === el || el.contains(top) || top.contains(el));`

	FocusScript = `var el = arguments[0];
el.scrollIntoView({block: 'center', inline: 'center'});
if (typeof el.focus === 'function') el.focus();
return document.activeElement === el || el.contains(document.activeElement);`

	ScrollScript = `arguments[0].scrollIntoView({block: 'center', inline: 'center'}); return true;`

	ScriptClickScript = `arguments[0].click(); return true;`

	// DismissScript clicks every node matching the CSS selector in arguments[0].
	DismissScript = `var nodes = document.querySelectorAll(arguments[0]);
for (var i = 0; i < nodes.length; i++) { nodes[i].click(); }
return nodes.length;`
)

// Interactor locates and clicks elements through staged waits and ordered
// fallback strategies. Failures surface as schemas.ErrNotFound, or as the
// context error when ctx ends first.
type Interactor struct {
	drv          driver.Driver
	cfg          config.InteractionConfig
	alternatives []string
	logger       *zap.Logger
	strategies   []clickStrategy
}

// NewInteractor binds an interactor to a driver. The input alternatives come
// from cfg.InputAlternatives, or the built-in list when empty.
func NewInteractor(drv driver.Driver, cfg config.InteractionConfig, logger *zap.Logger) *Interactor {
	alts := cfg.InputAlternatives
	if len(alts) == 0 {
		alts = config.DefaultInputAlternatives
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.AlternativeTimeout <= 0 {
		cfg.AlternativeTimeout = 2 * time.Second
	}
	ix := &Interactor{
		drv:          drv,
		cfg:          cfg,
		alternatives: alts,
		logger:       logger.Named("interactor"),
	}
	ix.strategies = ix.defaultClickStrategies()
	return ix
}

// WaitFor waits for selector to be present and then visible, all within timeout.
func (ix *Interactor) WaitFor(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	return ix.waitFor(ctx, selector, timeout, false)
}

// WaitForInput is WaitFor plus a clickability stage. When the primary selector
// fails any stage within timeout, each input alternative is tried in order
// with the shorter alternative timeout.
func (ix *Interactor) WaitForInput(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	return ix.waitFor(ctx, selector, timeout, true)
}

func (ix *Interactor) waitFor(ctx context.Context, selector string, timeout time.Duration, input bool) (driver.Element, error) {
	el, err := ix.acquire(ctx, selector, timeout, input)
	if err == nil {
		ix.focus(ctx, el)
		return el, nil
	}
	if ctx.Err() != nil {
		return driver.Element{}, ctx.Err()
	}
	if !input {
		return driver.Element{}, err
	}

	ix.logger.Debug("Primary input selector not usable; trying alternatives.",
		zap.String("selector", selector), zap.Error(err))
	for _, alt := range ix.alternatives {
		if alt == selector {
			continue
		}
		el, altErr := ix.acquire(ctx, alt, ix.cfg.AlternativeTimeout, true)
		if altErr == nil {
			ix.logger.Debug("Found input through alternative selector.", zap.String("selector", alt))
			ix.focus(ctx, el)
			return el, nil
		}
		if ctx.Err() != nil {
			return driver.Element{}, ctx.Err()
		}
	}
	return driver.Element{}, fmt.Errorf("%w: %s and %d alternatives", schemas.ErrNotFound, selector, len(ix.alternatives))
}

// acquire runs the presence, visibility and (for inputs) clickability stages
// against a single deadline.
func (ix *Interactor) acquire(ctx context.Context, selector string, timeout time.Duration, input bool) (driver.Element, error) {
	deadline := time.Now().Add(timeout)

	el, err := ix.drv.FindElement(ctx, selector, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return driver.Element{}, ctx.Err()
		}
		return driver.Element{}, notFound(selector, "presence", err)
	}

	if err := ix.pollScript(ctx, el, VisibleScript, deadline); err != nil {
		return driver.Element{}, notFound(selector, "visibility", err)
	}
	if input {
		if err := ix.pollScript(ctx, el, ClickableScript, deadline); err != nil {
			return driver.Element{}, notFound(selector, "clickability", err)
		}
	}
	return el, nil
}

var errStageTimeout = errors.New("condition not met before deadline")

// pollScript evaluates script against el until it is truthy or deadline passes.
// Script errors count as "not yet".
func (ix *Interactor) pollScript(ctx context.Context, el driver.Element, script string, deadline time.Time) error {
	for {
		raw, err := ix.drv.ExecuteScript(ctx, script, el)
		if err == nil && driver.Truthy(raw) {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err != nil {
				return fmt.Errorf("%w: %v", errStageTimeout, err)
			}
			return errStageTimeout
		}
		if err := sleep(ctx, min(ix.cfg.PollInterval, remaining)); err != nil {
			return err
		}
	}
}

func notFound(selector, stage string, cause error) error {
	return fmt.Errorf("%w: %s (%s: %v)", schemas.ErrNotFound, selector, stage, cause)
}

func (ix *Interactor) focus(ctx context.Context, el driver.Element) {
	raw, err := ix.drv.ExecuteScript(ctx, FocusScript, el)
	if err != nil || !driver.Truthy(raw) {
		ix.logger.Debug("Could not focus element.", zap.String("selector", el.Selector), zap.Error(err))
	}
}

// FindAndClick waits for selector and clicks it with the first click strategy that succeeds.
func (ix *Interactor) FindAndClick(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	el, err := ix.WaitFor(ctx, selector, timeout)
	if err != nil {
		return driver.Element{}, err
	}
	if _, err := ix.drv.ExecuteScript(ctx, ScrollScript, el); err != nil {
		ix.logger.Debug("Scroll into view failed.", zap.String("selector", selector), zap.Error(err))
	}
	if scrollSettle := ix.cfg.ScrollSettle; scrollSettle > 0 {
		if err := sleep(ctx, scrollSettle); err != nil {
			return driver.Element{}, err
		}
	}
	if err := ix.Click(ctx, el); err != nil {
		return driver.Element{}, err
	}
	return el, nil
}

// Click runs the click strategies against an already located element.
func (ix *Interactor) Click(ctx context.Context, el driver.Element) error {
	for _, s := range ix.strategies {
		err := attempt(ctx, s, el)
		if err == nil {
			ix.logger.Debug("Clicked element.", zap.String("selector", el.Selector), zap.String("strategy", s.name))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ix.logger.Debug("Click strategy failed.", zap.String("selector", el.Selector), zap.String("strategy", s.name), zap.Error(err))
	}
	return fmt.Errorf("%w: every click strategy failed for %s", schemas.ErrNotFound, el.Selector)
}

// Dismiss clicks every node matching the CSS selector. It reports
// schemas.ErrNotFound when nothing matched or every click failed.
func (ix *Interactor) Dismiss(ctx context.Context, selector string) error {
	raw, err := ix.drv.ExecuteScript(ctx, DismissScript, selector)
	if err == nil && driver.Truthy(raw) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ix.logger.Debug("Script dismissal found nothing; trying a located click.", zap.String("selector", selector), zap.Error(err))

	el, findErr := ix.drv.FindElement(ctx, selector, ix.cfg.AlternativeTimeout)
	if findErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return notFound(selector, "dismiss", findErr)
	}
	return ix.Click(ctx, el)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
