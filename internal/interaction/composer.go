// internal/interaction/composer.go
package interaction

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/driver"
)

const (
	// ClearScript resets a contenteditable surface to an empty paragraph.
	ClearScript = `var el = arguments[0];
el.innerHTML = '<p><br></p>';
el.dispatchEvent(new Event('input', {bubbles: true}));
return true;`

	LineBreakScript = `return document.execCommand('insertLineBreak');`

	SurfaceTextScript = `var el = arguments[0];
return ((el.innerText || el.textContent || el.value || '') + '').trim();`

	SyntheticEnterScript = `var el = arguments[0];
['keydown', 'keypress', 'keyup'].forEach(function (type) {
  el.dispatchEvent(new KeyboardEvent(type, {key: 'Enter', code: 'Enter', keyCode: 13, which: 13, bubbles: true, cancelable: true}));
});
return true;`
)

// Composer types a multi-line message into the input surface and submits it.
type Composer struct {
	ix     *Interactor
	logger *zap.Logger
}

func NewComposer(ix *Interactor, logger *zap.Logger) *Composer {
	return &Composer{ix: ix, logger: logger.Named("composer")}
}

// SplitLines splits a message on line boundaries, accepting \n, \r\n and \r.
func SplitLines(message string) []string {
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\r", "\n")
	return strings.Split(message, "\n")
}

// Compose writes message into the surface matched by selector and submits it.
// Intermediate line breaks are soft newlines so only the final key submits.
// It reports false when the surface cannot be located, typed into, or
// submitted after every fallback; it never returns an error.
func (c *Composer) Compose(ctx context.Context, selector, message string) bool {
	if strings.TrimSpace(message) == "" {
		c.logger.Warn("Refusing to compose an empty message.")
		return false
	}
	drv := c.ix.drv
	log := c.logger.With(zap.String("selector", selector))

	el, err := c.ix.WaitForInput(ctx, selector, c.ix.cfg.InputTimeout)
	if err != nil {
		log.Warn("Input surface not found.", zap.Error(err))
		return false
	}
	log = c.logger.With(zap.String("selector", el.Selector))

	c.clear(ctx, el, log)

	if err := c.ix.Click(ctx, el); err != nil {
		// Typing focuses the element itself, so a failed click is not fatal.
		log.Debug("Could not click the input surface.", zap.Error(err))
	}

	lines := SplitLines(message)
	for i, line := range lines {
		if line != "" {
			if err := drv.SendKeys(ctx, el, line); err != nil {
				log.Warn("Typing failed.", zap.Int("line", i), zap.Error(err))
				return false
			}
		}
		if i < len(lines)-1 {
			if !c.softNewline(ctx, log) {
				return false
			}
		}
		if err := sleep(ctx, c.ix.cfg.KeystrokeDelay); err != nil {
			return false
		}
	}

	return c.submit(ctx, el, log)
}

func (c *Composer) clear(ctx context.Context, el driver.Element, log *zap.Logger) {
	raw, err := c.ix.drv.ExecuteScript(ctx, ClearScript, el)
	if err == nil && driver.Truthy(raw) {
		return
	}
	log.Debug("Script clear failed; falling back to a direct clear.", zap.Error(err))
	if err := c.ix.drv.Clear(ctx, el); err != nil {
		log.Warn("Could not clear the input surface; composing anyway.", zap.Error(err))
	}
}

func (c *Composer) softNewline(ctx context.Context, log *zap.Logger) bool {
	err := c.ix.drv.PressKey(ctx, schemas.KeyEnter, schemas.ModShift)
	if err == nil {
		return true
	}
	log.Debug("Modified Enter failed; inserting the line break by script.", zap.Error(err))
	raw, scriptErr := c.ix.drv.ExecuteScript(ctx, LineBreakScript)
	if scriptErr == nil && driver.Truthy(raw) {
		return true
	}
	log.Warn("Could not insert a soft newline.", zap.NamedError("key_error", err), zap.NamedError("script_error", scriptErr))
	return false
}

// submit presses Enter and, when the surface still holds text afterwards,
// dispatches a synthetic Enter through the page.
func (c *Composer) submit(ctx context.Context, el driver.Element, log *zap.Logger) bool {
	drv := c.ix.drv
	pressErr := drv.PressKey(ctx, schemas.KeyEnter, schemas.ModNone)
	if pressErr == nil {
		// Give the page a moment to consume the key before checking.
		if err := sleep(ctx, min(c.ix.cfg.PollInterval, 500*time.Millisecond)); err != nil {
			return false
		}
		if !c.stillHasText(ctx, el) {
			return true
		}
		log.Debug("Enter had no observable effect; dispatching a synthetic key event.")
	} else {
		log.Debug("Enter key failed; dispatching a synthetic key event.", zap.Error(pressErr))
	}

	raw, err := drv.ExecuteScript(ctx, SyntheticEnterScript, el)
	if err != nil || !driver.Truthy(raw) {
		log.Warn("Message could not be submitted.", zap.NamedError("key_error", pressErr), zap.NamedError("script_error", err))
		return false
	}
	return true
}

// stillHasText reports whether the surface visibly kept its content. An
// unreadable surface is treated as submitted.
func (c *Composer) stillHasText(ctx context.Context, el driver.Element) bool {
	raw, err := c.ix.drv.ExecuteScript(ctx, SurfaceTextScript, el)
	if err != nil {
		return false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return false
	}
	return text != ""
}
