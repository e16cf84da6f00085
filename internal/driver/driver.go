// internal/driver/driver.go
package driver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/xkilldash9x/courier-cli/api/schemas"
)

// Element is a handle to a node located by FindElement. Ref is opaque and only
// meaningful to the Driver that produced it.
type Element struct {
	Selector string
	Ref      string
}

// Driver is the browser capability surface the engine consumes. It carries no
// retry or fallback logic; every method makes a single attempt and reports the
// raw outcome. Resilience lives in the interaction layer.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentLocation(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	PageSource(ctx context.Context) (string, error)

	// FindElement waits up to timeout for selector to match a node. It returns
	// schemas.ErrNotFound when nothing matched in time.
	FindElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// FindElements returns the nodes currently matching selector without waiting.
	FindElements(ctx context.Context, selector string) ([]Element, error)

	// ExecuteScript runs script as a function body. Arguments are visible as
	// arguments[i]; Element arguments are passed as live DOM nodes. The returned
	// value is the JSON encoding of what the script returned ("null" when nothing).
	ExecuteScript(ctx context.Context, script string, args ...any) (json.RawMessage, error)

	Click(ctx context.Context, el Element) error
	// MouseClick moves the pointer to the element's centre and presses the primary button.
	MouseClick(ctx context.Context, el Element) error
	// SendKeys focuses el and types text as individual key events.
	SendKeys(ctx context.Context, el Element, text string) error
	// PressKey dispatches a named key (schemas.KeyEnter, ...) to the focused element.
	PressKey(ctx context.Context, key string, mods schemas.KeyModifier) error
	Clear(ctx context.Context, el Element) error

	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	AddCookie(ctx context.Context, cookie schemas.Cookie) error

	Close() error
}

// IsXPath reports whether selector is an XPath expression rather than a CSS selector.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(/") || strings.HasPrefix(s, "./")
}

// Truthy reports whether a script result is a JavaScript truthy primitive.
func Truthy(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`, "undefined":
		return false
	}
	return true
}
