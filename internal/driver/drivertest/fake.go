// Package drivertest provides a programmable in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/driver"
)

// Call records a single driver invocation.
type Call struct {
	Method string
	Arg    string
}

// Fake is a scriptable driver. Selectors are either present (found at once) or
// absent (FindElement blocks for the full timeout, then reports ErrNotFound).
// Scripts answer DefaultScriptResult unless a result or error was registered
// for the exact script text.
type Fake struct {
	mu sync.Mutex

	location   string
	elements   map[string]bool
	scripts    map[string]json.RawMessage
	scriptErrs map[string]error
	failures   map[string]error
	cookies    []schemas.Cookie
	calls      []Call
	closed     bool

	// DefaultScriptResult answers scripts with no registered result.
	DefaultScriptResult json.RawMessage

	// OnNavigate, when set, runs after every successful Navigate or Refresh.
	OnNavigate func(f *Fake, url string)
	// OnPressKey, when set, runs after every successful PressKey.
	OnPressKey func(f *Fake, key string, mods schemas.KeyModifier)
}

var _ driver.Driver = (*Fake)(nil)

// New returns a Fake positioned on about:blank.
func New() *Fake {
	return &Fake{
		location:            "about:blank",
		elements:            make(map[string]bool),
		scripts:             make(map[string]json.RawMessage),
		scriptErrs:          make(map[string]error),
		failures:            make(map[string]error),
		DefaultScriptResult: json.RawMessage("true"),
	}
}

// -- Programming --

func (f *Fake) SetLocation(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = url
}

func (f *Fake) AddElement(selectors ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range selectors {
		f.elements[s] = true
	}
}

func (f *Fake) RemoveElement(selectors ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range selectors {
		delete(f.elements, s)
	}
}

// SetScriptResult registers the raw JSON answer for an exact script.
func (f *Fake) SetScriptResult(script string, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[script] = json.RawMessage(raw)
	delete(f.scriptErrs, script)
}

// SetElementScriptResult registers the answer for script when it runs
// against the element located by selector. It takes precedence over
// SetScriptResult.
func (f *Fake) SetElementScriptResult(script, selector, raw string) {
	f.SetScriptResult(script+"@"+selector, raw)
}

func (f *Fake) SetScriptError(script string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptErrs[script] = err
}

// Fail makes method fail with err. target is the selector for element
// methods (SendKeys included), the key name for PressKey, and the URL for
// Navigate. An empty target fails every call to method.
func (f *Fake) Fail(method, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+"|"+target] = err
}

// SetCookies replaces the browser cookie jar.
func (f *Fake) SetCookies(cookies []schemas.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append([]schemas.Cookie(nil), cookies...)
}

// -- Inspection --

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Args returns the recorded arguments of every call to method, in order.
func (f *Fake) Args(method string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c.Arg)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// -- driver.Driver --

func (f *Fake) record(method, arg string) error {
	return f.recordAs(method, arg, arg)
}

// recordAs records arg but matches failures registered for target.
func (f *Fake) recordAs(method, arg, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Arg: arg})
	if f.closed {
		return fmt.Errorf("driver closed")
	}
	if err, ok := f.failures[method+"|"+target]; ok {
		return err
	}
	if err, ok := f.failures[method+"|"]; ok {
		return err
	}
	return nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := f.record("Navigate", url); err != nil {
		return err
	}
	f.SetLocation(url)
	if f.OnNavigate != nil {
		f.OnNavigate(f, url)
	}
	return ctx.Err()
}

func (f *Fake) CurrentLocation(ctx context.Context) (string, error) {
	if err := f.record("CurrentLocation", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *Fake) Refresh(ctx context.Context) error {
	if err := f.record("Refresh", ""); err != nil {
		return err
	}
	if f.OnNavigate != nil {
		f.mu.Lock()
		loc := f.location
		f.mu.Unlock()
		f.OnNavigate(f, loc)
	}
	return nil
}

func (f *Fake) PageSource(ctx context.Context) (string, error) {
	if err := f.record("PageSource", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	b.WriteString("<html><body>")
	for s := range f.elements {
		fmt.Fprintf(&b, "<!-- %s -->", s)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func (f *Fake) present(selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elements[selector]
}

func (f *Fake) FindElement(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	if err := f.record("FindElement", selector); err != nil {
		return driver.Element{}, err
	}
	if f.present(selector) {
		return driver.Element{Selector: selector, Ref: selector}, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return driver.Element{}, ctx.Err()
	case <-t.C:
	}
	// An element added while waiting still counts.
	if f.present(selector) {
		return driver.Element{Selector: selector, Ref: selector}, nil
	}
	return driver.Element{}, fmt.Errorf("%w: %s", schemas.ErrNotFound, selector)
}

func (f *Fake) FindElements(ctx context.Context, selector string) ([]driver.Element, error) {
	if err := f.record("FindElements", selector); err != nil {
		return nil, err
	}
	if f.present(selector) {
		return []driver.Element{{Selector: selector, Ref: selector}}, nil
	}
	return nil, nil
}

func (f *Fake) ExecuteScript(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	if err := f.record("ExecuteScript", script); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := []string{script}
	if len(args) > 0 {
		if el, ok := args[0].(driver.Element); ok {
			keys = []string{script + "@" + el.Selector, script}
		}
	}
	for _, k := range keys {
		if err, ok := f.scriptErrs[k]; ok {
			return nil, err
		}
		if raw, ok := f.scripts[k]; ok {
			return raw, nil
		}
	}
	return f.DefaultScriptResult, nil
}

func (f *Fake) Click(ctx context.Context, el driver.Element) error {
	return f.record("Click", el.Selector)
}

func (f *Fake) MouseClick(ctx context.Context, el driver.Element) error {
	return f.record("MouseClick", el.Selector)
}

func (f *Fake) SendKeys(ctx context.Context, el driver.Element, text string) error {
	return f.recordAs("SendKeys", text, el.Selector)
}

func (f *Fake) PressKey(ctx context.Context, key string, mods schemas.KeyModifier) error {
	if err := f.recordAs("PressKey", fmt.Sprintf("%s+%d", key, mods), key); err != nil {
		return err
	}
	if f.OnPressKey != nil {
		f.OnPressKey(f, key, mods)
	}
	return nil
}

func (f *Fake) Clear(ctx context.Context, el driver.Element) error {
	return f.record("Clear", el.Selector)
}

func (f *Fake) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	if err := f.record("Cookies", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.Cookie(nil), f.cookies...), nil
}

func (f *Fake) AddCookie(ctx context.Context, cookie schemas.Cookie) error {
	if err := f.record("AddCookie", cookie.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookie)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
