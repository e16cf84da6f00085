// internal/driver/cdp.go
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
)

// CDPDriver implements Driver on top of a single chromedp browser tab.
type CDPDriver struct {
	id     string
	logger *zap.Logger
	netCfg config.NetworkConfig

	allocCancel context.CancelFunc
	// tabCtx carries the CDP target; every action runs on a context combined with it.
	tabCtx    context.Context
	tabCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ Driver = (*CDPDriver)(nil)

// Launch starts a browser process and opens the tab the engine will drive.
// The browser outlives ctx; callers must Close the driver on every exit path.
func Launch(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*CDPDriver, error) {
	id := uuid.New().String()
	log := logger.Named("driver").With(zap.String("driver_id", id))
	log.Info("Initializing browser allocator...")

	opts, err := buildAllocatorOptions(cfg.Browser())
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Debugf),
	)

	launchTimeout := cfg.Browser().LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}
	readyCtx, cancelReady := CombineContext(tabCtx, ctx)
	defer cancelReady()
	readyCtx, cancelTimeout := context.WithTimeout(readyCtx, launchTimeout)
	defer cancelTimeout()

	// The first Run on a fresh context starts the browser; about:blank confirms it responds.
	if err := chromedp.Run(readyCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	log.Info("Browser launched successfully and is responsive.")
	return &CDPDriver{
		id:          id,
		logger:      log,
		netCfg:      cfg.Network(),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

func buildAllocatorOptions(bc config.BrowserConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", bc.Headless),
		chromedp.Flag("ignore-certificate-errors", bc.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", bc.Headless),
	)

	if w, h := bc.Viewport["width"], bc.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	if bc.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(bc.ExecPath))
	}
	if bc.UserDataDir != "" {
		dir, err := homedir.Expand(bc.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand browser.user_data_dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}

	for _, arg := range bc.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts, nil
}

// ID identifies this browser instance in logs.
func (d *CDPDriver) ID() string { return d.id }

// run executes actions bound to both the tab lifetime and ctx, with an optional timeout.
func (d *CDPDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(d.tabCtx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, d.netCfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (d *CDPDriver) CurrentLocation(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, d.netCfg.ScriptTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read current location: %w", err)
	}
	return loc, nil
}

func (d *CDPDriver) Refresh(ctx context.Context) error {
	if err := d.run(ctx, d.netCfg.NavigationTimeout, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload page: %w", err)
	}
	return nil
}

func (d *CDPDriver) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, d.netCfg.ScriptTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page source: %w", err)
	}
	return html, nil
}

func queryOption(selector string) chromedp.QueryOption {
	if IsXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func (d *CDPDriver) FindElement(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, timeout, chromedp.Nodes(selector, &nodes, queryOption(selector)))
	if err != nil || len(nodes) == 0 {
		if ctx.Err() != nil {
			return Element{}, ctx.Err()
		}
		return Element{}, fmt.Errorf("%w: %s", schemas.ErrNotFound, selector)
	}
	return toElement(selector, nodes[0]), nil
}

func (d *CDPDriver) FindElements(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, d.netCfg.ScriptTimeout, chromedp.Nodes(selector, &nodes, queryOption(selector), chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	elements := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		elements = append(elements, toElement(selector, n))
	}
	return elements, nil
}

func toElement(selector string, n *cdp.Node) Element {
	return Element{Selector: selector, Ref: strconv.FormatInt(int64(n.BackendNodeID), 10)}
}

func backendID(el Element) (cdp.BackendNodeID, error) {
	id, err := strconv.ParseInt(el.Ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: stale or foreign element handle %q", schemas.ErrNotFound, el.Ref)
	}
	return cdp.BackendNodeID(id), nil
}

func (d *CDPDriver) ExecuteScript(ctx context.Context, script string, args ...any) (json.RawMessage, error) {
	var result json.RawMessage
	err := d.run(ctx, d.netCfg.ScriptTimeout, chromedp.ActionFunc(func(c context.Context) error {
		var (
			callArgs []*cdpruntime.CallArgument
			thisID   cdpruntime.RemoteObjectID
		)
		parts := make([]string, len(args))
		for i, a := range args {
			el, ok := a.(Element)
			if !ok {
				parts[i] = jsonEncode(a)
				continue
			}
			id, err := backendID(el)
			if err != nil {
				return err
			}
			obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(c)
			if err != nil {
				return fmt.Errorf("resolve element %s: %w", el.Selector, err)
			}
			parts[i] = fmt.Sprintf("arguments[%d]", len(callArgs))
			callArgs = append(callArgs, &cdpruntime.CallArgument{ObjectID: obj.ObjectID})
			if thisID == "" {
				thisID = obj.ObjectID
			}
		}

		invocation := fmt.Sprintf("(function(){%s}).apply(this, [%s])", script, strings.Join(parts, ","))

		var (
			obj *cdpruntime.RemoteObject
			exc *cdpruntime.ExceptionDetails
			err error
		)
		if len(callArgs) == 0 {
			obj, exc, err = cdpruntime.Evaluate(invocation).
				WithReturnByValue(true).
				WithAwaitPromise(true).
				Do(c)
		} else {
			obj, exc, err = cdpruntime.CallFunctionOn("function(){ return " + invocation + "; }").
				WithObjectID(thisID).
				WithArguments(callArgs).
				WithReturnByValue(true).
				WithAwaitPromise(true).
				Do(c)
		}
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script raised an exception: %s", exc.Text)
		}
		if obj == nil || len(obj.Value) == 0 {
			result = json.RawMessage("null")
			return nil
		}
		result = json.RawMessage(obj.Value)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("execute script: %w", err)
	}
	return result, nil
}

// Functions invoked with this bound to a resolved element.
const (
	clickFunction = `function() { this.scrollIntoView({block: "center", inline: "center"}); this.click(); }`
	clearFunction = `function() {
	if ("value" in this) { this.value = ""; } else { this.textContent = ""; }
	this.dispatchEvent(new Event("input", {bubbles: true}));
	this.dispatchEvent(new Event("change", {bubbles: true}));
}`
)

// callOnElement runs fn against the node behind id, the exact element that
// was found rather than whatever its selector matches now.
func callOnElement(ctx context.Context, id cdp.BackendNodeID, fn string) error {
	obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("resolve element: %w", err)
	}
	defer func() { _ = cdpruntime.ReleaseObject(obj.ObjectID).Do(ctx) }()

	_, exc, err := cdpruntime.CallFunctionOn(fn).WithObjectID(obj.ObjectID).Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		return fmt.Errorf("script raised an exception: %s", exc.Text)
	}
	return nil
}

func (d *CDPDriver) Click(ctx context.Context, el Element) error {
	id, err := backendID(el)
	if err != nil {
		return err
	}
	err = d.run(ctx, d.netCfg.ScriptTimeout, chromedp.ActionFunc(func(c context.Context) error {
		return callOnElement(c, id, clickFunction)
	}))
	if err != nil {
		return fmt.Errorf("native click on %s: %w", el.Selector, err)
	}
	return nil
}

func (d *CDPDriver) MouseClick(ctx context.Context, el Element) error {
	id, err := backendID(el)
	if err != nil {
		return err
	}
	err = d.run(ctx, d.netCfg.ScriptTimeout, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(c); err != nil {
			return err
		}
		box, err := dom.GetBoxModel().WithBackendNodeID(id).Do(c)
		if err != nil {
			return err
		}
		x, y, ok := quadCentre(box.Content)
		if !ok {
			return errors.New("element has no box")
		}
		if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(c); err != nil {
			return err
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1).Do(c); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1).Do(c)
	}))
	if err != nil {
		return fmt.Errorf("pointer click on %s: %w", el.Selector, err)
	}
	return nil
}

// quadCentre averages the four corners of a DOM quad.
func quadCentre(q dom.Quad) (x, y float64, ok bool) {
	if len(q) < 8 {
		return 0, 0, false
	}
	for i := 0; i < 8; i += 2 {
		x += q[i]
		y += q[i+1]
	}
	x, y = x/4, y/4
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, 0, false
	}
	return x, y, true
}

func (d *CDPDriver) SendKeys(ctx context.Context, el Element, text string) error {
	id, err := backendID(el)
	if err != nil {
		return err
	}
	err = d.run(ctx, d.netCfg.ScriptTimeout,
		dom.Focus().WithBackendNodeID(id),
		chromedp.KeyEvent(text),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", el.Selector, err)
	}
	return nil
}

// keyDefinition carries what CDP needs for a named key to behave like a physical press.
type keyDefinition struct {
	code string
	vk   int64
	text string
}

var namedKeys = map[string]keyDefinition{
	schemas.KeyEnter:  {code: "Enter", vk: 13, text: "\r"},
	schemas.KeyTab:    {code: "Tab", vk: 9, text: "\t"},
	schemas.KeyEscape: {code: "Escape", vk: 27},
}

func (d *CDPDriver) PressKey(ctx context.Context, key string, mods schemas.KeyModifier) error {
	var modifiers input.Modifier
	if mods&schemas.ModAlt != 0 {
		modifiers |= input.ModifierAlt
	}
	if mods&schemas.ModCtrl != 0 {
		modifiers |= input.ModifierCtrl
	}
	if mods&schemas.ModMeta != 0 {
		modifiers |= input.ModifierMeta
	}
	if mods&schemas.ModShift != 0 {
		modifiers |= input.ModifierShift
	}

	def, ok := namedKeys[key]
	if !ok {
		def = keyDefinition{code: key}
	}

	keyDown := input.DispatchKeyEvent(input.KeyDown).
		WithModifiers(modifiers).
		WithKey(key).
		WithCode(def.code)
	keyUp := input.DispatchKeyEvent(input.KeyUp).
		WithModifiers(modifiers).
		WithKey(key).
		WithCode(def.code)
	if def.vk != 0 {
		keyDown = keyDown.WithWindowsVirtualKeyCode(def.vk).WithNativeVirtualKeyCode(def.vk)
		keyUp = keyUp.WithWindowsVirtualKeyCode(def.vk).WithNativeVirtualKeyCode(def.vk)
	}
	if def.text != "" {
		keyDown = keyDown.WithText(def.text).WithUnmodifiedText(def.text)
	}

	if err := d.run(ctx, 5*time.Second, keyDown, keyUp); err != nil {
		return fmt.Errorf("dispatch key %s: %w", key, err)
	}
	return nil
}

func (d *CDPDriver) Clear(ctx context.Context, el Element) error {
	id, err := backendID(el)
	if err != nil {
		return err
	}
	err = d.run(ctx, d.netCfg.ScriptTimeout, chromedp.ActionFunc(func(c context.Context) error {
		return callOnElement(c, id, clearFunction)
	}))
	if err != nil {
		return fmt.Errorf("clear %s: %w", el.Selector, err)
	}
	return nil
}

func (d *CDPDriver) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, d.netCfg.ScriptTimeout, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]schemas.Cookie, 0, len(raw))
	for _, c := range raw {
		ck := schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session {
			ck.Expires = c.Expires
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

func (d *CDPDriver) AddCookie(ctx context.Context, cookie schemas.Cookie) error {
	p := network.SetCookie(cookie.Name, cookie.Value).
		WithDomain(cookie.Domain).
		WithPath(cookie.Path).
		WithHTTPOnly(cookie.HTTPOnly).
		WithSecure(cookie.Secure)
	if cookie.SameSite != "" {
		p = p.WithSameSite(network.CookieSameSite(cookie.SameSite))
	}
	// Without an expiry the browser keeps it as a session cookie.
	if cookie.Expires > 0 {
		sec, frac := math.Modf(cookie.Expires)
		exp := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		p = p.WithExpires(&exp)
	}
	if err := d.run(ctx, d.netCfg.ScriptTimeout, p); err != nil {
		return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
	}
	return nil
}

// Close shuts the tab and the browser process. It is safe to call more than once.
func (d *CDPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.logger.Debug("Closing browser.")
	d.tabCancel()
	d.allocCancel()
	return nil
}

// jsonEncode encodes a value for injection into a script.
func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
