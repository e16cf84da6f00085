// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/captcha"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
	"github.com/xkilldash9x/courier-cli/internal/interaction"
)

// State is a step of the authentication state machine.
type State string

const (
	StateNoSession        State = "no-session"
	StateRestoreAttempted State = "restore-attempted"
	StateLoginRequired    State = "login-required"
	StateAuthenticated    State = "authenticated"
	StateLoginFailed      State = "login-failed"
)

// persistTimeout bounds the cookie write that follows a successful login.
const persistTimeout = 10 * time.Second

// verdict is the combined answer of the login-state signals.
type verdict int

const (
	verdictNegative verdict = iota
	verdictPositive
	// verdictInconclusive means every signal errored out.
	verdictInconclusive
)

func (v verdict) String() string {
	switch v {
	case verdictPositive:
		return "positive"
	case verdictInconclusive:
		return "inconclusive"
	}
	return "negative"
}

// Manager owns the authenticated session for one run. It restores persisted
// cookies when it can and falls back to a manual login guarded by the captcha gate.
type Manager struct {
	drv    driver.Driver
	store  schemas.RecordStore
	gate   *captcha.Gate
	ix     *interaction.Interactor
	cfg    config.SessionConfig
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	session schemas.Session
	err     error
}

// NewManager wires a session manager. The interactor must be bound to drv.
func NewManager(drv driver.Driver, store schemas.RecordStore, gate *captcha.Gate, ix *interaction.Interactor, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	return &Manager{
		drv:     drv,
		store:   store,
		gate:    gate,
		ix:      ix,
		cfg:     cfg,
		logger:  logger.Named("session").With(zap.String("domain", cfg.Domain)),
		state:   StateNoSession,
		session: schemas.Session{Domain: cfg.Domain},
	}
}

// State returns the current step of the state machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the session the manager holds.
func (m *Manager) Session() schemas.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.Cookies = append([]schemas.Cookie(nil), m.session.Cookies...)
	return s
}

// Err explains the last failure. It wraps schemas.ErrAuthenticationFailed
// (or schemas.ErrSecurityChallengeTimeout) once the state is StateLoginFailed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.session.Authenticated = to == StateAuthenticated
	m.mu.Unlock()
	m.logger.Debug("Session state changed.", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (m *Manager) fail(err error) bool {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.transition(StateLoginFailed)
	m.logger.Error("Authentication failed.", zap.Error(err))
	return false
}

// EnsureAuthenticated restores or establishes a logged-in session. It returns
// false only when no verification signal confirmed the login; Err then says why.
func (m *Manager) EnsureAuthenticated(ctx context.Context, creds schemas.Credential) bool {
	if m.State() == StateAuthenticated {
		return true
	}
	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()

	if err := m.drv.Navigate(ctx, m.cfg.ServiceURL); err != nil {
		m.logger.Warn("Could not open the service root.", zap.String("url", m.cfg.ServiceURL), zap.Error(err))
	}
	if ctx.Err() != nil {
		return m.fail(fmt.Errorf("%w: %v", schemas.ErrAuthenticationFailed, ctx.Err()))
	}

	if m.restore(ctx) {
		m.transition(StateAuthenticated)
		m.logger.Info("Session restored from saved cookies.")
		return true
	}
	m.transition(StateLoginRequired)
	return m.login(ctx, creds)
}

// restore injects persisted cookies and verifies the result.
func (m *Manager) restore(ctx context.Context) bool {
	cookies, err := m.store.GetCookies(ctx, m.cfg.Domain)
	if err != nil {
		m.logger.Warn("Could not load saved cookies; a fresh login is needed.", zap.Error(err))
		return false
	}
	if len(cookies) == 0 {
		m.logger.Info("No saved cookies; a fresh login is needed.")
		return false
	}
	m.transition(StateRestoreAttempted)

	injected := 0
	for _, c := range cookies {
		if c.Domain == "" {
			c.Domain = "." + m.cfg.Domain
		}
		if err := m.drv.AddCookie(ctx, c); err != nil {
			m.logger.Debug("Skipping cookie the browser rejected.", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		injected++
	}
	if injected == 0 {
		m.logger.Warn("None of the saved cookies could be injected.")
		return false
	}
	if err := m.drv.Refresh(ctx); err != nil {
		m.logger.Warn("Refresh after cookie injection failed.", zap.Error(err))
	}
	if err := sleep(ctx, m.cfg.RestoreSettle); err != nil {
		return false
	}

	if !m.accept(m.verify(ctx)) {
		m.logger.Info("Saved cookies did not produce a logged-in session.")
		return false
	}
	m.mu.Lock()
	m.session.Cookies = cookies
	m.mu.Unlock()
	return true
}

// login fills the credential form, waits out any challenge and verifies.
func (m *Manager) login(ctx context.Context, creds schemas.Credential) bool {
	if !creds.Valid() {
		return m.fail(fmt.Errorf("%w: credentials are incomplete", schemas.ErrAuthenticationFailed))
	}
	m.gate.Reset()
	m.logger.Info("Logging in.", zap.String("identifier", creds.Identifier))

	idField, err := m.ix.WaitFor(ctx, m.cfg.IdentifierSelector, m.cfg.FieldTimeout)
	if err != nil {
		return m.fail(fmt.Errorf("%w: identifier field: %v", schemas.ErrAuthenticationFailed, err))
	}
	secretField, err := m.ix.WaitFor(ctx, m.cfg.SecretSelector, m.cfg.FieldTimeout)
	if err != nil {
		return m.fail(fmt.Errorf("%w: secret field: %v", schemas.ErrAuthenticationFailed, err))
	}
	if err := m.drv.SendKeys(ctx, idField, creds.Identifier); err != nil {
		return m.fail(fmt.Errorf("%w: typing identifier: %v", schemas.ErrAuthenticationFailed, err))
	}
	if err := m.drv.SendKeys(ctx, secretField, creds.Secret); err != nil {
		return m.fail(fmt.Errorf("%w: typing secret: %v", schemas.ErrAuthenticationFailed, err))
	}
	if err := m.drv.PressKey(ctx, schemas.KeyEnter, schemas.ModNone); err != nil {
		return m.fail(fmt.Errorf("%w: submitting login form: %v", schemas.ErrAuthenticationFailed, err))
	}
	if err := sleep(ctx, m.cfg.LoginSettle); err != nil {
		return m.fail(fmt.Errorf("%w: %v", schemas.ErrAuthenticationFailed, err))
	}

	switch outcome, detected := m.gate.Check(ctx, m.drv); {
	case detected && outcome == captcha.TimedOut:
		return m.fail(schemas.ErrSecurityChallengeTimeout)
	case detected && outcome == captcha.Cancelled:
		return m.fail(fmt.Errorf("%w: challenge wait cancelled: %v", schemas.ErrAuthenticationFailed, ctx.Err()))
	}

	v := m.verify(ctx)
	if !m.accept(v) {
		return m.fail(fmt.Errorf("%w: login verification was %s", schemas.ErrAuthenticationFailed, v))
	}
	m.transition(StateAuthenticated)
	m.persist(ctx)
	m.logger.Info("Login succeeded.")
	return true
}

// persist saves the browser's cookies for reuse. Failures are logged; the
// session stays authenticated.
func (m *Manager) persist(ctx context.Context) {
	cookies, err := m.drv.Cookies(ctx)
	if err != nil {
		m.logger.Warn("Could not read cookies after login.", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.session.Cookies = cookies
	m.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(driver.Detach(ctx), persistTimeout)
	defer cancel()
	if err := m.store.SetCookies(writeCtx, m.cfg.Domain, cookies); err != nil {
		m.logger.Warn("Could not save cookies.", zap.Error(err))
		return
	}
	m.logger.Info("Saved session cookies.", zap.Int("count", len(cookies)))
}

func (m *Manager) accept(v verdict) bool {
	switch v {
	case verdictPositive:
		return true
	case verdictInconclusive:
		m.logger.Warn("Login verification was inconclusive.", zap.String("policy", m.cfg.InconclusivePolicy))
		return m.cfg.InconclusivePolicy == config.PolicySucceed
	}
	return false
}

// verify evaluates the login signals in order and stops at the first positive.
func (m *Manager) verify(ctx context.Context) verdict {
	errored := 0
	signals := []func(context.Context) (bool, error){
		m.locationSignal,
		m.landmarkSignal,
		m.rootSignal,
	}
	for i, signal := range signals {
		ok, err := signal(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return verdictNegative
			}
			m.logger.Debug("Login signal errored.", zap.Int("signal", i), zap.Error(err))
			errored++
			continue
		}
		if ok {
			m.logger.Debug("Login signal positive.", zap.Int("signal", i))
			return verdictPositive
		}
	}
	if errored == len(signals) {
		return verdictInconclusive
	}
	return verdictNegative
}

func (m *Manager) locationSignal(ctx context.Context) (bool, error) {
	loc, err := m.drv.CurrentLocation(ctx)
	if err != nil {
		return false, err
	}
	return !m.OnLoginPage(loc), nil
}

func (m *Manager) landmarkSignal(ctx context.Context) (bool, error) {
	if len(m.cfg.Landmarks) == 0 {
		return false, errors.New("no landmarks configured")
	}
	var lastErr error
	failures := 0
	for _, sel := range m.cfg.Landmarks {
		els, err := m.drv.FindElements(ctx, sel)
		if err != nil {
			lastErr = err
			failures++
			continue
		}
		if len(els) > 0 {
			return true, nil
		}
	}
	if failures == len(m.cfg.Landmarks) {
		return false, lastErr
	}
	return false, nil
}

func (m *Manager) rootSignal(ctx context.Context) (bool, error) {
	if err := m.drv.Navigate(ctx, m.cfg.ServiceURL); err != nil {
		return false, err
	}
	return m.locationSignal(ctx)
}

// OnLoginPage reports whether location points at one of the login paths.
func (m *Manager) OnLoginPage(location string) bool {
	return MatchesLoginPath(location, m.cfg.LoginPaths)
}

// MatchesLoginPath reports whether the path or query of location contains
// any of paths, case-insensitively.
func MatchesLoginPath(location string, paths []string) bool {
	target := location
	if u, err := url.Parse(location); err == nil && u.Host != "" {
		target = u.Path + "?" + u.RawQuery
	}
	target = strings.ToLower(target)
	for _, p := range paths {
		if p != "" && strings.Contains(target, strings.ToLower(p)) {
			return true
		}
	}
	return false
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
