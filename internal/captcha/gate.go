// internal/captcha/gate.go
package captcha

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
)

// Outcome is the result of waiting on a pending challenge.
type Outcome int

const (
	Resolved Outcome = iota
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Gate pauses the worker while a human solves a security challenge in the
// browser. State moves none -> pending -> {resolved | timed-out} and is reset
// to none for each authentication attempt. Resolve may be called from any goroutine.
type Gate struct {
	cfg      config.CaptchaConfig
	observer schemas.Observer
	logger   *zap.Logger

	mu    sync.Mutex
	state schemas.CaptchaState
}

func NewGate(cfg config.CaptchaConfig, observer schemas.Observer, logger *zap.Logger) *Gate {
	if observer == nil {
		observer = schemas.NopObserver{}
	}
	return &Gate{
		cfg:      cfg,
		observer: observer,
		logger:   logger.Named("captcha"),
		state:    schemas.CaptchaNone,
	}
}

// State returns the current challenge state.
func (g *Gate) State() schemas.CaptchaState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Reset returns the gate to none. A pending wait is not interrupted by Reset;
// it ends on its own deadline or context.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = schemas.CaptchaNone
}

// Detect inspects the current location and page content for challenge markers.
// Read failures count as "no challenge".
func (g *Gate) Detect(ctx context.Context, drv driver.Driver) bool {
	if loc, err := drv.CurrentLocation(ctx); err == nil {
		loc = strings.ToLower(loc)
		for _, m := range g.cfg.LocationMarkers {
			if m != "" && strings.Contains(loc, strings.ToLower(m)) {
				g.logger.Info("Security challenge detected in location.", zap.String("marker", m))
				return true
			}
		}
	} else {
		g.logger.Debug("Could not read location for challenge detection.", zap.Error(err))
	}

	if len(g.cfg.ContentMarkers) == 0 {
		return false
	}
	src, err := drv.PageSource(ctx)
	if err != nil {
		g.logger.Debug("Could not read page source for challenge detection.", zap.Error(err))
		return false
	}
	src = strings.ToLower(src)
	for _, m := range g.cfg.ContentMarkers {
		if m != "" && strings.Contains(src, strings.ToLower(m)) {
			g.logger.Info("Security challenge detected in page content.", zap.String("marker", m))
			return true
		}
	}
	return false
}

// Check detects a challenge and, when one is present, waits for it.
// detected is false when there was nothing to wait for.
func (g *Gate) Check(ctx context.Context, drv driver.Driver) (outcome Outcome, detected bool) {
	if !g.Detect(ctx, drv) {
		return Resolved, false
	}
	return g.AwaitResolutionOrTimeout(ctx), true
}

// Resolve marks a pending challenge as solved. It reports whether a pending
// challenge was there to resolve.
func (g *Gate) Resolve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != schemas.CaptchaPending {
		return false
	}
	g.state = schemas.CaptchaResolved
	return true
}

// AwaitResolutionOrTimeout marks the challenge pending, tells the observer, and
// blocks until Resolve is called, the configured timeout passes, or ctx ends.
// A resolution is noticed on the next poll tick.
func (g *Gate) AwaitResolutionOrTimeout(ctx context.Context) Outcome {
	g.mu.Lock()
	g.state = schemas.CaptchaPending
	g.mu.Unlock()

	g.logger.Warn("Waiting for manual resolution of the security challenge.", zap.Duration("timeout", g.cfg.Timeout))
	g.observer.OnCaptchaPending(true)
	defer g.observer.OnCaptchaPending(false)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(g.cfg.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			g.finish(schemas.CaptchaNone)
			g.logger.Info("Challenge wait cancelled.")
			return Cancelled
		case <-ticker.C:
			if g.State() == schemas.CaptchaResolved {
				g.logger.Info("Security challenge resolved.")
				return Resolved
			}
		case <-deadline.C:
			if !g.finish(schemas.CaptchaTimedOut) {
				// Resolved in the same instant the deadline fired.
				return Resolved
			}
			g.logger.Warn("Security challenge was not resolved in time.", zap.Duration("timeout", g.cfg.Timeout))
			return TimedOut
		}
	}
}

// finish moves a still-pending challenge to state. It reports false when the
// challenge had already been resolved.
func (g *Gate) finish(state schemas.CaptchaState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == schemas.CaptchaResolved {
		return false
	}
	g.state = state
	return true
}
