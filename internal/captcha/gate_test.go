// internal/captcha/gate_test.go
package captcha

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver/drivertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingObserver captures pending notifications.
type recordingObserver struct {
	schemas.NopObserver
	mu      sync.Mutex
	pending []bool
}

func (r *recordingObserver) OnCaptchaPending(p bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, p)
}

func (r *recordingObserver) seen() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.pending...)
}

const (
	poll    = 10 * time.Millisecond
	timeout = 80 * time.Millisecond
)

func newGate(obs schemas.Observer) *Gate {
	cfg := config.CaptchaConfig{
		LocationMarkers: []string{"checkpoint", "two_step_verification"},
		ContentMarkers:  []string{"g-recaptcha"},
		PollInterval:    poll,
		Timeout:         timeout,
	}
	return NewGate(cfg, obs, zap.NewNop())
}

func TestDetect(t *testing.T) {
	ctx := context.Background()
	g := newGate(nil)

	drv := drivertest.New()
	drv.SetLocation("https://example.com/checkpoint/?next=home")
	assert.True(t, g.Detect(ctx, drv), "location marker")

	drv = drivertest.New()
	drv.SetLocation("https://example.com/home")
	drv.AddElement(`<div class="g-recaptcha">`)
	assert.True(t, g.Detect(ctx, drv), "content marker")

	drv = drivertest.New()
	drv.SetLocation("https://example.com/home")
	assert.False(t, g.Detect(ctx, drv))
	assert.Equal(t, schemas.CaptchaNone, g.State(), "detection alone changes no state")
}

func TestAwait_ResolveUnblocksWithinOnePollInterval(t *testing.T) {
	obs := &recordingObserver{}
	g := newGate(obs)

	done := make(chan Outcome, 1)
	go func() { done <- g.AwaitResolutionOrTimeout(context.Background()) }()

	require.Eventually(t, func() bool { return g.State() == schemas.CaptchaPending }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("gate returned before resolution")
	case <-time.After(3 * poll):
	}

	resolvedAt := time.Now()
	require.True(t, g.Resolve())

	select {
	case out := <-done:
		assert.Equal(t, Resolved, out)
		assert.LessOrEqual(t, time.Since(resolvedAt), poll+20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("gate did not unblock after Resolve")
	}
	assert.Equal(t, schemas.CaptchaResolved, g.State())
	assert.Equal(t, []bool{true, false}, obs.seen())
}

func TestAwait_TimesOutAtUpperBound(t *testing.T) {
	obs := &recordingObserver{}
	g := newGate(obs)

	start := time.Now()
	out := g.AwaitResolutionOrTimeout(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, out)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+poll+30*time.Millisecond)
	assert.Equal(t, schemas.CaptchaTimedOut, g.State())
	assert.False(t, g.Resolve(), "a timed-out challenge cannot be resolved")
	assert.Equal(t, []bool{true, false}, obs.seen())
}

func TestAwait_Cancelled(t *testing.T) {
	g := newGate(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * poll)
		cancel()
	}()

	assert.Equal(t, Cancelled, g.AwaitResolutionOrTimeout(ctx))
	assert.Equal(t, schemas.CaptchaNone, g.State())
}

func TestResolve_OnlyActsOnPending(t *testing.T) {
	g := newGate(nil)
	assert.False(t, g.Resolve())
	assert.Equal(t, schemas.CaptchaNone, g.State())
}

func TestReset(t *testing.T) {
	g := newGate(nil)
	assert.Equal(t, TimedOut, g.AwaitResolutionOrTimeout(context.Background()))
	g.Reset()
	assert.Equal(t, schemas.CaptchaNone, g.State())
}

func TestCheck(t *testing.T) {
	g := newGate(nil)

	clean := drivertest.New()
	clean.SetLocation("https://example.com/")
	out, detected := g.Check(context.Background(), clean)
	assert.False(t, detected)
	assert.Equal(t, Resolved, out)

	challenged := drivertest.New()
	challenged.SetLocation("https://example.com/two_step_verification/")
	out, detected = g.Check(context.Background(), challenged)
	assert.True(t, detected)
	assert.Equal(t, TimedOut, out)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "timed-out", TimedOut.String())
	assert.Equal(t, "cancelled", Cancelled.String())
}
