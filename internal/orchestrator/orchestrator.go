// File: internal/orchestrator/orchestrator.go
// Description: Drives a run. It authenticates once, then walks the target list
// one target at a time with dedup, jittered delays and cooperative cancellation.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/courier-cli/api/schemas"
	"github.com/xkilldash9x/courier-cli/internal/captcha"
	"github.com/xkilldash9x/courier-cli/internal/config"
	"github.com/xkilldash9x/courier-cli/internal/driver"
	"github.com/xkilldash9x/courier-cli/internal/interaction"
	"github.com/xkilldash9x/courier-cli/internal/locale"
	"github.com/xkilldash9x/courier-cli/internal/observability"
	"github.com/xkilldash9x/courier-cli/internal/session"
)

// errInterrupted reports that the run ended while a target was waiting to
// start. The target is neither recorded nor counted.
var errInterrupted = errors.New("target interrupted before delivery")

// Launcher acquires the browser driver for one run. The orchestrator closes it.
type Launcher func(ctx context.Context) (driver.Driver, error)

// Plan is the input of a single run.
type Plan struct {
	Targets     []schemas.Target
	Message     string
	Credentials schemas.Credential
	// MinDelay and MaxDelay bound the inter-target delay in seconds.
	MinDelay           float64
	MaxDelay           float64
	RelationshipAction bool
}

// Report summarises a finished run.
type Report struct {
	RunID     string
	Stats     schemas.RunStatistics
	Results   []schemas.AttemptResult
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// Orchestrator manages the lifecycle of a run. It is single-use with respect
// to Stop: once stopped, later runs end before their first target.
type Orchestrator struct {
	cfg      config.Interface
	store    schemas.RecordStore
	launch   Launcher
	gate     *captcha.Gate
	observer schemas.Observer
	registry *locale.Registry
	logger   *zap.Logger
	limiter  *rate.Limiter

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	stats schemas.RunStatistics
}

// New creates an Orchestrator. The gate is shared with the presentation layer,
// which resolves challenges through it. Progress lines reach the logger only
// through the observer; a nil observer logs them and renders nothing else.
func New(cfg config.Interface, store schemas.RecordStore, launch Launcher, gate *captcha.Gate, observer schemas.Observer, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || store == nil || launch == nil || gate == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if observer == nil {
		observer = observability.NewConsoleObserver(logger, io.Discard)
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		launch:   launch,
		gate:     gate,
		observer: observer,
		registry: locale.DefaultRegistry(cfg.Interaction().DefaultLocale),
		logger:   logger.Named("orchestrator"),
		sleep:    sleepCtx,
		jitter:   rand.Float64,
		stopCh:   make(chan struct{}),
	}
	if perHour := cfg.Run().MaxPerHour; perHour > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), 1)
	}
	return o, nil
}

// Stop asks the run to end before its next target. The target in flight
// completes first. Safe to call from any goroutine, more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.stopCh)
		o.logger.Info("Stop requested; finishing the current target.")
	})
}

// Stopped reports whether Stop has been called.
func (o *Orchestrator) Stopped() bool {
	return o.stopped.Load()
}

// Stats returns a snapshot of the current run's counters.
func (o *Orchestrator) Stats() schemas.RunStatistics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) updateStats(f func(*schemas.RunStatistics)) {
	o.mu.Lock()
	f(&o.stats)
	snapshot := o.stats
	o.mu.Unlock()
	o.observer.OnStatsUpdate(snapshot)
}

// DelayBounds validates inter-target delay bounds, substituting the defaults
// when min is negative or max is below min.
func DelayBounds(min, max float64) (float64, float64, bool) {
	if min < 0 || max < min {
		return config.DefaultMinDelay, config.DefaultMaxDelay, false
	}
	return min, max, true
}

// Run authenticates and processes every target in order. It returns an error
// wrapping schemas.ErrConfiguration for unusable input and
// schemas.ErrAuthenticationFailed when the session cannot be established or a
// challenge times out. A cancelled run is not an error; see Report.Cancelled.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (Report, error) {
	report := Report{RunID: uuid.NewString(), Started: time.Now()}
	log := o.logger.With(zap.String("run_id", report.RunID))

	if len(plan.Targets) == 0 {
		return report, fmt.Errorf("%w: the target list is empty", schemas.ErrConfiguration)
	}
	if strings.TrimSpace(plan.Message) == "" {
		return report, fmt.Errorf("%w: the message template is empty", schemas.ErrConfiguration)
	}
	minDelay, maxDelay, ok := DelayBounds(plan.MinDelay, plan.MaxDelay)
	if !ok {
		log.Warn("Invalid delay bounds; using defaults.",
			zap.Float64("min", plan.MinDelay), zap.Float64("max", plan.MaxDelay),
			zap.Float64("default_min", minDelay), zap.Float64("default_max", maxDelay))
	}

	o.mu.Lock()
	o.stats = schemas.RunStatistics{Total: len(plan.Targets)}
	o.mu.Unlock()
	o.updateStats(func(*schemas.RunStatistics) {})

	// runCtx ends on caller cancellation or Stop. Per-target work runs on a
	// detached context so an interaction in flight is never cut short.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	drv, err := o.launch(runCtx)
	if err != nil {
		report.Finished = time.Now()
		if runCtx.Err() != nil {
			report.Cancelled = true
			return report, nil
		}
		return report, fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.Warn("Failed to close browser.", zap.Error(err))
		}
		log.Debug("Browser released.")
	}()

	w := o.newWorker(drv, plan, log)

	o.emit("Authenticating.")
	if !w.session.EnsureAuthenticated(runCtx, plan.Credentials) {
		report.Finished = time.Now()
		report.Stats = o.Stats()
		if runCtx.Err() != nil {
			report.Cancelled = true
			o.emit("Run cancelled during authentication.")
			return report, nil
		}
		return report, w.session.Err()
	}
	o.emit("Authenticated.")

	var fatal error
	for i, target := range plan.Targets {
		if o.cancelled(runCtx) {
			report.Cancelled = true
			o.emit(fmt.Sprintf("Run cancelled after %d of %d targets.", i, len(plan.Targets)))
			break
		}

		status, err := w.process(runCtx, target)
		if errors.Is(err, errInterrupted) {
			report.Cancelled = true
			o.emit(fmt.Sprintf("Run cancelled after %d of %d targets.", i, len(plan.Targets)))
			break
		}
		result := schemas.AttemptResult{TargetID: target.ID, Status: status, Timestamp: time.Now().UTC()}
		report.Results = append(report.Results, result)
		if status != schemas.StatusSkipped {
			o.record(runCtx, log, result)
		}
		o.updateStats(func(s *schemas.RunStatistics) {
			switch status {
			case schemas.StatusSuccess:
				s.Successful++
			case schemas.StatusFailed:
				s.Failed++
			case schemas.StatusSkipped:
				s.Skipped++
			}
		})
		o.emit(fmt.Sprintf("[%d/%d] %s: %s", i+1, len(plan.Targets), target.ID, status))

		if err != nil {
			fatal = err
			break
		}
		if status == schemas.StatusSkipped || i == len(plan.Targets)-1 {
			continue
		}
		if !o.pause(runCtx, minDelay, maxDelay) {
			report.Cancelled = true
			o.emit("Run cancelled during the inter-target delay.")
			break
		}
	}

	report.Stats = o.Stats()
	report.Finished = time.Now()
	log.Info("Run finished.", zap.Stringer("stats", report.Stats), zap.Bool("cancelled", report.Cancelled), zap.Error(fatal))
	return report, fatal
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return o.stopped.Load() || ctx.Err() != nil
}

// pause sleeps a uniformly drawn delay in [min, max] seconds. It reports false
// when the run was cancelled while waiting.
func (o *Orchestrator) pause(ctx context.Context, min, max float64) bool {
	seconds := min + o.jitter()*(max-min)
	d := time.Duration(seconds * float64(time.Second))
	o.emit(fmt.Sprintf("Waiting %.1f seconds before the next target.", seconds))
	if err := o.sleep(ctx, d); err != nil {
		return false
	}
	return !o.cancelled(ctx)
}

// record persists a result. Store failures are logged; the run continues.
func (o *Orchestrator) record(ctx context.Context, log *zap.Logger, r schemas.AttemptResult) {
	writeCtx, cancel := context.WithTimeout(driver.Detach(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.RecordAttempt(writeCtx, r.TargetID, r.Status); err != nil {
		log.Error("Failed to record attempt.", zap.String("target", r.TargetID), zap.Error(err))
	}
}

// emit hands a progress line to the observer, which owns its rendering.
func (o *Orchestrator) emit(msg string) {
	o.observer.OnLog(msg)
}

// worker binds the per-run components to one driver.
type worker struct {
	o        *Orchestrator
	drv      driver.Driver
	plan     Plan
	cfg      config.InteractionConfig
	ix       *interaction.Interactor
	composer *interaction.Composer
	detector *locale.Detector
	session  *session.Manager
	log      *zap.Logger
}

func (o *Orchestrator) newWorker(drv driver.Driver, plan Plan, log *zap.Logger) *worker {
	icfg := o.cfg.Interaction()
	ix := interaction.NewInteractor(drv, icfg, log)
	return &worker{
		o:        o,
		drv:      drv,
		plan:     plan,
		cfg:      icfg,
		ix:       ix,
		composer: interaction.NewComposer(ix, log),
		detector: locale.NewDetector(drv, o.registry, log),
		session:  session.NewManager(drv, o.store, o.gate, ix, o.cfg.Session(), log),
		log:      log,
	}
}

// process handles one target. The returned error is non-nil only for
// failures that must end the run.
func (w *worker) process(runCtx context.Context, target schemas.Target) (schemas.AttemptStatus, error) {
	ctx := driver.Detach(runCtx)
	log := w.log.With(zap.String("target", target.ID))

	done, err := w.o.store.HasSuccessfulAttempt(ctx, target.ID)
	if err != nil {
		log.Warn("Could not read attempt history; processing anyway.", zap.Error(err))
	}
	if done {
		log.Info("Already messaged; skipping.")
		return schemas.StatusSkipped, nil
	}

	if w.o.limiter != nil {
		if w.o.limiter.Tokens() < 1 {
			w.o.emit("Hourly limit reached; waiting for the next slot.")
		}
		if err := w.o.limiter.Wait(runCtx); err != nil {
			log.Info("Hourly limit wait interrupted.", zap.Error(err))
			return "", errInterrupted
		}
	}

	if err := w.drv.Navigate(ctx, target.ID); err != nil {
		log.Warn("Navigation failed.", zap.Error(err))
		return schemas.StatusFailed, nil
	}
	w.settle(ctx, w.cfg.PageSettleMin, w.cfg.PageSettleMax)

	if loc, err := w.drv.CurrentLocation(ctx); err == nil && w.session.OnLoginPage(loc) {
		log.Warn("Redirected to the login page; the session is no longer valid.", zap.String("location", loc))
		return schemas.StatusFailed, nil
	}

	profile := w.detector.Detect(ctx)
	log = log.With(zap.String("locale", profile.Code))

	if w.plan.RelationshipAction && profile.RelationTrigger != "" {
		if _, err := w.ix.FindAndClick(ctx, profile.RelationTrigger, w.cfg.EntryTimeout); err != nil {
			log.Info("Relationship action not available.", zap.Error(err))
		}
	}

	if _, err := w.ix.FindAndClick(ctx, profile.EntryTrigger, w.cfg.EntryTimeout); err != nil {
		log.Warn("Entry point not found.", zap.Error(err))
		return schemas.StatusFailed, nil
	}

	w.o.gate.Reset()
	switch outcome, detected := w.o.gate.Check(runCtx, w.drv); {
	case detected && outcome == captcha.TimedOut:
		return schemas.StatusFailed, schemas.ErrSecurityChallengeTimeout
	case detected && outcome == captcha.Cancelled:
		log.Info("Run ended while the security challenge was pending.")
		return "", errInterrupted
	}

	w.settle(ctx, w.cfg.SurfaceSettleMin, w.cfg.SurfaceSettleMax)

	sent := w.composer.Compose(ctx, profile.InputSurface, w.plan.Message)
	if sent {
		_ = sleepCtx(ctx, w.cfg.PostSendWait)
	}

	if err := w.ix.Dismiss(ctx, profile.DismissControl); err != nil && !errors.Is(err, context.Canceled) {
		log.Info("Could not dismiss the interaction surface.", zap.Error(err))
	}

	if !sent {
		return schemas.StatusFailed, nil
	}
	return schemas.StatusSuccess, nil
}

// settle waits a random duration in [lo, hi].
func (w *worker) settle(ctx context.Context, lo, hi time.Duration) {
	if hi < lo {
		hi = lo
	}
	d := lo + time.Duration(w.o.jitter()*float64(hi-lo))
	_ = sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
