// internal/sync/engine.go
//
// Phase reconciliation: every connected screen runs one Engine instance
// that compares the phase/round the screen was rendered for against the
// authoritative pair on the shared games row, and pushes a navigation when
// the screen has fallen behind. Push delivery is best effort, so the engine
// always pairs the subscription with a deterministic mount-time read.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sonarchy/gamesync/internal/notify"
	"github.com/sonarchy/gamesync/internal/phase"
)

// PhaseReader is the point read of the authoritative (phase, round) pair.
type PhaseReader interface {
	PhaseState(ctx context.Context, code string) (phase.State, error)
}

// PhaseReaderFunc adapts a function to the PhaseReader interface.
type PhaseReaderFunc func(ctx context.Context, code string) (phase.State, error)

func (f PhaseReaderFunc) PhaseState(ctx context.Context, code string) (phase.State, error) {
	return f(ctx, code)
}

// Navigator issues the side effect that moves the screen. It must be safe
// to call from an async callback at an arbitrary time.
type Navigator interface {
	NavigateTo(url string)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(url string)

func (f NavigatorFunc) NavigateTo(url string) { f(url) }

// Options describes the screen an Engine instance reconciles for.
type Options struct {
	// Code is the session join code; required.
	Code string
	// SessionID scopes the change subscription. uuid.Nil means "not yet
	// resolved": the mount check still runs but no subscription opens.
	SessionID uuid.UUID
	// ExpectedPhases lists every phase this screen is valid for. The first
	// entry is the primary phase used for order comparison.
	ExpectedPhases []phase.Phase
	// ExpectedRound is the round the screen was rendered for; defaults to 1.
	ExpectedRound int
	// RedirectParams are threaded into any redirect URL.
	RedirectParams map[string]string
	// Disabled turns the engine into a no-op.
	Disabled bool
}

// Placement is a screen's position relative to the authoritative state.
type Placement int

const (
	// PlacementValid: the screen matches, or the comparison is undecidable
	// and must not trigger movement.
	PlacementValid Placement = iota
	// PlacementBehind: the authoritative state has moved past this screen.
	PlacementBehind
	// PlacementAhead: the observation is older than the screen; never
	// navigate backwards.
	PlacementAhead
	// PlacementRegressed: the round went backwards, which correct operation
	// never produces.
	PlacementRegressed
)

// Classify compares an observed snapshot against what a screen expects.
// Round comparison takes precedence over phase comparison: a newer round
// means behind no matter what the phase indexes say. Within the same round,
// membership in the expected set wins, then the ranking->playback edge is
// treated as forward (the next song started), then plain order-index
// comparison decides.
func Classify(observed phase.State, expected []phase.Phase, expectedRound int) Placement {
	if expectedRound < 1 {
		expectedRound = 1
	}
	if observed.Round > expectedRound {
		return PlacementBehind
	}
	if observed.Round < expectedRound {
		return PlacementRegressed
	}

	for _, p := range expected {
		if p == observed.Phase {
			return PlacementValid
		}
	}
	if len(expected) == 0 {
		return PlacementValid
	}

	primary := expected[0]
	if primary == phase.Ranking && observed.Phase == phase.Playback {
		return PlacementBehind
	}

	observedIdx := phase.Order(observed.Phase)
	expectedIdx := phase.Order(primary)
	switch {
	case observedIdx < 0 || expectedIdx < 0:
		return PlacementValid
	case observedIdx > expectedIdx:
		return PlacementBehind
	case observedIdx < expectedIdx:
		return PlacementAhead
	default:
		return PlacementValid
	}
}

// Engine reconciles one mounted screen against the shared session record.
// All of its guard state lives on the struct, one instance per mount; an
// Engine is never shared across screens.
type Engine struct {
	opts       Options
	reader     PhaseReader
	subscriber notify.Subscriber
	nav        Navigator
	log        *logrus.Logger

	// Tunables default to production values; tests shorten them.
	GraceWindow   time.Duration
	MountDebounce time.Duration
	LiveDebounce  time.Duration
	RetryBase     time.Duration
	MaxRetries    int

	// OnState, when set before Start, is invoked for every observed
	// snapshot after guard state updates. Best effort and asynchronous;
	// consumers needing exact state should call Snapshot.
	OnState func(st phase.State)

	mu            stdsync.Mutex
	mountedAt     time.Time
	loading       bool
	hasNavigated  bool
	observed      *phase.State
	redirectTimer *time.Timer
	sub           notify.Subscription
	closed        bool

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New builds an Engine for one screen mount. Call Start to run it and Close
// on unmount.
func New(reader PhaseReader, subscriber notify.Subscriber, nav Navigator, logger *logrus.Logger, opts Options) *Engine {
	if opts.ExpectedRound < 1 {
		opts.ExpectedRound = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		opts:       opts,
		reader:     reader,
		subscriber: subscriber,
		nav:        nav,
		log:        logger,

		GraceWindow:   500 * time.Millisecond,
		MountDebounce: 200 * time.Millisecond,
		LiveDebounce:  100 * time.Millisecond,
		RetryBase:     time.Second,
		MaxRetries:    3,

		loading:   true,
		mountedAt: time.Now(),
	}
}

// Start runs the mount check and, when a session id is known, opens the
// change subscription. Both run in their own goroutines; Start returns
// immediately.
func (e *Engine) Start(ctx context.Context) {
	if e.opts.Disabled || e.opts.Code == "" {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mountedAt = time.Now()
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.mountCheck(ctx)
	}()

	if e.opts.SessionID != uuid.Nil && e.subscriber != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.subscribeLoop(ctx)
		}()
	}
}

// mountCheck performs the initial authoritative read. A fetch failure is
// terminal for this check: loading clears, nothing navigates, and the
// screen sits in "unknown phase" until the next mount or a subscription
// event.
func (e *Engine) mountCheck(ctx context.Context) {
	st, err := e.reader.PhaseState(ctx, e.opts.Code)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"code":  e.opts.Code,
			"error": err,
		}).Warn("phase sync: could not fetch current phase")
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
		return
	}
	e.reconcile(st, false)
}

// subscribeLoop keeps one live subscription to the session's updates,
// re-establishing it with exponential backoff on channel failure. After
// MaxRetries consecutive failures it goes dormant; consistency then relies
// on the next screen mount's check.
func (e *Engine) subscribeLoop(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := e.subscriber.Subscribe(ctx, e.opts.SessionID)
		if err != nil {
			failures++
			if !e.backoff(ctx, failures, err) {
				return
			}
			continue
		}
		e.installSubscription(sub)

		terminal := e.drain(ctx, sub)
		e.installSubscription(nil)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		if terminal == nil {
			return
		}
		failures++
		if !e.backoff(ctx, failures, terminal) {
			return
		}
	}
}

// drain consumes events until the channel errors or the context ends.
// Returns the terminal error, or nil if the context ended.
func (e *Engine) drain(ctx context.Context, sub notify.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return context.Canceled
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return ev.Err
			}
			if ev.State != nil {
				// Trust the pushed snapshot; no fresh read.
				e.reconcile(*ev.State, true)
			}
		}
	}
}

// backoff sleeps base<<(n-1) before the next attempt. Returns false once
// the retry budget is exhausted or the context ends.
func (e *Engine) backoff(ctx context.Context, failures int, cause error) bool {
	if failures > e.MaxRetries {
		e.log.WithFields(logrus.Fields{
			"session_id": e.opts.SessionID,
			"failures":   failures,
			"error":      cause,
		}).Warn("phase sync: subscription retries exhausted, going dormant until next mount")
		return false
	}
	delay := e.RetryBase << (failures - 1)
	e.log.WithFields(logrus.Fields{
		"session_id": e.opts.SessionID,
		"attempt":    failures,
		"delay":      delay,
		"error":      cause,
	}).Info("phase sync: subscription lost, retrying")

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// installSubscription swaps in the live subscription, tearing down any
// prior one so the same session never has duplicate delivery.
func (e *Engine) installSubscription(sub notify.Subscription) {
	e.mu.Lock()
	prev := e.sub
	e.sub = sub
	e.mu.Unlock()
	if prev != nil && prev != sub {
		_ = prev.Close()
	}
}

// reconcile runs the comparison + redirect decision for one observed
// snapshot. Identical for the mount check and live notifications, except
// the redirect debounce is shorter for live events.
func (e *Engine) reconcile(st phase.State, live bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.observed = &st
	if e.OnState != nil {
		go e.OnState(st)
	}
	placement := Classify(st, e.opts.ExpectedPhases, e.opts.ExpectedRound)

	switch placement {
	case PlacementValid:
		// Reaching a declared-valid phase re-arms the navigation guard so a
		// later genuine mismatch can redirect again.
		e.hasNavigated = false
		if e.redirectTimer != nil {
			e.redirectTimer.Stop()
			e.redirectTimer = nil
		}
		e.loading = false
		return

	case PlacementRegressed:
		e.log.WithFields(logrus.Fields{
			"code":           e.opts.Code,
			"observed_round": st.Round,
			"expected_round": e.opts.ExpectedRound,
			"observed_phase": st.Phase,
		}).Error("phase sync: observed round regressed; refusing to act")
		e.loading = false
		return
	}

	// Grace period absorbs the race between this screen mounting and the
	// write that caused the navigation here, unless the client is clearly
	// behind.
	if placement != PlacementBehind && time.Since(e.mountedAt) < e.GraceWindow {
		e.loading = false
		return
	}

	if placement == PlacementAhead {
		e.log.WithFields(logrus.Fields{
			"code":           e.opts.Code,
			"observed_phase": st.Phase,
			"expected_phase": e.primaryExpected(),
		}).Warn("phase sync: client is ahead, not redirecting backwards")
		e.loading = false
		return
	}

	if e.hasNavigated {
		return
	}

	delay := e.MountDebounce
	if live {
		delay = e.LiveDebounce
	}
	if e.redirectTimer != nil {
		e.redirectTimer.Stop()
	}
	target := st
	e.redirectTimer = time.AfterFunc(delay, func() {
		e.fireRedirect(target)
	})
}

// fireRedirect executes a scheduled redirect unless the screen navigated or
// became valid while the debounce was pending. At most one navigation fires
// per guard arm.
func (e *Engine) fireRedirect(target phase.State) {
	e.mu.Lock()
	if e.closed || e.hasNavigated {
		e.mu.Unlock()
		return
	}
	if e.observed != nil &&
		Classify(*e.observed, e.opts.ExpectedPhases, e.opts.ExpectedRound) == PlacementValid {
		e.mu.Unlock()
		return
	}

	params := make(map[string]string, len(e.opts.RedirectParams)+1)
	for k, v := range e.opts.RedirectParams {
		params[k] = v
	}

	url, err := phase.DestinationFor(target.Phase, e.opts.Code, params)
	if err != nil {
		// Mapping and enum out of lockstep is a programming error; staying
		// put beats navigating to an undefined destination.
		e.log.WithFields(logrus.Fields{
			"code":  e.opts.Code,
			"phase": target.Phase,
			"error": err,
		}).Error("phase sync: no destination for observed phase, staying put")
		e.loading = false
		e.mu.Unlock()
		return
	}

	e.hasNavigated = true
	e.loading = false
	nav := e.nav
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"code":  e.opts.Code,
		"phase": target.Phase,
		"round": target.Round,
		"url":   url,
	}).Info("phase sync: redirecting")
	nav.NavigateTo(url)
}

func (e *Engine) primaryExpected() phase.Phase {
	if len(e.opts.ExpectedPhases) == 0 {
		return ""
	}
	return e.opts.ExpectedPhases[0]
}

// Snapshot returns the last observed phase (empty while unknown), whether
// the engine is still resolving, and whether the screen is currently valid.
func (e *Engine) Snapshot() (current phase.Phase, loading bool, isCorrect bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observed == nil {
		return "", e.loading, false
	}
	for _, p := range e.opts.ExpectedPhases {
		if p == e.observed.Phase {
			return e.observed.Phase, e.loading, true
		}
	}
	return e.observed.Phase, e.loading, false
}

// Observed returns the last observed snapshot, or nil before the first
// successful read.
func (e *Engine) Observed() *phase.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observed == nil {
		return nil
	}
	st := *e.observed
	return &st
}

// Close tears down the engine: pending redirect timers are cancelled, the
// subscription is released, and no navigation fires afterwards. Safe to
// call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.redirectTimer != nil {
		e.redirectTimer.Stop()
		e.redirectTimer = nil
	}
	sub := e.sub
	e.sub = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	e.wg.Wait()
}
