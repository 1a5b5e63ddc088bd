// internal/sync/engine_test.go
package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonarchy/gamesync/internal/notify"
	"github.com/sonarchy/gamesync/internal/phase"
)

// fakeReader serves a canned authoritative snapshot.
type fakeReader struct {
	mu  stdsync.Mutex
	st  phase.State
	err error
}

func (f *fakeReader) PhaseState(ctx context.Context, code string) (phase.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, f.err
}

// fakeNav records navigation calls instead of moving a screen.
type fakeNav struct {
	mu   stdsync.Mutex
	urls []string
}

func (n *fakeNav) NavigateTo(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
}

func (n *fakeNav) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.urls))
	copy(out, n.urls)
	return out
}

type fakeSub struct {
	events    chan notify.Event
	closeOnce stdsync.Once
}

func (s *fakeSub) Events() <-chan notify.Event { return s.events }

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// fakeSubscriber hands out in-memory subscriptions and records attempt
// times for the backoff assertions.
type fakeSubscriber struct {
	mu       stdsync.Mutex
	failAll  bool
	subs     []*fakeSub
	attempts []time.Time
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, sessionID uuid.UUID) (notify.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, time.Now())
	if f.failAll {
		return nil, errors.New("channel error")
	}
	s := &fakeSub{events: make(chan notify.Event, 16)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSubscriber) attemptTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.attempts))
	copy(out, f.attempts)
	return out
}

// push delivers a snapshot on every live subscription, mimicking a fan-out
// from the notification substrate.
func (f *fakeSubscriber) push(st phase.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.events <- notify.Event{State: &st}
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// newTestEngine builds an engine with millisecond-scale timings so tests
// settle quickly. Grace is off unless a test opts in.
func newTestEngine(reader PhaseReader, sub notify.Subscriber, nav Navigator, opts Options) *Engine {
	e := New(reader, sub, nav, testLogger(), opts)
	e.GraceWindow = 0
	e.MountDebounce = 10 * time.Millisecond
	e.LiveDebounce = 5 * time.Millisecond
	e.RetryBase = 30 * time.Millisecond
	return e
}

func settle() { time.Sleep(150 * time.Millisecond) }

func TestClassify(t *testing.T) {
	expected := []phase.Phase{phase.Ranking}

	cases := []struct {
		name          string
		observed      phase.State
		expected      []phase.Phase
		expectedRound int
		want          Placement
	}{
		{"same phase same round", phase.State{Phase: phase.Ranking, Round: 1}, expected, 1, PlacementValid},
		{"newer round wins over phase", phase.State{Phase: phase.CategorySelection, Round: 2}, expected, 1, PlacementBehind},
		{"older round is a regression", phase.State{Phase: phase.GameComplete, Round: 1}, expected, 2, PlacementRegressed},
		{"later phase same round", phase.State{Phase: phase.FinalPlacements, Round: 1}, expected, 1, PlacementBehind},
		{"earlier phase same round", phase.State{Phase: phase.Lobby, Round: 1}, expected, 1, PlacementAhead},
		{"ranking to playback is forward", phase.State{Phase: phase.Playback, Round: 1}, expected, 1, PlacementBehind},
		{"membership in expected set", phase.State{Phase: phase.Playback, Round: 1}, []phase.Phase{phase.Ranking, phase.Playback}, 1, PlacementValid},
		{"unknown observed phase is a no-op", phase.State{Phase: "nonsense", Round: 1}, expected, 1, PlacementValid},
		{"no expectations means anything goes", phase.State{Phase: phase.Playback, Round: 1}, nil, 1, PlacementValid},
		{"zero expected round defaults to 1", phase.State{Phase: phase.Ranking, Round: 1}, expected, 0, PlacementValid},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.observed, c.expected, c.expectedRound))
		})
	}
}

func TestMountRedirectWhenBehind(t *testing.T) {
	reader := &fakeReader{st: phase.State{Phase: phase.Playback, Round: 1}}
	nav := &fakeNav{}
	e := newTestEngine(reader, nil, nav, Options{
		Code:           "ABC123",
		ExpectedPhases: []phase.Phase{phase.Lobby},
	})
	e.Start(context.Background())
	defer e.Close()

	settle()
	calls := nav.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "/playtime-playback")
	assert.Contains(t, calls[0], "code=ABC123")
}

func TestMountFetchFailureStaysPut(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection refused")}
	nav := &fakeNav{}
	e := newTestEngine(reader, nil, nav, Options{
		Code:           "ABC123",
		ExpectedPhases: []phase.Phase{phase.Lobby},
	})
	e.Start(context.Background())
	defer e.Close()

	settle()
	assert.Empty(t, nav.calls())
	current, loading, correct := e.Snapshot()
	assert.Equal(t, phase.Phase(""), current, "phase should be unknown after fetch failure")
	assert.False(t, loading)
	assert.False(t, correct)
}

func TestDisabledEngineDoesNothing(t *testing.T) {
	reader := &fakeReader{st: phase.State{Phase: phase.Playback, Round: 1}}
	nav := &fakeNav{}
	e := newTestEngine(reader, nil, nav, Options{
		Code:           "ABC123",
		ExpectedPhases: []phase.Phase{phase.Lobby},
		Disabled:       true,
	})
	e.Start(context.Background())
	defer e.Close()

	settle()
	assert.Empty(t, nav.calls())
	_, loading, _ := e.Snapshot()
	assert.False(t, loading)
}

// P1: N notifications with the same pair produce exactly one navigation.
func TestIdempotentRedirect(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Lobby, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Lobby},
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	for i := 0; i < 5; i++ {
		subs.push(phase.State{Phase: phase.SongSelection, Round: 1})
	}
	settle()

	calls := nav.calls()
	require.Len(t, calls, 1, "duplicate notifications must collapse to one navigation")
	assert.Contains(t, calls[0], "/pick-your-song")
}

// P2: an observation behind the expected phase never navigates backwards.
func TestNoBackwardNavigation(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Playback, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Playback},
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	subs.push(phase.State{Phase: phase.Lobby, Round: 1})
	subs.push(phase.State{Phase: phase.CategorySelection, Round: 1})
	settle()

	assert.Empty(t, nav.calls(), "stale notifications must not push the client backwards")
}

// P3: a newer round redirects regardless of what phase-index comparison
// would say.
func TestRoundPrecedence(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.FinalPlacements, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.FinalPlacements},
		ExpectedRound:  1,
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	// category_selection sits before final_placements in the ordering, so
	// naive index comparison would call this "ahead" — the round must win.
	subs.push(phase.State{Phase: phase.CategorySelection, Round: 2})
	settle()

	calls := nav.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "/select-category")
}

// P4: expecting ranking and observing playback is the next song starting,
// not a stale notification.
func TestRankingToPlaybackForwardException(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Ranking, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Ranking},
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	subs.push(phase.State{Phase: phase.Playback, Round: 1})
	settle()

	calls := nav.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "/playtime-playback")
}

// P5: within the grace window only a clearly-behind observation may act;
// anything else is suppressed. Test both sides.
func TestGraceWindow(t *testing.T) {
	t.Run("behind bypasses grace", func(t *testing.T) {
		reader := &fakeReader{st: phase.State{Phase: phase.Playback, Round: 1}}
		nav := &fakeNav{}
		e := newTestEngine(reader, nil, nav, Options{
			Code:           "ABC123",
			ExpectedPhases: []phase.Phase{phase.Lobby},
		})
		e.GraceWindow = 10 * time.Second // screen just mounted
		e.Start(context.Background())
		defer e.Close()

		settle()
		require.Len(t, nav.calls(), 1, "a behind client redirects even inside the grace window")
	})

	t.Run("non-behind mismatch suppressed during grace", func(t *testing.T) {
		reader := &fakeReader{st: phase.State{Phase: phase.Lobby, Round: 1}}
		nav := &fakeNav{}
		e := newTestEngine(reader, nil, nav, Options{
			Code:           "ABC123",
			ExpectedPhases: []phase.Phase{phase.Playback},
		})
		e.GraceWindow = 10 * time.Second
		e.Start(context.Background())
		defer e.Close()

		settle()
		assert.Empty(t, nav.calls())
		_, loading, _ := e.Snapshot()
		assert.False(t, loading, "grace must still clear the loading flag")
	})
}

// P6: a screen valid for several phases redirects for neither, and the
// navigation guard re-arms once a valid phase is reached so a later genuine
// mismatch can redirect again.
func TestMultiPhaseValidityAndGuardReset(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Ranking, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Ranking, phase.Playback},
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	// Playback is in the expected set: no redirect.
	subs.push(phase.State{Phase: phase.Playback, Round: 1})
	settle()
	assert.Empty(t, nav.calls())
	_, _, correct := e.Snapshot()
	assert.True(t, correct)

	// Genuine mismatch: first redirect.
	subs.push(phase.State{Phase: phase.FinalPlacements, Round: 1})
	settle()
	require.Len(t, nav.calls(), 1)

	// Back on a valid phase: guard resets.
	subs.push(phase.State{Phase: phase.Ranking, Round: 1})
	settle()

	// A second genuine mismatch must be able to redirect again.
	subs.push(phase.State{Phase: phase.FinalPlacements, Round: 1})
	settle()
	calls := nav.calls()
	require.Len(t, calls, 2, "guard must re-arm after returning to a valid phase")
	assert.Contains(t, calls[1], "/final-placements")
}

// P7: subscription failures retry with doubling delays, then stop for good.
func TestSubscriptionRetryBackoff(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Lobby, Round: 1}}
	subs := &fakeSubscriber{failAll: true}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Lobby},
	})
	e.RetryBase = 30 * time.Millisecond
	e.Start(context.Background())
	defer e.Close()

	// Base 30ms doubling: retries land ~30ms, ~60ms, ~120ms after their
	// preceding failures. Wait long enough for all of them plus margin.
	time.Sleep(500 * time.Millisecond)

	attempts := subs.attemptTimes()
	require.Len(t, attempts, 4, "initial attempt plus exactly three retries")

	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	gap3 := attempts[3].Sub(attempts[2])
	assert.GreaterOrEqual(t, gap1, 25*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 55*time.Millisecond)
	assert.GreaterOrEqual(t, gap3, 115*time.Millisecond)

	// A further wait must produce no fifth attempt.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, subs.attemptTimes(), 4, "retries must stop after the budget is exhausted")
}

// P8: a round regression is logged and ignored, never acted on.
func TestRoundRegressionIsNonFatal(t *testing.T) {
	sessionID := uuid.New()
	reader := &fakeReader{st: phase.State{Phase: phase.Ranking, Round: 1}}
	subs := &fakeSubscriber{}
	nav := &fakeNav{}
	e := newTestEngine(reader, subs, nav, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Ranking},
		ExpectedRound:  2,
	})
	e.Start(context.Background())
	defer e.Close()
	settle()

	assert.Empty(t, nav.calls(), "a backwards round must not trigger navigation")
	_, loading, _ := e.Snapshot()
	assert.False(t, loading)

	subs.push(phase.State{Phase: phase.CategorySelection, Round: 1})
	settle()
	assert.Empty(t, nav.calls())
}

// Pending redirects die with the engine.
func TestCloseCancelsPendingRedirect(t *testing.T) {
	reader := &fakeReader{st: phase.State{Phase: phase.Playback, Round: 1}}
	nav := &fakeNav{}
	e := newTestEngine(reader, nil, nav, Options{
		Code:           "ABC123",
		ExpectedPhases: []phase.Phase{phase.Lobby},
	})
	e.MountDebounce = 200 * time.Millisecond
	e.Start(context.Background())

	// Let the mount check schedule the redirect, then unmount before the
	// debounce fires.
	time.Sleep(50 * time.Millisecond)
	e.Close()
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, nav.calls(), "no navigation may fire after Close")
}

// The worked example from the design discussion: two screens, one stale,
// then a live ranking -> playback transition.
func TestStaleScreenAndNextSongScenario(t *testing.T) {
	sessionID := uuid.New()
	// Session is at (ranking, round 2).
	reader := &fakeReader{st: phase.State{Phase: phase.Ranking, Round: 2}}
	subs := &fakeSubscriber{}

	navA := &fakeNav{}
	engineA := newTestEngine(reader, subs, navA, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Ranking},
		ExpectedRound:  2,
	})
	engineA.Start(context.Background())
	defer engineA.Close()

	navB := &fakeNav{}
	engineB := newTestEngine(reader, subs, navB, Options{
		Code:           "ABC123",
		SessionID:      sessionID,
		ExpectedPhases: []phase.Phase{phase.Ranking},
		ExpectedRound:  1, // stale: still showing round 1's leaderboard
	})
	engineB.Start(context.Background())
	defer engineB.Close()

	settle()

	// A is correctly placed; B's round comparison fires first and sends it
	// to the round-2 leaderboard even though the phase matches.
	assert.Empty(t, navA.calls())
	callsB := navB.calls()
	require.Len(t, callsB, 1)
	assert.Contains(t, callsB[0], "/leaderboard")

	// The song owner advances to the next song without changing rounds.
	subs.push(phase.State{Phase: phase.Playback, Round: 2})
	settle()

	callsA := navA.calls()
	require.Len(t, callsA, 1, "screen A must follow the ranking -> playback exception")
	assert.Contains(t, callsA[0], "/playtime-playback")
}
