// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/rpcclient"
)

const (
	identityPK = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	votePK     = "5D1fNXzvv5NjV1ysLjirC4WY92RNsVH18vjmcszZd8on"
)

// fakeClock drives Tracker and Monitor deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTrackerCooldown(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(300 * time.Second)
	tr.now = clock.now

	// First call fires.
	require.True(t, tr.ShouldFire(0))
	// Within cooldown: suppressed.
	clock.advance(55 * time.Second)
	require.False(t, tr.ShouldFire(0))
	clock.advance(244 * time.Second) // 299s since fire
	require.False(t, tr.ShouldFire(0))
	// At the cooldown boundary: fires again.
	clock.advance(1 * time.Second)
	require.True(t, tr.ShouldFire(0))

	// Independent indices do not share cooldowns.
	require.True(t, tr.ShouldFire(1))

	// Reset re-arms immediately.
	tr.Reset(0)
	require.True(t, tr.ShouldFire(0))
}

// For any call sequence, true results are separated by at least the
// cooldown, except across a Reset.
func TestTrackerFireSpacing(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(300 * time.Second)
	tr.now = clock.now

	var fires []time.Time
	for i := 0; i < 100; i++ {
		if tr.ShouldFire(7) {
			fires = append(fires, clock.now())
		}
		clock.advance(17 * time.Second)
	}
	require.GreaterOrEqual(t, len(fires), 2)
	for i := 1; i < len(fires); i++ {
		require.GreaterOrEqual(t, fires[i].Sub(fires[i-1]), 300*time.Second)
	}
}

// scriptedWatcher returns a programmable vote slot.
type scriptedWatcher struct {
	mu   sync.Mutex
	slot uint64
	err  error
}

func (w *scriptedWatcher) GetVoteAccount(context.Context, string) (*rpcclient.VoteAccount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	return &rpcclient.VoteAccount{VotePubkey: votePK, LastVote: w.slot}, nil
}

func (w *scriptedWatcher) set(slot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slot = slot
}

type fakeSender struct {
	mu     sync.Mutex
	events []alert.Event
}

func (f *fakeSender) Send(_ context.Context, ev alert.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) count(typ alert.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func monitorConfig() *config.Config {
	return &config.Config{
		Validators: []config.ValidatorPair{{
			VotePubkey:     votePK,
			IdentityPubkey: identityPK,
			RPC:            "https://rpc.example.net",
		}},
		Alerts: config.AlertConfig{Enabled: true, DelinquencyThresholdSeconds: 60},
	}
}

func newTestMonitor(t *testing.T, watcher VoteWatcher, sender alert.Sender) (*Monitor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m := New(monitorConfig(), sender, metrics, log.NewNoOpLogger())
	m.now = clock.now
	m.tracker.now = clock.now
	m.catchup.now = clock.now
	m.newWatch = func(string) VoteWatcher { return watcher }
	return m, clock
}

// The scenario from the suite seed: frozen at 65s fires, still frozen at
// 120s stays quiet inside the cooldown, fires again past it, and a recovery
// re-arms the tracker.
func TestDelinquencyAlertWithCooldown(t *testing.T) {
	watcher := &scriptedWatcher{slot: 1000}
	sender := &fakeSender{}
	m, clock := newTestMonitor(t, watcher, sender)
	ctx := context.Background()

	// t=0: first observation seeds the baseline; no alert.
	m.pollAll(ctx)
	require.Zero(t, sender.count(alert.EventDelinquency))

	// t=65s, still frozen past the 60s threshold: one alert.
	clock.advance(65 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 1, sender.count(alert.EventDelinquency))

	// t=120s: inside the 300s cooldown, no second alert.
	clock.advance(55 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 1, sender.count(alert.EventDelinquency))

	// t=420s: past the cooldown, second alert.
	clock.advance(300 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 2, sender.count(alert.EventDelinquency))

	// Votes resume: tracker resets.
	watcher.set(1010)
	clock.advance(10 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 2, sender.count(alert.EventDelinquency))

	// A later lapse alerts immediately, ignoring the old cooldown window.
	clock.advance(61 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 3, sender.count(alert.EventDelinquency))
}

func TestDelinquencyEventFields(t *testing.T) {
	watcher := &scriptedWatcher{slot: 226562344}
	sender := &fakeSender{}
	m, clock := newTestMonitor(t, watcher, sender)
	ctx := context.Background()

	m.pollAll(ctx)
	clock.advance(90 * time.Second)
	m.pollAll(ctx)

	require.Equal(t, 1, sender.count(alert.EventDelinquency))
	ev := sender.events[len(sender.events)-1]
	require.Equal(t, identityPK, ev.ValidatorIdentity)
	require.Equal(t, uint64(226562344), ev.LastVoteSlot)
	require.Equal(t, uint64(90), ev.SecondsSinceVote)
}

func TestHealthyVotingNeverAlerts(t *testing.T) {
	watcher := &scriptedWatcher{slot: 1}
	sender := &fakeSender{}
	m, clock := newTestMonitor(t, watcher, sender)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		watcher.set(uint64(i + 2))
		m.pollAll(ctx)
		clock.advance(10 * time.Second)
	}
	require.Empty(t, sender.events)
}

func TestCatchupFailureStreak(t *testing.T) {
	watcher := &scriptedWatcher{err: errors.New("rpc down")}
	sender := &fakeSender{}
	m, clock := newTestMonitor(t, watcher, sender)
	ctx := context.Background()

	// Two failures: below the streak limit, quiet.
	m.pollAll(ctx)
	clock.advance(10 * time.Second)
	m.pollAll(ctx)
	require.Zero(t, sender.count(alert.EventCatchupFailure))

	// Third consecutive failure alerts.
	clock.advance(10 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 1, sender.count(alert.EventCatchupFailure))
	require.Equal(t, 3, sender.events[0].ConsecutiveFailures)

	// Recovery clears the streak.
	watcher.mu.Lock()
	watcher.err = nil
	watcher.slot = 500
	watcher.mu.Unlock()
	clock.advance(10 * time.Second)
	m.pollAll(ctx)

	watcher.mu.Lock()
	watcher.err = errors.New("rpc down again")
	watcher.mu.Unlock()
	clock.advance(10 * time.Second)
	m.pollAll(ctx)
	require.Equal(t, 1, sender.count(alert.EventCatchupFailure))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	// Double registration is rejected by the registry.
	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	watcher := &scriptedWatcher{slot: 1}
	m, _ := newTestMonitor(t, watcher, &fakeSender{})
	m.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
