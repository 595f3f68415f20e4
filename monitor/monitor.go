// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package monitor continuously samples vote progress for every configured
// validator pair and raises rate-limited alerts when the active identity
// stops voting. The dispatcher stays stateless; all cooldown state lives in
// the Tracker owned here.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/rpcclient"
)

// DefaultInterval is the poll spacing per validator pair.
const DefaultInterval = 10 * time.Second

// catchupAlertAfter is how many consecutive failed vote-account samples of a
// pair trigger a CatchupFailure alert.
const catchupAlertAfter = 3

// VoteWatcher observes one vote account; satisfied by rpcclient.Client.
type VoteWatcher interface {
	GetVoteAccount(ctx context.Context, votePubkey string) (*rpcclient.VoteAccount, error)
}

// Metrics are the monitor's prometheus collectors.
type Metrics struct {
	LastVoteSlot     *prometheus.GaugeVec
	SecondsSinceVote *prometheus.GaugeVec
	AlertsFired      prometheus.Counter
}

// NewMetrics creates and registers the monitor metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		LastVoteSlot: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vswitch_last_vote_slot",
			Help: "Last observed vote slot per validator",
		}, []string{"vote_pubkey"}),
		SecondsSinceVote: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vswitch_seconds_since_vote",
			Help: "Seconds since the vote slot last advanced",
		}, []string{"vote_pubkey"}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vswitch_alerts_fired_total",
			Help: "Alerts dispatched by the delinquency monitor",
		}),
	}
	for _, c := range []prometheus.Collector{m.LastVoteSlot, m.SecondsSinceVote, m.AlertsFired} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// pairState is the monitor's memory of one validator pair between polls.
type pairState struct {
	lastVote        uint64
	lastAdvance     time.Time
	catchupFailures int
}

// Monitor owns the delinquency tracker and the per-pair sampling loops.
type Monitor struct {
	cfg     *config.Config
	alerter alert.Sender
	tracker *Tracker
	catchup *Tracker
	metrics *Metrics
	log     log.Logger

	Interval time.Duration

	now      func() time.Time
	newWatch func(endpoint string) VoteWatcher

	mu    sync.Mutex
	state map[int]*pairState
}

// New creates a monitor for cfg.
func New(cfg *config.Config, alerter alert.Sender, metrics *Metrics, logger log.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		alerter:  alerter,
		tracker:  NewTracker(DefaultCooldown),
		catchup:  NewTracker(DefaultCooldown),
		metrics:  metrics,
		log:      logger,
		Interval: DefaultInterval,
		now:      time.Now,
		newWatch: func(endpoint string) VoteWatcher { return rpcclient.New(endpoint) },
		state:    make(map[int]*pairState),
	}
}

// Run polls every pair until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.log.Info("delinquency monitor started",
		zap.Int("pairs", len(m.cfg.Validators)),
		zap.Duration("interval", m.Interval),
	)
	for {
		m.pollAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pollAll(ctx context.Context) {
	for i, pair := range m.cfg.Validators {
		m.poll(ctx, i, pair)
	}
}

// poll samples one pair's vote account and fires a delinquency alert when
// the vote has been frozen past the configured threshold.
func (m *Monitor) poll(ctx context.Context, i int, pair config.ValidatorPair) {
	watcher := m.newWatch(pair.RPC)
	acct, err := watcher.GetVoteAccount(ctx, pair.VotePubkey)
	if err != nil {
		m.log.Warn("vote account query failed",
			zap.String("vote", pair.VotePubkey),
			zap.Error(err),
		)
		m.recordCatchupFailure(ctx, i, pair)
		return
	}

	st := m.pairState(i)
	now := m.now()

	if acct.LastVote > st.lastVote {
		st.lastVote = acct.LastVote
		st.lastAdvance = now
		st.catchupFailures = 0
		// The validator recovered; a future lapse alerts immediately.
		m.tracker.Reset(i)
		m.catchup.Reset(i)
	} else if st.lastAdvance.IsZero() {
		// First observation of a frozen account: measure from now.
		st.lastAdvance = now
	}

	age := now.Sub(st.lastAdvance)
	if m.metrics != nil {
		m.metrics.LastVoteSlot.WithLabelValues(pair.VotePubkey).Set(float64(st.lastVote))
		m.metrics.SecondsSinceVote.WithLabelValues(pair.VotePubkey).Set(age.Seconds())
	}

	threshold := time.Duration(m.cfg.Alerts.DelinquencyThresholdSeconds) * time.Second
	if age < threshold || !m.tracker.ShouldFire(i) {
		return
	}

	m.log.Warn("validator delinquent",
		zap.String("vote", pair.VotePubkey),
		zap.Uint64("lastVoteSlot", st.lastVote),
		zap.Duration("age", age),
	)
	m.dispatch(ctx, alert.Event{
		Type:              alert.EventDelinquency,
		ValidatorIdentity: pair.IdentityPubkey,
		NodeLabel:         pair.VotePubkey,
		IsActive:          true,
		LastVoteSlot:      st.lastVote,
		SecondsSinceVote:  uint64(age.Seconds()),
	})
}

// recordCatchupFailure counts consecutive failed samples for a pair and
// alerts once the streak reaches the limit.
func (m *Monitor) recordCatchupFailure(ctx context.Context, i int, pair config.ValidatorPair) {
	st := m.pairState(i)
	st.catchupFailures++
	if st.catchupFailures < catchupAlertAfter || !m.catchup.ShouldFire(i) {
		return
	}
	m.dispatch(ctx, alert.Event{
		Type:                alert.EventCatchupFailure,
		ValidatorIdentity:   pair.IdentityPubkey,
		NodeLabel:           pair.VotePubkey,
		ConsecutiveFailures: st.catchupFailures,
	})
}

func (m *Monitor) dispatch(ctx context.Context, ev alert.Event) {
	if err := m.alerter.Send(ctx, ev); err != nil {
		m.log.Warn("alert not delivered", zap.Error(err))
		return
	}
	if m.metrics != nil {
		m.metrics.AlertsFired.Inc()
	}
}

func (m *Monitor) pairState(i int) *pairState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[i]
	if !ok {
		st = &pairState{}
		m.state[i] = st
	}
	return st
}
