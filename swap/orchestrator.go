// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swap executes the ordered switch protocol across a validator pair:
// demote the active, transfer the tower, promote the standby. The one
// correctness-critical ordering is that the funded set-identity on the
// standby is never issued before the active has confirmed its switch to the
// unfunded identity and the tower has been transferred (or force was given).
package swap

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/probe"
	"github.com/luxfi/vswitch/readiness"
	"github.com/luxfi/vswitch/rpcclient"
	"github.com/luxfi/vswitch/sshpool"
)

var (
	ErrAmbiguousRole      = errors.New("cannot determine which node holds the funded identity")
	ErrNotReady           = errors.New("pre-check failed")
	ErrAltCtlMissing      = errors.New("alternate client detected but alt_ctl_binary is not configured")
	ErrTowerGlobAmbiguous = errors.New("tower glob must resolve to exactly one file")
	ErrChecksumMismatch   = errors.New("tower checksum mismatch after transfer")
	ErrIdentityUnverified = errors.New("running identity did not match after set-identity")
	ErrPostVerifyFailed   = errors.New("standby did not vote within the post-verify window")
	ErrRollbackFailed     = errors.New("rollback failed; cluster may be left without a funded identity")
)

// State is a position in the switch state machine.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StatePreCheck
	StateDemote
	StateTowerTransfer
	StatePromote
	StatePostVerify
	StateDone
	StateRollbackDemote
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePlanning:
		return "Planning"
	case StatePreCheck:
		return "PreCheck"
	case StateDemote:
		return "Demote"
	case StateTowerTransfer:
		return "TowerTransfer"
	case StatePromote:
		return "Promote"
	case StatePostVerify:
		return "PostVerify"
	case StateDone:
		return "Done"
	case StateRollbackDemote:
		return "RollbackDemote"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Outcome is the terminal classification of one switch attempt.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeDryRun
	OutcomeAborted
	OutcomePostVerifyFailed
)

// ExitCode maps the outcome to the process exit code contract: 0 on success
// or dry-run, 1 on abort, 2 when the operator must intervene.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeDone, OutcomeDryRun:
		return 0
	case OutcomePostVerifyFailed:
		return 2
	default:
		return 1
	}
}

// Step records one executed state with its wall-clock cost.
type Step struct {
	State   State
	Elapsed time.Duration
	Err     error
}

// Result is everything one switch attempt produced.
type Result struct {
	Outcome    Outcome
	Final      State
	Active     string // label of the node that held the funded identity
	Standby    string
	Steps      []Step
	Checklists map[string]*readiness.Report
	Err        error
}

// Options modify one switch run.
type Options struct {
	// DryRun stops after PreCheck, reporting the plan without remote effects.
	DryRun bool
	// Force skips the tower transfer; only for a standby known to hold a
	// fresh tower already.
	Force bool
}

// VoteWatcher observes vote account progress; satisfied by rpcclient.Client.
type VoteWatcher interface {
	GetVoteAccount(ctx context.Context, votePubkey string) (*rpcclient.VoteAccount, error)
}

// Orchestrator drives switches for validator pairs.
type Orchestrator struct {
	runner  sshpool.CommandRunner
	prober  *probe.Prober
	alerter alert.Sender
	log     log.Logger

	// Tunables, defaulted by New and overridden in tests.
	StepTimeout      time.Duration
	PostVerifyWindow time.Duration
	PostVerifyPoll   time.Duration
	MaxSlotsBehind   uint64

	// OnStep, when set, is invoked as each state begins.
	OnStep func(s State)

	now      func() time.Time
	newWatch func(endpoint string) VoteWatcher
}

// New creates an orchestrator over runner.
func New(runner sshpool.CommandRunner, alerter alert.Sender, logger log.Logger) *Orchestrator {
	return &Orchestrator{
		runner:           runner,
		prober:           probe.New(runner, logger),
		alerter:          alerter,
		log:              logger,
		StepTimeout:      10 * time.Second,
		PostVerifyWindow: 30 * time.Second,
		PostVerifyPoll:   2 * time.Second,
		MaxSlotsBehind:   readiness.DefaultMaxSlotsBehind,
		now:              time.Now,
		newWatch:         func(endpoint string) VoteWatcher { return rpcclient.New(endpoint) },
	}
}

// plan is the working state of one attempt.
type plan struct {
	pair    config.ValidatorPair
	active  config.NodeConfig
	standby config.NodeConfig

	activeSnap  *probe.Snapshot
	standbySnap *probe.Snapshot

	baselineVote uint64
}

// Switch runs the full protocol for pair. It always returns a Result; a
// failure is reported in Result.Err.
func (o *Orchestrator) Switch(ctx context.Context, pair config.ValidatorPair, opts Options) *Result {
	res := &Result{Checklists: make(map[string]*readiness.Report)}
	started := o.now()

	p, err := step(o, ctx, res, StatePlanning, func(ctx context.Context) (*plan, error) {
		return o.planning(ctx, pair)
	})
	if err != nil {
		return o.abort(ctx, res, err)
	}
	res.Active, res.Standby = p.active.Label, p.standby.Label

	_, err = step(o, ctx, res, StatePreCheck, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.preCheck(p, res)
	})
	if err != nil {
		return o.abort(ctx, res, err)
	}

	if opts.DryRun {
		o.log.Info("dry run: would switch",
			zap.String("from", p.active.Label),
			zap.String("to", p.standby.Label),
		)
		res.Outcome = OutcomeDryRun
		res.Final = StateDone
		return res
	}

	_, err = step(o, ctx, res, StateDemote, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.demote(ctx, p)
	})
	if err != nil {
		return o.rollback(ctx, res, p, started, err)
	}

	towerPath := ""
	if !opts.Force {
		towerPath, err = step(o, ctx, res, StateTowerTransfer, func(ctx context.Context) (string, error) {
			return o.transferTower(ctx, p)
		})
		if err != nil {
			return o.rollback(ctx, res, p, started, err)
		}
	}

	// Past this point rollback risks double-signing and is never attempted.
	// Operator cancellation is deferred until PostVerify completes for the
	// same reason.
	uncancelable := context.WithoutCancel(ctx)

	_, err = step(o, uncancelable, res, StatePromote, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.promote(ctx, p, towerPath != "" || opts.Force)
	})
	if err != nil {
		return o.haltAndAlert(uncancelable, res, p, started, err)
	}

	_, err = step(o, uncancelable, res, StatePostVerify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.postVerify(ctx, p)
	})
	if err != nil {
		res.Outcome = OutcomePostVerifyFailed
		res.Final = StateAborted
		res.Err = err
		o.sendResult(uncancelable, p, false, 0, err)
		return res
	}

	res.Outcome = OutcomeDone
	res.Final = StateDone
	elapsed := o.now().Sub(started)
	o.log.Info("switch complete",
		zap.String("from", p.active.Label),
		zap.String("to", p.standby.Label),
		zap.Duration("elapsed", elapsed),
	)
	o.sendResult(ctx, p, true, elapsed, nil)
	return res
}

// step times one state, applying the per-step soft timeout.
func step[T any](o *Orchestrator, ctx context.Context, res *Result, s State, fn func(context.Context) (T, error)) (T, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.StepTimeout)
	defer cancel()

	if o.OnStep != nil {
		o.OnStep(s)
	}
	start := o.now()
	out, err := fn(stepCtx)
	res.Steps = append(res.Steps, Step{State: s, Elapsed: o.now().Sub(start), Err: err})
	if err != nil {
		o.log.Warn("switch step failed", zap.Stringer("state", s), zap.Error(err))
	}
	return out, err
}

// planning probes both nodes and discovers which one holds the funded
// identity right now. Roles are never taken from configuration.
func (o *Orchestrator) planning(ctx context.Context, pair config.ValidatorPair) (*plan, error) {
	a, b := pair.Nodes[0], pair.Nodes[1]

	var snapA, snapB *probe.Snapshot
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); snapA = o.prober.Probe(ctx, a, pair) }()
	go func() { defer wg.Done(); snapB = o.prober.Probe(ctx, b, pair) }()
	wg.Wait()

	aActive := o.holdsFundedIdentity(ctx, a, snapA, pair.IdentityPubkey)
	bActive := o.holdsFundedIdentity(ctx, b, snapB, pair.IdentityPubkey)
	if aActive == bActive {
		return nil, fmt.Errorf("%w: node_a=%v node_b=%v", ErrAmbiguousRole, aActive, bActive)
	}

	p := &plan{pair: pair}
	if aActive {
		p.active, p.standby = a, b
		p.activeSnap, p.standbySnap = snapA, snapB
	} else {
		p.active, p.standby = b, a
		p.activeSnap, p.standbySnap = snapB, snapA
	}

	for _, n := range []struct {
		node config.NodeConfig
		snap *probe.Snapshot
	}{{p.active, p.activeSnap}, {p.standby, p.standbySnap}} {
		if n.snap.Process != nil && n.snap.Process.Kind.IsAlt() && n.node.Paths.AltCtlBinary == "" {
			return nil, fmt.Errorf("%w: %s", ErrAltCtlMissing, n.node.Label)
		}
	}

	if watcher := o.newWatch(pair.RPC); watcher != nil {
		if acct, err := watcher.GetVoteAccount(ctx, pair.VotePubkey); err == nil {
			p.baselineVote = acct.LastVote
		}
	}

	o.log.Info("roles discovered",
		zap.String("active", p.active.Label),
		zap.String("standby", p.standby.Label),
	)
	return p, nil
}

// holdsFundedIdentity derives the node's live identity: the key file the
// running process was started with, or the funded identity file on disk as a
// fallback when the process reports no identity argument.
func (o *Orchestrator) holdsFundedIdentity(ctx context.Context, node config.NodeConfig, snap *probe.Snapshot, identityPubkey string) bool {
	if !snap.Connected {
		return false
	}
	if snap.Process != nil && snap.Process.IdentityPath != "" {
		addr, err := o.prober.DeriveAddress(ctx, node, snap.Process.IdentityPath)
		if err == nil {
			return addr == identityPubkey
		}
	}
	return snap.FundedPubkey == identityPubkey
}

func (o *Orchestrator) preCheck(p *plan, res *Result) error {
	opts := readiness.Options{MaxSlotsBehind: o.MaxSlotsBehind}
	activeReport := readiness.Verify(p.activeSnap, readiness.RoleStandby, opts)
	standbyReport := readiness.Verify(p.standbySnap, readiness.RoleActive, opts)
	res.Checklists[p.active.Label] = activeReport
	res.Checklists[p.standby.Label] = standbyReport

	var issues []string
	if !activeReport.Ready {
		issues = append(issues, prefixIssues(p.active.Label, activeReport.Issues)...)
	}
	if !standbyReport.Ready {
		issues = append(issues, prefixIssues(p.standby.Label, standbyReport.Issues)...)
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %s", ErrNotReady, strings.Join(issues, "; "))
	}
	return nil
}

// demote switches the active validator to its unfunded identity through the
// admin channel and has it emit its freshest tower, then confirms the
// running identity actually changed.
func (o *Orchestrator) demote(ctx context.Context, p *plan) error {
	admin, err := adminPrefix(p.active, p.activeSnap)
	if err != nil {
		return err
	}
	if p.activeSnap.UnfundedPubkey == "" {
		return fmt.Errorf("%w: unfunded identity underivable on %s", ErrIdentityUnverified, p.active.Label)
	}

	cmd := fmt.Sprintf("%s set-identity %s", admin, p.active.Paths.UnfundedIdentity)
	if _, err := o.runner.Execute(ctx, p.active, cmd); err != nil {
		return fmt.Errorf("demote set-identity: %w", err)
	}

	if len(p.activeSnap.Towers) == 1 {
		emit := fmt.Sprintf("%s tower --output %s", admin, p.activeSnap.Towers[0])
		if _, err := o.runner.Execute(ctx, p.active, emit); err != nil {
			return fmt.Errorf("demote tower emit: %w", err)
		}
	}

	return o.confirmIdentity(ctx, p.active, p.activeSnap, p.activeSnap.UnfundedPubkey)
}

// transferTower copies the exactly-one tower file from the active into the
// standby's ledger directory, checksummed end to end.
func (o *Orchestrator) transferTower(ctx context.Context, p *plan) (string, error) {
	list, err := o.runner.Execute(ctx, p.active,
		fmt.Sprintf("ls -1 %s 2>/dev/null", p.active.Paths.TowerGlob))
	if err != nil {
		return "", fmt.Errorf("tower resolve: %w", err)
	}
	towers := splitLines(list.Stdout)
	if len(towers) != 1 {
		return "", fmt.Errorf("%w: matched %d", ErrTowerGlobAmbiguous, len(towers))
	}
	src := towers[0]
	dst := path.Join(p.standby.Paths.LedgerDir, path.Base(src))

	sum, err := o.runner.Execute(ctx, p.active,
		fmt.Sprintf("sha256sum %s | awk '{print $1}'", src))
	if err != nil {
		return "", fmt.Errorf("tower checksum: %w", err)
	}
	srcSum := strings.TrimSpace(sum.Stdout)

	data, err := o.runner.Execute(ctx, p.active, fmt.Sprintf("base64 -w0 %s", src))
	if err != nil {
		return "", fmt.Errorf("tower read: %w", err)
	}

	write := fmt.Sprintf("printf '%%s' '%s' | base64 -d > %s && sha256sum %s | awk '{print $1}'",
		strings.TrimSpace(data.Stdout), dst, dst)
	verify, err := o.runner.Execute(ctx, p.standby, write)
	if err != nil {
		return "", fmt.Errorf("tower write: %w", err)
	}
	if dstSum := strings.TrimSpace(verify.Stdout); dstSum != srcSum {
		return "", fmt.Errorf("%w: %s != %s", ErrChecksumMismatch, dstSum, srcSum)
	}

	o.log.Info("tower transferred",
		zap.String("src", src),
		zap.String("dst", dst),
		zap.String("sha256", srcSum),
	)
	return dst, nil
}

// promote switches the standby to the funded identity and confirms it.
func (o *Orchestrator) promote(ctx context.Context, p *plan, haveTower bool) error {
	admin, err := adminPrefix(p.standby, p.standbySnap)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s set-identity", admin)
	if haveTower {
		cmd += " --require-tower"
	}
	cmd += " " + p.standby.Paths.FundedIdentity
	if _, err := o.runner.Execute(ctx, p.standby, cmd); err != nil {
		return fmt.Errorf("promote set-identity: %w", err)
	}
	return o.confirmIdentity(ctx, p.standby, p.standbySnap, p.pair.IdentityPubkey)
}

// postVerify waits for the vote account to advance past the planning-time
// baseline and confirms the demoted node is no longer running funded.
func (o *Orchestrator) postVerify(ctx context.Context, p *plan) error {
	watcher := o.newWatch(p.pair.RPC)
	deadline := o.now().Add(o.PostVerifyWindow)

	for {
		if watcher != nil {
			acct, err := watcher.GetVoteAccount(ctx, p.pair.VotePubkey)
			if err == nil && acct.LastVote > p.baselineVote {
				// The old active must have stopped: its running identity is
				// unfunded, which the Demote confirmation already proved.
				// Double-check it has not been flipped back concurrently.
				if id, err := o.runningIdentity(ctx, p.active, p.activeSnap); err == nil && id == p.pair.IdentityPubkey {
					return fmt.Errorf("%w: demoted node still runs the funded identity", ErrPostVerifyFailed)
				}
				o.log.Info("post-verify: vote advanced",
					zap.Uint64("baseline", p.baselineVote),
					zap.Uint64("observed", acct.LastVote),
				)
				return nil
			}
		}
		if !o.now().Before(deadline) {
			return ErrPostVerifyFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.PostVerifyPoll):
		}
	}
}

// rollback re-promotes the original active. Only reachable before Promote
// has been attempted, where re-assuming the funded identity cannot
// double-sign.
func (o *Orchestrator) rollback(ctx context.Context, res *Result, p *plan, started time.Time, cause error) *Result {
	_, err := step(o, ctx, res, StateRollbackDemote, func(ctx context.Context) (struct{}, error) {
		admin, aerr := adminPrefix(p.active, p.activeSnap)
		if aerr != nil {
			return struct{}{}, aerr
		}
		cmd := fmt.Sprintf("%s set-identity %s", admin, p.active.Paths.FundedIdentity)
		if _, rerr := o.runner.Execute(ctx, p.active, cmd); rerr != nil {
			return struct{}{}, rerr
		}
		return struct{}{}, o.confirmIdentity(ctx, p.active, p.activeSnap, p.pair.IdentityPubkey)
	})

	res.Outcome = OutcomeAborted
	res.Final = StateAborted
	if err != nil {
		res.Err = fmt.Errorf("%w (cause: %v, rollback: %v)", ErrRollbackFailed, cause, err)
	} else {
		res.Err = cause
		o.log.Info("rolled back: active re-promoted", zap.String("node", p.active.Label))
	}
	o.sendResult(ctx, p, false, o.now().Sub(started), res.Err)
	return res
}

// haltAndAlert handles failures at or after Promote, where rollback is
// forbidden: surface loudly, leave the cluster in the safest observed state.
func (o *Orchestrator) haltAndAlert(ctx context.Context, res *Result, p *plan, started time.Time, cause error) *Result {
	res.Outcome = OutcomeAborted
	res.Final = StateAborted
	res.Err = cause
	o.log.Error("switch halted after promote attempt; not rolling back",
		zap.String("active", p.active.Label),
		zap.String("standby", p.standby.Label),
		zap.Error(cause),
	)
	o.sendResult(ctx, p, false, o.now().Sub(started), cause)
	return res
}

func (o *Orchestrator) abort(ctx context.Context, res *Result, err error) *Result {
	res.Outcome = OutcomeAborted
	res.Final = StateAborted
	res.Err = err
	return res
}

func (o *Orchestrator) confirmIdentity(ctx context.Context, node config.NodeConfig, snap *probe.Snapshot, want string) error {
	got, err := o.runningIdentity(ctx, node, snap)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s runs %s, want %s", ErrIdentityUnverified, node.Label, got, want)
	}
	return nil
}

// runningIdentity asks the node's admin channel who it currently is.
func (o *Orchestrator) runningIdentity(ctx context.Context, node config.NodeConfig, snap *probe.Snapshot) (string, error) {
	admin, err := adminPrefix(node, snap)
	if err != nil {
		return "", err
	}
	res, err := o.runner.Execute(ctx, node, admin+" contact-info")
	if err != nil {
		return "", fmt.Errorf("contact-info: %w", err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "Identity:"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("%w: no identity in contact-info output", ErrIdentityUnverified)
}

// adminPrefix builds the admin-channel invocation for the node's client
// kind: the running validator binary with its ledger for the primary client,
// the configured control binary for the alternates.
func adminPrefix(node config.NodeConfig, snap *probe.Snapshot) (string, error) {
	kind := probe.KindAgave
	binary := ""
	if snap.Process != nil {
		kind = snap.Process.Kind
		binary = snap.Process.BinaryPath
	}
	if kind.IsAlt() {
		if node.Paths.AltCtlBinary == "" {
			return "", fmt.Errorf("%w: %s", ErrAltCtlMissing, node.Label)
		}
		if node.Paths.AltConfig != "" {
			return fmt.Sprintf("%s --config %s", node.Paths.AltCtlBinary, node.Paths.AltConfig), nil
		}
		return node.Paths.AltCtlBinary, nil
	}
	if binary == "" {
		binary = "agave-validator"
	}
	return fmt.Sprintf("%s --ledger %s", binary, node.Paths.LedgerDir), nil
}

func (o *Orchestrator) sendResult(ctx context.Context, p *plan, success bool, elapsed time.Duration, cause error) {
	ev := alert.Event{
		Type:        alert.EventSwitchResult,
		Success:     success,
		ActiveNode:  p.active.Label,
		StandbyNode: p.standby.Label,
		Duration:    elapsed,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := o.alerter.Send(ctx, ev); err != nil &&
		!errors.Is(err, alert.ErrDisabled) && !errors.Is(err, alert.ErrNoChannel) {
		o.log.Warn("switch result alert not delivered", zap.Error(err))
	}
}

func prefixIssues(label string, issues []string) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, label+": "+issue)
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
