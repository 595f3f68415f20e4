// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/rpcclient"
	"github.com/luxfi/vswitch/sshpool"
)

const (
	identityPK = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	votePK     = "5D1fNXzvv5NjV1ysLjirC4WY92RNsVH18vjmcszZd8on"
	unfundedPK = "9rMLSDbpUPdQkxgDYn9Lbk42Hg9XLbuKajctLaXXSsUK"
	wrongPK    = "3yFwqXBfZY4jBVUafQ1YEXw418hUzabYfsz53BuUnzy5"

	towerPath = "/mnt/ledger/tower-1_9-" + identityPK + ".bin"
	towerSum  = "0f9a1c26b4e9119f39b322fb4a0b2e77f4b3c2d6a2cf9d3ce9a74d53be1f30aa"
)

type call struct {
	label string
	cmd   string
}

// simNode models one remote validator host: its running identity, the keys
// derivable from its key files, and its canned probe output.
type simNode struct {
	identity  string            // pubkey the validator currently runs as
	derive    map[string]string // key file path -> pubkey
	probeOut  string
	writeSum  string // checksum the standby reports after the tower write
	adminErr  error  // injected failure for set-identity commands
}

// simRunner is a scripted CommandRunner over a pair of simNodes. It tracks
// every command and flags any instant at which both nodes run the funded
// identity.
type simRunner struct {
	mu         sync.Mutex
	nodes      map[string]*simNode
	trace      []call
	violations int
}

func (s *simRunner) Execute(_ context.Context, node config.NodeConfig, cmd string) (sshpool.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, call{label: node.Label, cmd: cmd})

	n := s.nodes[node.Label]
	switch {
	case strings.Contains(cmd, "=== PROCESSES ==="):
		return sshpool.Result{Stdout: n.probeOut}, nil
	case strings.Contains(cmd, "--version"):
		return sshpool.Result{Stdout: "agave-validator 2.1.5 (src:4da190bd; feat:288566304, client:Agave)"}, nil
	case strings.Contains(cmd, "address -k"):
		return sshpool.Result{Stdout: n.derive[flagValue(cmd, "-k")] + "\n"}, nil
	case strings.Contains(cmd, "set-identity"):
		if n.adminErr != nil {
			return sshpool.Result{}, n.adminErr
		}
		fields := strings.Fields(cmd)
		keyfile := fields[len(fields)-1]
		n.identity = n.derive[keyfile]
		if s.fundedCount() > 1 {
			s.violations++
		}
		return sshpool.Result{}, nil
	case strings.Contains(cmd, "contact-info"):
		return sshpool.Result{Stdout: "Identity: " + n.identity + "\n"}, nil
	case strings.Contains(cmd, "tower --output"):
		return sshpool.Result{}, nil
	case strings.HasPrefix(cmd, "ls -1"):
		return sshpool.Result{Stdout: towerPath + "\n"}, nil
	case strings.Contains(cmd, "base64 -d"):
		return sshpool.Result{Stdout: n.writeSum + "\n"}, nil
	case strings.Contains(cmd, "sha256sum"):
		return sshpool.Result{Stdout: towerSum + "\n"}, nil
	case strings.Contains(cmd, "base64 -w0"):
		return sshpool.Result{Stdout: "dG93ZXIgYnl0ZXM=\n"}, nil
	default:
		return sshpool.Result{}, nil
	}
}

func (s *simRunner) fundedCount() int {
	count := 0
	for _, n := range s.nodes {
		if n.identity == identityPK {
			count++
		}
	}
	return count
}

func (s *simRunner) commands(substr string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.trace {
		if strings.Contains(c.cmd, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (s *simRunner) indexOf(label, substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.trace {
		if c.label == label && strings.Contains(c.cmd, substr) {
			return i
		}
	}
	return -1
}

func flagValue(cmd, flag string) string {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func probeFrames(identityArg, syncLine, fundedKey string) string {
	return strings.Join([]string{
		"=== PROCESSES ===",
		"solana 1234 1.0 1.0 /usr/bin/agave-validator --identity " + identityArg + " --ledger /mnt/ledger",
		"=== DISK ===",
		"42% 104857600",
		"=== LOAD ===",
		"0.80",
		"=== SYNC ===",
		syncLine,
		"=== FILES ===",
		"funded_ok", "unfunded_ok", "vote_ok",
		"tower:" + towerPath,
		"ledger_ok", "cli_ok",
		"=== KEYS ===",
		"funded:" + fundedKey,
		"unfunded:" + unfundedPK,
		"vote:" + votePK,
		"=== END ===",
	}, "\n")
}

func healthySim() *simRunner {
	derive := map[string]string{
		"/keys/funded.json":   identityPK,
		"/keys/unfunded.json": unfundedPK,
		"/keys/vote.json":     votePK,
	}
	return &simRunner{nodes: map[string]*simNode{
		"alpha": {
			identity: identityPK,
			derive:   derive,
			probeOut: probeFrames("/keys/funded.json", "caught up (us:100 them:100)", identityPK),
			writeSum: towerSum,
		},
		"bravo": {
			identity: unfundedPK,
			derive:   derive,
			probeOut: probeFrames("/keys/unfunded.json", "caught up (us:100 them:100)", identityPK),
			writeSum: towerSum,
		},
	}}
}

func testPair() config.ValidatorPair {
	paths := config.NodePaths{
		FundedIdentity:   "/keys/funded.json",
		UnfundedIdentity: "/keys/unfunded.json",
		VoteKeypair:      "/keys/vote.json",
		LedgerDir:        "/mnt/ledger",
		TowerGlob:        "/mnt/ledger/tower-1_9-*.bin",
		CLIBinary:        "/usr/local/bin/solana",
	}
	return config.ValidatorPair{
		VotePubkey:     votePK,
		IdentityPubkey: identityPK,
		RPC:            "https://rpc.example.net",
		Nodes: []config.NodeConfig{
			{Label: "alpha", Host: "alpha", Port: 22, User: "solana", Paths: paths},
			{Label: "bravo", Host: "bravo", Port: 22, User: "solana", Paths: paths},
		},
	}
}

// simWatcher reports vote progress from the simulated cluster: the shared
// vote account only advances while some node runs the funded identity.
type simWatcher struct {
	sim  *simRunner
	base uint64
}

func (w *simWatcher) GetVoteAccount(context.Context, string) (*rpcclient.VoteAccount, error) {
	w.sim.mu.Lock()
	defer w.sim.mu.Unlock()
	last := w.base
	if w.sim.nodes["bravo"].identity == identityPK {
		last = w.base + 7
	}
	return &rpcclient.VoteAccount{VotePubkey: votePK, LastVote: last}, nil
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

func newTestOrchestrator(sim *simRunner, sender alert.Sender) *Orchestrator {
	o := New(sim, sender, log.NewNoOpLogger())
	o.PostVerifyWindow = 200 * time.Millisecond
	o.PostVerifyPoll = time.Millisecond
	o.newWatch = func(string) VoteWatcher { return &simWatcher{sim: sim, base: 100} }
	return o
}

func TestSwitchHappyPath(t *testing.T) {
	sim := healthySim()
	sender := &fakeSender{}
	o := newTestOrchestrator(sim, sender)

	res := o.Switch(context.Background(), testPair(), Options{})
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.Equal(t, 0, res.Outcome.ExitCode())
	require.Equal(t, "alpha", res.Active)
	require.Equal(t, "bravo", res.Standby)

	// Final roles flipped, and at no instant did two nodes run funded.
	require.Equal(t, unfundedPK, sim.nodes["alpha"].identity)
	require.Equal(t, identityPK, sim.nodes["bravo"].identity)
	require.Zero(t, sim.violations)

	// The funded set-identity on the standby comes strictly after the
	// active's demotion was confirmed and the tower was written.
	demote := sim.indexOf("alpha", "set-identity /keys/unfunded.json")
	demoteAck := sim.indexOf("alpha", "contact-info")
	towerWrite := sim.indexOf("bravo", "base64 -d")
	promote := sim.indexOf("bravo", "set-identity --require-tower /keys/funded.json")
	require.GreaterOrEqual(t, demote, 0)
	require.GreaterOrEqual(t, promote, 0)
	require.Less(t, demote, demoteAck)
	require.Less(t, demoteAck, promote)
	require.Less(t, towerWrite, promote)

	// One success alert with the switch duration.
	require.Len(t, sender.events, 1)
	require.True(t, sender.events[0].Success)
	require.Equal(t, "alpha", sender.events[0].ActiveNode)

	// Step timings recorded for every state traversed.
	var states []State
	for _, s := range res.Steps {
		states = append(states, s.State)
	}
	require.Equal(t, []State{StatePlanning, StatePreCheck, StateDemote,
		StateTowerTransfer, StatePromote, StatePostVerify}, states)
}

func TestSwitchDryRunIsReadOnly(t *testing.T) {
	sim := healthySim()
	o := newTestOrchestrator(sim, &fakeSender{})

	first := o.Switch(context.Background(), testPair(), Options{DryRun: true})
	require.Equal(t, OutcomeDryRun, first.Outcome)
	require.Equal(t, 0, first.Outcome.ExitCode())

	second := o.Switch(context.Background(), testPair(), Options{DryRun: true})
	require.Equal(t, OutcomeDryRun, second.Outcome)
	require.Equal(t, first.Active, second.Active)
	require.Equal(t, first.Standby, second.Standby)

	// No remote mutation of any kind across both runs.
	require.Empty(t, sim.commands("set-identity"))
	require.Empty(t, sim.commands("base64 -d"))
	require.Empty(t, sim.commands("tower --output"))
	require.Equal(t, identityPK, sim.nodes["alpha"].identity)
	require.Equal(t, unfundedPK, sim.nodes["bravo"].identity)
}

func TestSwitchStandbyBehindAborts(t *testing.T) {
	sim := healthySim()
	sim.nodes["bravo"].probeOut = probeFrames("/keys/unfunded.json",
		"1200 slot(s) behind (us:100 them:1300)", identityPK)
	o := newTestOrchestrator(sim, &fakeSender{})

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.Equal(t, 1, res.Outcome.ExitCode())
	require.ErrorIs(t, res.Err, ErrNotReady)
	require.Contains(t, res.Err.Error(), "Sync Status: Behind (1200 slots)")

	report := res.Checklists["bravo"]
	require.NotNil(t, report)
	require.False(t, report.Ready)

	require.Empty(t, sim.commands("set-identity"))
	require.Empty(t, sim.commands("base64 -d"))
}

func TestSwitchIdentityMismatchAborts(t *testing.T) {
	sim := healthySim()
	sim.nodes["bravo"].probeOut = probeFrames("/keys/unfunded.json",
		"caught up (us:100 them:100)", wrongPK)
	o := newTestOrchestrator(sim, &fakeSender{})

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.ErrorIs(t, res.Err, ErrNotReady)
	require.Contains(t, res.Err.Error(), wrongPK)
	require.Empty(t, sim.commands("set-identity"))
}

func TestSwitchChecksumFailureRollsBack(t *testing.T) {
	sim := healthySim()
	sim.nodes["bravo"].writeSum = "deadbeef"
	sender := &fakeSender{}
	o := newTestOrchestrator(sim, sender)

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.Equal(t, 1, res.Outcome.ExitCode())
	require.ErrorIs(t, res.Err, ErrChecksumMismatch)

	// Rolled back: final state equals initial state, no promote attempted.
	require.Equal(t, identityPK, sim.nodes["alpha"].identity)
	require.Equal(t, unfundedPK, sim.nodes["bravo"].identity)
	require.Empty(t, sim.commands("set-identity --require-tower"))
	require.Zero(t, sim.violations)
	require.Equal(t, StateRollbackDemote, res.Steps[len(res.Steps)-1].State)

	require.Len(t, sender.events, 1)
	require.False(t, sender.events[0].Success)
}

func TestSwitchPostVerifyFailureHalts(t *testing.T) {
	sim := healthySim()
	sender := &fakeSender{}
	o := newTestOrchestrator(sim, sender)
	o.PostVerifyWindow = 20 * time.Millisecond
	// The vote account never advances past the baseline.
	o.newWatch = func(string) VoteWatcher { return frozenWatcher{} }

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomePostVerifyFailed, res.Outcome)
	require.Equal(t, 2, res.Outcome.ExitCode())
	require.ErrorIs(t, res.Err, ErrPostVerifyFailed)

	// No auto-rollback after promote: the standby keeps the funded identity
	// and the active is never re-promoted.
	require.Equal(t, identityPK, sim.nodes["bravo"].identity)
	require.Equal(t, unfundedPK, sim.nodes["alpha"].identity)
	require.Empty(t, sim.commands("set-identity /keys/funded.json"))

	require.Len(t, sender.events, 1)
	require.False(t, sender.events[0].Success)
	require.Contains(t, sender.events[0].Error, "post-verify")
}

type frozenWatcher struct{}

func (frozenWatcher) GetVoteAccount(context.Context, string) (*rpcclient.VoteAccount, error) {
	return &rpcclient.VoteAccount{VotePubkey: votePK, LastVote: 100}, nil
}

func TestSwitchAmbiguousRoleAborts(t *testing.T) {
	tests := []struct {
		name          string
		alphaIdentity string
		bravoIdentity string
	}{
		{name: "both funded", alphaIdentity: "/keys/funded.json", bravoIdentity: "/keys/funded.json"},
		{name: "neither funded", alphaIdentity: "/keys/unfunded.json", bravoIdentity: "/keys/unfunded.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := healthySim()
			sim.nodes["alpha"].probeOut = probeFrames(tt.alphaIdentity, "caught up", identityPK)
			sim.nodes["bravo"].probeOut = probeFrames(tt.bravoIdentity, "caught up", identityPK)
			o := newTestOrchestrator(sim, &fakeSender{})

			res := o.Switch(context.Background(), testPair(), Options{})
			require.Equal(t, OutcomeAborted, res.Outcome)
			require.ErrorIs(t, res.Err, ErrAmbiguousRole)
			require.Empty(t, sim.commands("set-identity"))
		})
	}
}

func TestSwitchForceSkipsTowerTransfer(t *testing.T) {
	sim := healthySim()
	o := newTestOrchestrator(sim, &fakeSender{})

	res := o.Switch(context.Background(), testPair(), Options{Force: true})
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeDone, res.Outcome)
	require.Empty(t, sim.commands("base64 -d"))
	for _, s := range res.Steps {
		require.NotEqual(t, StateTowerTransfer, s.State)
	}
}

func TestSwitchAltClientWithoutCtlAborts(t *testing.T) {
	sim := healthySim()
	sim.nodes["bravo"].probeOut = strings.Replace(
		probeFrames("/keys/unfunded.json", "caught up", identityPK),
		"/usr/bin/agave-validator", "/opt/firedancer/build/native/gcc/bin/fdctl", 1)
	o := newTestOrchestrator(sim, &fakeSender{})

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.ErrorIs(t, res.Err, ErrAltCtlMissing)
	require.Empty(t, sim.commands("set-identity"))
}

func TestSwitchDemoteFailureRollsBack(t *testing.T) {
	sim := healthySim()
	sim.nodes["alpha"].adminErr = fmt.Errorf("%w", sshpool.ErrChannelClosed)
	o := newTestOrchestrator(sim, &fakeSender{})

	res := o.Switch(context.Background(), testPair(), Options{})
	require.Equal(t, OutcomeAborted, res.Outcome)
	// The rollback itself also fails (the admin channel is down), which must
	// surface as a rollback failure rather than silently passing.
	require.ErrorIs(t, res.Err, ErrRollbackFailed)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "Planning", StatePlanning.String())
	require.Equal(t, "TowerTransfer", StateTowerTransfer.String())
	require.Equal(t, "RollbackDemote", StateRollbackDemote.String())
}
