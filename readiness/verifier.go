// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package readiness decides whether a node is switch-safe from a probe
// snapshot plus the pair's declared public keys.
package readiness

import (
	"fmt"

	"github.com/luxfi/vswitch/probe"
)

// RoleAfter is the role a node is intended to hold once the switch completes.
type RoleAfter int

const (
	// RoleActive: the node will assume the funded identity.
	RoleActive RoleAfter = iota
	// RoleStandby: the node will step down to the unfunded identity.
	RoleStandby
)

func (r RoleAfter) String() string {
	if r == RoleActive {
		return "active"
	}
	return "standby"
}

// Checklist labels, in the order they are evaluated and displayed.
const (
	LabelConnection = "Connection"
	LabelFunded     = "Funded Identity"
	LabelIdentity   = "Identity Match"
	LabelUnfunded   = "Unfunded Identity"
	LabelVoteKey    = "Vote Keypair"
	LabelVoteMatch  = "Vote Account Match"
	LabelTower      = "Tower File"
	LabelLedger     = "Ledger Directory"
	LabelCLI        = "CLI Binary"
	LabelDisk       = "Disk Space (>10GB)"
	LabelProcess    = "Validator Process"
	LabelSync       = "Sync Status"
)

// MinFreeGB is the hard disk-space floor: exactly this much passes, one KiB
// less does not.
const MinFreeGB = 10

// DefaultMaxSlotsBehind is the slot budget a future-active node may trail by.
const DefaultMaxSlotsBehind = 500

// Check is one line of the readiness checklist.
type Check struct {
	Label string
	OK    bool
}

// Report is the verifier's decision with its supporting checklist.
type Report struct {
	Ready     bool
	Checklist []Check
	Issues    []string
}

// Options tune the verifier thresholds.
type Options struct {
	MaxSlotsBehind uint64
}

// Verify decides Ready/NotReady for one node snapshot. All checks always run
// so the checklist is complete even when an early one fails; Ready is the
// conjunction of every check.
func Verify(snap *probe.Snapshot, role RoleAfter, opts Options) *Report {
	if opts.MaxSlotsBehind == 0 {
		opts.MaxSlotsBehind = DefaultMaxSlotsBehind
	}
	r := &Report{Ready: true}

	r.add(LabelConnection, snap.Connected, "Connection failed")
	if !snap.Connected {
		// Nothing else in the snapshot is meaningful; fail the remaining
		// checks explicitly so the checklist shape is stable.
		for _, label := range []string{
			LabelFunded, LabelIdentity, LabelUnfunded, LabelVoteKey, LabelVoteMatch,
			LabelTower, LabelLedger, LabelCLI, LabelDisk, LabelProcess, LabelSync,
		} {
			r.Checklist = append(r.Checklist, Check{Label: label})
		}
		r.Ready = false
		return r
	}

	funded := snap.Files[probe.FileFunded]
	r.add(LabelFunded, funded.Readable, "Funded identity keypair missing or not readable")
	r.add(LabelIdentity, snap.IdentityMatch != nil && *snap.IdentityMatch,
		identityIssue(snap))

	unfunded := snap.Files[probe.FileUnfunded]
	r.add(LabelUnfunded, unfunded.Readable, "Unfunded identity keypair missing or not readable")

	voteKey := snap.Files[probe.FileVote]
	r.add(LabelVoteKey, voteKey.Readable, "Vote keypair missing or not readable")
	r.add(LabelVoteMatch, snap.VoteMatch != nil && *snap.VoteMatch,
		voteIssue(snap))

	r.add(LabelTower, len(snap.Towers) == 1,
		fmt.Sprintf("Tower glob must match exactly one file, matched %d", len(snap.Towers)))

	ledger := snap.Files[probe.FileLedger]
	r.add(LabelLedger, ledger.Writable, "Ledger directory missing or not writable")

	cli := snap.Files[probe.FileCLI]
	r.add(LabelCLI, cli.Readable, "CLI binary not executable")

	freeKB := uint64(0)
	if snap.DiskFreeKB != nil {
		freeKB = *snap.DiskFreeKB
	}
	diskOK := freeKB >= MinFreeGB*1024*1024
	r.add(LabelDisk, diskOK,
		fmt.Sprintf("Low disk space: %dGB free (minimum %dGB)", freeKB/1024/1024, MinFreeGB))

	running := snap.Process != nil && snap.Process.Running
	r.add(LabelProcess, running, "Validator process not running")

	if role == RoleActive {
		// The future active must not be materially behind the tip.
		behind := snap.Sync != nil && snap.Sync.State == probe.SyncBehind &&
			snap.Sync.SlotsBehind > opts.MaxSlotsBehind
		issue := ""
		if behind {
			issue = fmt.Sprintf("Sync Status: Behind (%d slots)", snap.Sync.SlotsBehind)
		}
		r.add(LabelSync, !behind, issue)
	} else {
		r.Checklist = append(r.Checklist, Check{Label: LabelSync, OK: true})
	}

	return r
}

func identityIssue(snap *probe.Snapshot) string {
	if snap.IdentityMatch == nil {
		return "Identity could not be verified"
	}
	return fmt.Sprintf("Funded identity derives to %s, not the configured identity", snap.FundedPubkey)
}

func voteIssue(snap *probe.Snapshot) string {
	if snap.VoteMatch == nil {
		return "Vote account could not be verified"
	}
	return fmt.Sprintf("Vote keypair derives to %s, not the configured vote account", snap.VotePubkey)
}

func (r *Report) add(label string, ok bool, issue string) {
	r.Checklist = append(r.Checklist, Check{Label: label, OK: ok})
	if !ok {
		r.Ready = false
		if issue != "" {
			r.Issues = append(r.Issues, issue)
		}
	}
}
