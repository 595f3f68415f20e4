// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package probe

// ClientKind identifies which validator client is running on a node.
type ClientKind int

const (
	KindUnknown ClientKind = iota
	KindAgave
	KindFiredancer
	KindFrankendancer
)

func (k ClientKind) String() string {
	switch k {
	case KindAgave:
		return "Agave"
	case KindFiredancer:
		return "Firedancer"
	case KindFrankendancer:
		return "Frankendancer"
	default:
		return "Unknown"
	}
}

// IsAlt reports whether the client is driven through the alternate control
// binary rather than the primary admin surface.
func (k ClientKind) IsAlt() bool {
	return k == KindFiredancer || k == KindFrankendancer
}

// SyncState is the catchup probe outcome.
type SyncState int

const (
	SyncUnknown SyncState = iota
	SyncInSync
	SyncBehind
)

// SyncStatus carries the catchup state and, when behind, the slot distance.
type SyncStatus struct {
	State       SyncState
	SlotsBehind uint64
}

func (s SyncStatus) String() string {
	switch s.State {
	case SyncInSync:
		return "In Sync"
	case SyncBehind:
		return "Behind"
	default:
		return "Unknown"
	}
}

// FileKey names one of the remote files the controller depends on.
type FileKey string

const (
	FileFunded   FileKey = "funded_id"
	FileUnfunded FileKey = "unfunded_id"
	FileVote     FileKey = "vote_key"
	FileLedger   FileKey = "ledger"
	FileCLI      FileKey = "cli"
)

// FileStat records the observed access bits of one remote file.
type FileStat struct {
	Present  bool
	Readable bool
	Writable bool
}

// ProcessInfo describes the validator process found on a node.
type ProcessInfo struct {
	Running      bool
	Kind         ClientKind
	CommandLine  string
	BinaryPath   string
	IdentityPath string // the --identity argument of the running process, if any
	Version      string
}

// Snapshot is the typed result of one batched probe. Every field beyond
// Connected is optional: a probe sub-step that failed is represented as
// absent, never inferred.
type Snapshot struct {
	Connected bool

	Process    *ProcessInfo
	DiskUsePct *int
	DiskFreeKB *uint64
	Load1m     *float64
	Sync       *SyncStatus

	Files  map[FileKey]FileStat
	Towers []string // tower glob matches, in listing order

	// Pubkeys derived remotely from the key files; empty when underivable.
	FundedPubkey   string
	UnfundedPubkey string
	VotePubkey     string

	// Derived pubkeys compared against the declared ones; nil if uncheckable.
	IdentityMatch *bool
	VoteMatch     *bool
}

// DiskFreeGB converts the free space to whole gigabytes, the unit the
// readiness rules and operator messages use.
func (s *Snapshot) DiskFreeGB() (uint64, bool) {
	if s.DiskFreeKB == nil {
		return 0, false
	}
	return *s.DiskFreeKB / 1024 / 1024, true
}
