// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package probe collects a node's momentary state in one batched shell round
// trip. The script emits framed sections ("=== NAME ===") and the parser
// turns them into a typed Snapshot; the framing is the wire format between
// the two and is tested as such.
package probe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/sshpool"
)

// Frame names emitted by the batched script.
const (
	frameProcesses = "PROCESSES"
	frameDisk      = "DISK"
	frameLoad      = "LOAD"
	frameSync      = "SYNC"
	frameFiles     = "FILES"
	frameKeys      = "KEYS"
	frameEnd       = "END"
)

var (
	behindRe    = regexp.MustCompile(`(\d+)\s+slot`)
	firstWordRe = regexp.MustCompile(`^\S+`)
)

// processMatch is the grep alternation for validator executables, primary
// client first.
const processMatch = "agave-validator|solana-validator|fdctl|firedancer"

// Prober composes and runs the batched probe against one node.
type Prober struct {
	runner sshpool.CommandRunner
	log    log.Logger
}

// New creates a Prober on top of runner.
func New(runner sshpool.CommandRunner, logger log.Logger) *Prober {
	return &Prober{runner: runner, log: logger}
}

// BuildScript composes the single framed probe command for node.
func BuildScript(node config.NodeConfig) string {
	p := node.Paths
	lines := []string{
		fmt.Sprintf("echo '=== %s ==='", frameProcesses),
		fmt.Sprintf("ps aux | grep -Ei '%s' | grep -v grep", processMatch),
		fmt.Sprintf("echo '=== %s ==='", frameDisk),
		fmt.Sprintf(`df -P %s | tail -1 | awk '{print $5" "$4}'`, p.LedgerDir),
		fmt.Sprintf("echo '=== %s ==='", frameLoad),
		`uptime | awk -F'load average:' '{print $2}' | awk '{print $1}' | sed 's/,//'`,
		fmt.Sprintf("echo '=== %s ==='", frameSync),
		fmt.Sprintf("timeout 3 %s catchup --our-localhost 2>/dev/null || echo timeout", p.CLIBinary),
		fmt.Sprintf("echo '=== %s ==='", frameFiles),
		fmt.Sprintf("test -r %s && echo funded_ok || echo funded_fail", p.FundedIdentity),
		fmt.Sprintf("test -r %s && echo unfunded_ok || echo unfunded_fail", p.UnfundedIdentity),
		fmt.Sprintf("test -r %s && echo vote_ok || echo vote_fail", p.VoteKeypair),
		fmt.Sprintf(`ls -1 %s 2>/dev/null | while read f; do echo "tower:$f"; done`, p.TowerGlob),
		fmt.Sprintf("test -d %s && test -w %s && echo ledger_ok || echo ledger_fail", p.LedgerDir, p.LedgerDir),
		fmt.Sprintf("test -x %s && echo cli_ok || echo cli_fail", p.CLIBinary),
		fmt.Sprintf("echo '=== %s ==='", frameKeys),
		fmt.Sprintf(`echo "funded:$(%s address -k %s 2>/dev/null)"`, p.CLIBinary, p.FundedIdentity),
		fmt.Sprintf(`echo "unfunded:$(%s address -k %s 2>/dev/null)"`, p.CLIBinary, p.UnfundedIdentity),
		fmt.Sprintf(`echo "vote:$(%s address -k %s 2>/dev/null)"`, p.CLIBinary, p.VoteKeypair),
		fmt.Sprintf("echo '=== %s ==='", frameEnd),
	}
	return strings.Join(lines, "\n")
}

// Probe runs the batched script on node and parses the output. A transport
// failure yields a disconnected snapshot, not an error: absence of data is
// data here.
func (p *Prober) Probe(ctx context.Context, node config.NodeConfig, pair config.ValidatorPair) *Snapshot {
	res, err := p.runner.Execute(ctx, node, BuildScript(node))
	if err != nil {
		// grep exits 1 when no validator process matches; the frames are
		// still intact on stdout, so a plain non-zero exit is not fatal.
		var exitErr *sshpool.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Warn("probe failed",
				zap.String("node", node.Label),
				zap.Error(err),
			)
			return &Snapshot{Connected: false}
		}
	}

	snap := Parse(res.Stdout, pair.IdentityPubkey, pair.VotePubkey)

	if snap.Process != nil && snap.Process.Running {
		p.detectVersion(ctx, node, snap.Process)
	}
	return snap
}

// DeriveAddress derives the base58 public key of a remote key file using the
// node's CLI binary.
func (p *Prober) DeriveAddress(ctx context.Context, node config.NodeConfig, keyfile string) (string, error) {
	res, err := p.runner.Execute(ctx, node,
		fmt.Sprintf("%s address -k %s", node.Paths.CLIBinary, keyfile))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(res.Stdout)
	if addr == "" {
		return "", fmt.Errorf("no address derived from %s", keyfile)
	}
	return addr, nil
}

// detectVersion asks the detected binary for its version and normalizes the
// version token (the first token for the alternate clients, the one after
// the binary name for the primary client); the embedded client tag selects
// the flavour label.
func (p *Prober) detectVersion(ctx context.Context, node config.NodeConfig, proc *ProcessInfo) {
	if proc.BinaryPath == "" {
		return
	}
	res, err := p.runner.Execute(ctx, node, proc.BinaryPath+" --version")
	if err != nil {
		return
	}
	line := firstLine(res.Stdout)
	if line == "" {
		return
	}
	proc.Version = ParseVersionLine(proc.Kind, line)
}

// ParseVersionLine normalizes one --version output line to a display string.
func ParseVersionLine(kind ClientKind, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch {
	case kind.IsAlt():
		// Firedancer prints "0.505.20216 (44f9f393...)".
		return kind.String() + " " + fields[0]
	case strings.Contains(line, "client:JitoLabs"):
		// "agave-validator 2.2.16 (src:...; feat:..., client:JitoLabs)"
		if len(fields) > 1 {
			return "Jito " + fields[1]
		}
		return "Jito"
	default:
		if len(fields) > 1 {
			return "Agave " + fields[1]
		}
		return "Agave " + fields[0]
	}
}

// Parse turns one batched-script output into a Snapshot. It is a pure
// function of its input: missing frames and malformed numbers degrade to
// absent fields, and no input aborts the whole snapshot.
func Parse(output, identityPubkey, votePubkey string) *Snapshot {
	snap := &Snapshot{
		Connected: true,
		Files:     make(map[FileKey]FileStat),
	}

	for _, section := range strings.Split(output, "=== ") {
		name, body, ok := strings.Cut(section, " ===")
		if !ok {
			continue
		}
		lines := nonEmptyLines(body)
		switch name {
		case frameProcesses:
			parseProcesses(lines, snap)
		case frameDisk:
			parseDisk(lines, snap)
		case frameLoad:
			parseLoad(lines, snap)
		case frameSync:
			parseSync(lines, snap)
		case frameFiles:
			parseFiles(lines, snap)
		case frameKeys:
			parseKeys(lines, snap)
		}
	}

	if snap.FundedPubkey != "" && identityPubkey != "" {
		match := snap.FundedPubkey == identityPubkey
		snap.IdentityMatch = &match
	}
	if snap.VotePubkey != "" && votePubkey != "" {
		match := snap.VotePubkey == votePubkey
		snap.VoteMatch = &match
	}
	return snap
}

func parseProcesses(lines []string, snap *Snapshot) {
	proc := &ProcessInfo{Kind: KindUnknown}
	for _, line := range lines {
		if strings.Contains(line, "grep") {
			continue
		}
		kind := detectKind(line)
		if kind == KindUnknown {
			continue
		}
		proc.Running = true
		proc.Kind = kind
		proc.CommandLine = line
		proc.BinaryPath = extractBinaryPath(line)
		proc.IdentityPath = extractFlagValue(line, "--identity")
		break
	}
	snap.Process = proc
}

// detectKind matches client substrings in order: primary validator binary
// first, then the alternate client with its flavour tag.
func detectKind(line string) ClientKind {
	switch {
	case strings.Contains(line, "agave-validator"), strings.Contains(line, "solana-validator"):
		return KindAgave
	case strings.Contains(line, "frankendancer"):
		return KindFrankendancer
	case strings.Contains(line, "fdctl"), strings.Contains(line, "firedancer"):
		return KindFiredancer
	default:
		return KindUnknown
	}
}

func extractBinaryPath(line string) string {
	for _, part := range strings.Fields(line) {
		if strings.Contains(part, "agave-validator") ||
			strings.Contains(part, "solana-validator") ||
			strings.Contains(part, "fdctl") ||
			strings.Contains(part, "firedancer") {
			return part
		}
	}
	return ""
}

func extractFlagValue(line, flag string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == flag && i+1 < len(fields) {
			return fields[i+1]
		}
		if v, ok := strings.CutPrefix(f, flag+"="); ok {
			return v
		}
	}
	return ""
}

func parseDisk(lines []string, snap *Snapshot) {
	if len(lines) == 0 {
		return
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return
	}
	if pct, err := strconv.Atoi(strings.TrimSuffix(fields[0], "%")); err == nil && pct >= 0 && pct <= 100 {
		snap.DiskUsePct = &pct
	}
	if free, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
		snap.DiskFreeKB = &free
	}
}

func parseLoad(lines []string, snap *Snapshot) {
	if len(lines) == 0 {
		return
	}
	if load, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64); err == nil && load >= 0 {
		snap.Load1m = &load
	}
}

func parseSync(lines []string, snap *Snapshot) {
	if len(lines) == 0 {
		return
	}
	out := strings.ToLower(strings.Join(lines, " "))
	status := &SyncStatus{State: SyncUnknown}
	switch {
	case strings.Contains(out, "behind"):
		status.State = SyncBehind
		if m := behindRe.FindStringSubmatch(out); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 64); err == nil {
				status.SlotsBehind = n
			}
		}
	case strings.Contains(out, "timeout"):
		// The catchup probe is bounded at 3s; an expired timer means we do
		// not know, not that the node is behind.
		status.State = SyncUnknown
	case strings.Contains(out, "caught up"), strings.Contains(out, "us:"):
		status.State = SyncInSync
	}
	snap.Sync = status
}

func parseFiles(lines []string, snap *Snapshot) {
	for _, line := range lines {
		switch strings.TrimSpace(line) {
		case "funded_ok":
			snap.Files[FileFunded] = FileStat{Present: true, Readable: true}
		case "funded_fail":
			snap.Files[FileFunded] = FileStat{}
		case "unfunded_ok":
			snap.Files[FileUnfunded] = FileStat{Present: true, Readable: true}
		case "unfunded_fail":
			snap.Files[FileUnfunded] = FileStat{}
		case "vote_ok":
			snap.Files[FileVote] = FileStat{Present: true, Readable: true}
		case "vote_fail":
			snap.Files[FileVote] = FileStat{}
		case "ledger_ok":
			snap.Files[FileLedger] = FileStat{Present: true, Readable: true, Writable: true}
		case "ledger_fail":
			snap.Files[FileLedger] = FileStat{}
		case "cli_ok":
			snap.Files[FileCLI] = FileStat{Present: true, Readable: true}
		case "cli_fail":
			snap.Files[FileCLI] = FileStat{}
		default:
			if path, ok := strings.CutPrefix(strings.TrimSpace(line), "tower:"); ok && path != "" {
				snap.Towers = append(snap.Towers, path)
			}
		}
	}
}

func parseKeys(lines []string, snap *Snapshot) {
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = firstWordRe.FindString(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		switch key {
		case "funded":
			snap.FundedPubkey = value
		case "unfunded":
			snap.UnfundedPubkey = value
		case "vote":
			snap.VotePubkey = value
		}
	}
}

func nonEmptyLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
