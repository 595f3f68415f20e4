// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/probe"
	"github.com/luxfi/vswitch/readiness"
)

func newStatusCommand(app **App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check current validator status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), *app)
		},
	}
}

// nodeStatus pairs a snapshot with its readiness report for display.
type nodeStatus struct {
	snap   *probe.Snapshot
	report *readiness.Report
}

// runStatus probes the pairs one after another, the nodes of each pair in
// parallel, and prints one table per pair. Always exits 0: status is informational.
func runStatus(ctx context.Context, app *App) error {
	prober := probe.New(app.Pool, app.Log)

	for i, pair := range app.Config.Validators {
		statuses := make([]nodeStatus, len(pair.Nodes))
		var wg sync.WaitGroup
		for j, node := range pair.Nodes {
			wg.Add(1)
			go func(j int, node config.NodeConfig) {
				defer wg.Done()
				snap := prober.Probe(ctx, node, pair)
				// The per-node view uses the stricter active-role rules so
				// the checklist reflects full switch readiness.
				statuses[j] = nodeStatus{
					snap:   snap,
					report: readiness.Verify(snap, readiness.RoleActive, readiness.Options{}),
				}
			}(j, node)
		}
		wg.Wait()

		fmt.Printf("\nValidator Pair %d - Vote: %s\n\n", i+1, pair.VotePubkey)
		renderPairTable(pair, statuses)
	}
	return nil
}

func renderPairTable(pair config.ValidatorPair, statuses []nodeStatus) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("", nodeHeading(pair.Nodes[0]), nodeHeading(pair.Nodes[1]))

	rows := []struct {
		label  string
		format func(nodeStatus) string
	}{
		{"Connection", formatConnection},
		{"Process", formatProcess},
		{"Version", formatVersion},
		{"Disk Usage", formatDisk},
		{"System Load", formatLoad},
		{"Sync Status", formatSync},
		{"Identity Match", func(s nodeStatus) string { return formatMatch(s.snap.IdentityMatch) }},
		{"Vote Account Match", func(s nodeStatus) string { return formatMatch(s.snap.VoteMatch) }},
		{"Switch Ready", formatReady},
	}
	for _, row := range rows {
		table.Append([]string{row.label, row.format(statuses[0]), row.format(statuses[1])})
	}

	max := len(statuses[0].report.Checklist)
	if n := len(statuses[1].report.Checklist); n > max {
		max = n
	}
	for i := 0; i < max; i++ {
		label := ""
		if i == 0 {
			label = "  Checklist"
		}
		table.Append([]string{label, checklistLine(statuses[0].report, i), checklistLine(statuses[1].report, i)})
	}
	table.Render()

	for j, st := range statuses {
		if len(st.report.Issues) > 0 {
			fmt.Printf("\n%s issues:\n", pair.Nodes[j].Label)
			for _, issue := range st.report.Issues {
				fmt.Printf("  - %s\n", issue)
			}
		}
	}
}

func nodeHeading(node config.NodeConfig) string {
	return fmt.Sprintf("%s (%s)", node.Label, node.Host)
}

func formatConnection(s nodeStatus) string {
	if s.snap.Connected {
		return "✅ Connected"
	}
	return "❌ Failed"
}

func formatProcess(s nodeStatus) string {
	switch {
	case s.snap.Process == nil:
		return "❓ Unknown"
	case s.snap.Process.Running:
		return "✅ Running"
	default:
		return "❌ Stopped"
	}
}

func formatVersion(s nodeStatus) string {
	if s.snap.Process == nil || s.snap.Process.Version == "" {
		return "N/A"
	}
	return s.snap.Process.Version
}

func formatDisk(s nodeStatus) string {
	if s.snap.DiskUsePct == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d%%", *s.snap.DiskUsePct)
}

func formatLoad(s nodeStatus) string {
	if s.snap.Load1m == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *s.snap.Load1m)
}

func formatSync(s nodeStatus) string {
	if s.snap.Sync == nil {
		return "N/A"
	}
	if s.snap.Sync.State == probe.SyncBehind {
		return fmt.Sprintf("Behind (%d slots)", s.snap.Sync.SlotsBehind)
	}
	return s.snap.Sync.String()
}

func formatMatch(match *bool) string {
	switch {
	case match == nil:
		return "❓ Unverified"
	case *match:
		return "✅ Verified"
	default:
		return "❌ Failed"
	}
}

func formatReady(s nodeStatus) string {
	if s.report.Ready {
		return "✅ Ready"
	}
	return "❌ Not Ready"
}

func checklistLine(report *readiness.Report, i int) string {
	if i >= len(report.Checklist) {
		return ""
	}
	check := report.Checklist[i]
	mark := "✅"
	if !check.OK {
		mark = "❌"
	}
	return fmt.Sprintf("%s %s", mark, check.Label)
}
