// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/luxfi/vswitch/swap"
)

func newSwitchCommand(app **App) *cobra.Command {
	var (
		dryRun bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "switch",
		Short: "Switch the funded identity between the paired validators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwitch(cmd.Context(), *app, swap.Options{DryRun: dryRun, Force: force})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview the switch without executing")
	cmd.Flags().BoolVar(&force, "force", false, "skip the tower transfer (standby already has a fresh tower)")
	return cmd
}

func runSwitch(ctx context.Context, app *App, opts swap.Options) error {
	orch := swap.New(app.Pool, app.Alerter, app.Log)

	var worst *swap.Result
	for i, pair := range app.Config.Validators {
		fmt.Printf("\nValidator Pair %d - Vote: %s\n", i+1, pair.VotePubkey)

		bar := progressbar.NewOptions(6,
			progressbar.OptionSetDescription("switching"),
			progressbar.OptionClearOnFinish(),
		)
		orch.OnStep = func(s swap.State) {
			bar.Describe(s.String())
			_ = bar.Add(1)
		}
		res := orch.Switch(ctx, pair, opts)
		_ = bar.Finish()

		printResult(res, opts)
		if worst == nil || res.Outcome.ExitCode() > worst.Outcome.ExitCode() {
			worst = res
		}
	}

	if worst != nil && worst.Outcome.ExitCode() != 0 {
		return ExitCodeError{Code: worst.Outcome.ExitCode()}
	}
	return nil
}

func printResult(res *swap.Result, opts swap.Options) {
	switch res.Outcome {
	case swap.OutcomeDryRun:
		fmt.Printf("Dry run: would switch %s -> %s\n", res.Active, res.Standby)
	case swap.OutcomeDone:
		fmt.Printf("✅ Switched %s -> %s\n", res.Active, res.Standby)
	case swap.OutcomePostVerifyFailed:
		fmt.Printf("❌ SWITCH FAILED — manual intervention required: %v\n", res.Err)
	default:
		fmt.Printf("❌ Switch aborted: %v\n", res.Err)
	}

	for _, step := range res.Steps {
		mark := "✅"
		if step.Err != nil {
			mark = "❌"
		}
		fmt.Printf("  %s %-14s %s\n", mark, step.State, step.Elapsed.Round(time.Millisecond))
	}

	if res.Err != nil {
		for label, report := range res.Checklists {
			if report.Ready {
				continue
			}
			fmt.Printf("  %s checklist:\n", label)
			for _, check := range report.Checklist {
				mark := "✅"
				if !check.OK {
					mark = "❌"
				}
				fmt.Printf("    %s %s\n", mark, check.Label)
			}
		}
	}
}
