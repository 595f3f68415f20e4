// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
)

func newConfigCommand(configPath *string, app **App, logger log.Logger) *cobra.Command {
	var (
		list bool
		edit bool
		test bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case edit:
				return editConfig(*configPath)
			case test:
				return testConfig(cmd.Context(), *configPath, logger)
			default:
				// --list is also the default action.
				return listConfig(*configPath)
			}
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list current configuration")
	cmd.Flags().BoolVarP(&edit, "edit", "e", false, "edit configuration file in $EDITOR")
	cmd.Flags().BoolVarP(&test, "test", "t", false, "test node connections and alert channels")
	return cmd
}

func listConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			fmt.Printf("No configuration found at %s.\nCreate one by hand; see the documented schema.\n", path)
			return nil
		}
		return err
	}

	fmt.Printf("Configuration: %s (version %s)\n", path, cfg.Version)
	fmt.Printf("SSH key: %s\n", cfg.SSHKeyPath)
	for i, pair := range cfg.Validators {
		fmt.Printf("\nValidator Pair %d\n", i+1)
		fmt.Printf("  Vote account: %s\n", pair.VotePubkey)
		fmt.Printf("  Identity:     %s\n", pair.IdentityPubkey)
		fmt.Printf("  RPC:          %s\n", pair.RPC)
		for _, node := range pair.Nodes {
			fmt.Printf("  Node %-8s %s@%s:%d\n", node.Label, node.User, node.Host, node.Port)
		}
	}
	if cfg.Alerts.Enabled {
		fmt.Printf("\nAlerts: enabled (delinquency threshold %ds)\n",
			cfg.Alerts.DelinquencyThresholdSeconds)
	} else {
		fmt.Println("\nAlerts: disabled")
	}
	return nil
}

func editConfig(path string) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, path)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("editor: %w", err)
	}
	// Re-validate so a broken edit is reported immediately.
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Println("Configuration is valid.")
	return nil
}

func testConfig(ctx context.Context, path string, logger log.Logger) error {
	app, err := loadApp(path, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var nodes []config.NodeConfig
	for _, pair := range app.Config.Validators {
		nodes = append(nodes, pair.Nodes...)
	}

	fmt.Println("Testing node connections...")
	failed := false
	for i, err := range app.Pool.TestConnections(ctx, nodes) {
		if err != nil {
			failed = true
			fmt.Printf("  ❌ %s: %v\n", nodes[i].Label, err)
		} else {
			fmt.Printf("  ✅ %s\n", nodes[i].Label)
		}
	}

	if app.Config.Alerts.Enabled {
		fmt.Println("Testing alert channels...")
		var validators [][2]string
		for _, pair := range app.Config.Validators {
			validators = append(validators, [2]string{pair.IdentityPubkey, pair.VotePubkey})
		}
		err := app.Alerter.Send(ctx, alert.Event{Type: alert.EventTest, Validators: validators})
		switch {
		case err == nil:
			fmt.Println("  ✅ Telegram: test message sent")
		case errors.Is(err, alert.ErrNoChannel):
			fmt.Println("  ⚠️  Telegram: not configured")
		default:
			failed = true
			fmt.Printf("  ❌ Telegram: %v\n", err)
		}
	}

	if failed {
		return ExitCodeError{Code: 1}
	}
	return nil
}
