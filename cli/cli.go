// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cli wires the operator-facing command surface. All rendering and
// prompting lives here, outside the core packages.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"
	"github.com/spf13/cobra"

	"github.com/luxfi/vswitch/alert"
	"github.com/luxfi/vswitch/config"
	"github.com/luxfi/vswitch/sshpool"
)

// ExitCodeError carries a specific process exit code up to main.
type ExitCodeError struct {
	Code int
}

func (e ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// App is the per-process session state: the immutable configuration and the
// shared shell pool, created once and torn down on exit.
type App struct {
	ConfigPath string
	Config     *config.Config
	Pool       *sshpool.Pool
	Alerter    *alert.Dispatcher
	Log        log.Logger
}

// loadApp initializes session state from the configuration file.
func loadApp(configPath string, logger log.Logger) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &App{
		ConfigPath: configPath,
		Config:     cfg,
		Pool:       sshpool.New(logger, cfg.SSHKeyPath),
		Alerter:    alert.New(cfg.Alerts, logger),
		Log:        logger,
	}, nil
}

// Close releases the session state.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// NewRootCommand builds the vswitch command tree.
func NewRootCommand(logger log.Logger) *cobra.Command {
	var (
		configPath string
		app        *App
	)

	root := &cobra.Command{
		Use:           "vswitch",
		Short:         "Hot identity switch between paired validator nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// `config` must work without a valid file to be able to say so.
			switch cmd.Name() {
			case "config", "help", "completion":
				return nil
			}
			var err error
			app, err = loadApp(configPath, logger)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if app != nil {
				app.Close()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMenu(cmd.Context(), app)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(),
		"path to the configuration file")

	root.AddCommand(
		newStatusCommand(&app),
		newSwitchCommand(&app),
		newMonitorCommand(&app),
		newConfigCommand(&configPath, &app, logger),
	)
	return root
}

// Main runs the command tree and returns the process exit code. An operator
// interrupt cancels the context; the switch orchestrator defers that
// cancellation through Promote on its own.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewLogger("vswitch")
	root := NewRootCommand(logger)
	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr ExitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
