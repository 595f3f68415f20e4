// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"

	"github.com/luxfi/vswitch/swap"
)

// runMenu is the no-arguments interactive loop.
func runMenu(ctx context.Context, app *App) error {
	fmt.Println("Validator Switch - hot identity switching from your terminal")
	for {
		prompt := promptui.Select{
			Label: "What would you like to do?",
			Items: []string{
				"Status - check current validator status",
				"Switch - move the funded identity to the standby",
				"Dry run - preview the switch without executing",
				"Exit",
			},
		}
		i, _, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) {
				return nil
			}
			return err
		}

		switch i {
		case 0:
			if err := runStatus(ctx, app); err != nil {
				fmt.Println("Error:", err)
			}
		case 1:
			if err := confirmAndSwitch(ctx, app); err != nil {
				fmt.Println("Error:", err)
			}
		case 2:
			if err := runSwitch(ctx, app, swap.Options{DryRun: true}); err != nil {
				fmt.Println("Error:", err)
			}
		default:
			return nil
		}
	}
}

func confirmAndSwitch(ctx context.Context, app *App) error {
	confirm := promptui.Prompt{
		Label:     "Execute the switch now",
		IsConfirm: true,
	}
	if _, err := confirm.Run(); err != nil {
		fmt.Println("Switch cancelled.")
		return nil
	}
	return runSwitch(ctx, app, swap.Options{})
}
