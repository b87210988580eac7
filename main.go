// Package main is the entry point for the bastion service.
package main

import (
	"context"
	"fmt"
	"os"

	"bastion/bootstrap"
	"bastion/cmd"
)

// run initializes and starts the bastion process.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

// main is the entry point.
func main() {
	// Check if running as CLI command
	if len(os.Args) > 1 && os.Args[1] == "plans" {
		// Strip "plans" from os.Args since the command already knows it's
		// the plans command
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		plansCmd := cmd.NewPlansCmd()
		if err := plansCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
