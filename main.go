package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoicesync/app"
)

// main is the entry point for the application.
// It initializes the core application logic, builds the CLI interface,
// and executes the command provided by the user.
func main() {
	// Interrupts cancel the run; the watermark is then left where it was.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Create the core application object which contains the business logic.
	application := app.New()

	// Build the CLI command structure, injecting the application logic.
	cmd := BuildCLI(application, time.Now)

	// Run the CLI, passing command-line arguments.
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
