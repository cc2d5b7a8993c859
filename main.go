// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/getmusterup/sentinel-agent/cmd"
)

// main is the entry point for the sentinel-agent CLI.
func main() {
	// Cancelled on SIGINT/SIGTERM so agents can flush and close.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		os.Exit(1)
	}
}
