package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check dev server health",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := newHTTPClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintln(out, "✅ Server is healthy!")
	} else {
		fmt.Fprintln(out, "❌ Server is not healthy!")
	}
	fmt.Fprintf(out, "Connections: %d\n", health.Connections)
	fmt.Fprintf(out, "Channels: %d\n", health.Channels)
	fmt.Fprintf(out, "Subscriptions: %d\n", health.Subscriptions)
	return nil
}
