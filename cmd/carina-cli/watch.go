package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/carina-go/pkg/carina"
)

func newWatchCommand() *cobra.Command {
	var (
		slugs        []string
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to live events and print them",
		Long: `Subscribe to one or more live event slugs and print every event as it
arrives. Press Ctrl+C to unsubscribe and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), slugs, prettyFormat)
		},
	}

	cmd.Flags().StringSliceVar(&slugs, "slug", nil, "Live event slug to subscribe to (repeatable)")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")
	if err := cmd.MarkFlagRequired("slug"); err != nil {
		panic(fmt.Sprintf("Failed to mark slug as required: %v", err))
	}

	return cmd
}

func runWatch(ctx context.Context, out io.Writer, slugs []string, pretty bool) error {
	client, err := carina.New(settings.SocketConfig(logger), carina.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	var (
		mu    sync.Mutex
		count int
	)
	for _, slug := range slugs {
		handler := func(payload json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			count++
			printEvent(out, slug, payload, count, pretty)
		}

		subCtx, cancel := context.WithTimeout(ctx, timeout)
		err := client.Subscribe(subCtx, slug, handler)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", slug, err)
		}
		fmt.Fprintf(out, "📡 Subscribed to %s\n", slug)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop watching")

	<-ctx.Done()
	fmt.Fprintln(out, "\n🛑 Unsubscribing...")

	for _, slug := range slugs {
		unsubCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := client.Unsubscribe(unsubCtx, slug); err != nil {
			fmt.Fprintf(out, "Warning: failed to unsubscribe from %s: %v\n", slug, err)
		}
		cancel()
	}

	mu.Lock()
	fmt.Fprintf(out, "✅ Stopped. Received %d events.\n", count)
	mu.Unlock()
	return nil
}

func printEvent(out io.Writer, slug string, payload json.RawMessage, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Event #%d on %s:\n", count, slug)
	if !pretty {
		fmt.Fprintf(out, "   %s\n", string(payload))
		return
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		fmt.Fprintf(out, "   %s\n", string(payload))
		return
	}
	indented, err := json.MarshalIndent(v, "   ", "  ")
	if err != nil {
		fmt.Fprintf(out, "   %s\n", string(payload))
		return
	}
	fmt.Fprintf(out, "   %s\n", string(indented))
}
