package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/carina-go/pkg/httpclient"
)

func newPublishCommand() *cobra.Command {
	var (
		channel string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a live event through the dev server",
		Long: `Publish a live event to every connection subscribed to a channel on a
carina-devserver. The payload must be valid JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), cmd.OutOrStdout(), channel, payload)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Channel slug to publish to (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Event payload as JSON")
	if err := cmd.MarkFlagRequired("channel"); err != nil {
		panic(fmt.Sprintf("Failed to mark channel as required: %v", err))
	}

	return cmd
}

func newHTTPClient() (*httpclient.Client, error) {
	return httpclient.NewClient(httpclient.Config{
		ServerURL: serverURL,
		Token:     jwtToken,
		Timeout:   timeout,
	})
}

func runPublish(ctx context.Context, out io.Writer, channel, payload string) error {
	if !json.Valid([]byte(payload)) {
		return errors.New("invalid JSON payload")
	}

	client, err := newHTTPClient()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fmt.Fprintf(out, "Publishing event to '%s'...\n", channel)
	resp, err := client.Publish(ctx, channel, json.RawMessage(payload))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Event published to %d connection(s)\n", resp.Delivered)
	return nil
}
