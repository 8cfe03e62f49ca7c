package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect once and print the aggregated connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := b.Start(ctx); err != nil {
				return err
			}
			// the push channel activates asynchronously after its handshake
			deadline := time.Now().Add(wait)
			for !b.ConnectionStatus().FullyConnected && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			return printResult(stdout(cmd), b.ConnectionStatus())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "How long to wait for both channels")
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the service health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			hs, err := b.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), hs)
		},
	}
}
