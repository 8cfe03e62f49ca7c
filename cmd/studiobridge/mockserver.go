package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/studiobridge/pkg/fakeremote"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

func newMockServerCommand() *cobra.Command {
	var (
		addr           string
		statusInterval time.Duration
		unhealthy      bool
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-process fake of the remote service for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := fakeremote.New()
			if unhealthy {
				remote.SetHealth(protocol.HealthStatus{Status: "degraded"})
			}
			server := &http.Server{
				Addr:              addr,
				Handler:           remote,
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			eg, ctx := errgroup.WithContext(ctx)

			eg.Go(func() error {
				log.Info().Str("addr", addr).Msg("starting mock server")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "listen")
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down mock server")
				remote.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			if statusInterval > 0 {
				eg.Go(func() error {
					ticker := time.NewTicker(statusInterval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case t := <-ticker.C:
							env, err := protocol.NewEnvelope(protocol.PushServerStatus, map[string]any{
								"time":        t.UTC().Format(time.RFC3339),
								"connections": remote.Connections(),
							})
							if err != nil {
								return err
							}
							remote.Broadcast(env)
						}
					}
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "Broadcast server_status at this period")
	cmd.Flags().BoolVar(&unhealthy, "unhealthy", false, "Report a degraded health status")
	return cmd
}
