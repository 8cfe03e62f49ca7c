package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/studiobridge/pkg/bridge"
	"github.com/go-go-golems/studiobridge/pkg/journal"
	"github.com/go-go-golems/studiobridge/pkg/redisstream"
)

func newWatchCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the bridge connected and stream its events as JSON lines",
		Long: "watch starts the bridge and mirrors every event to the configured Watermill transport " +
			"(in-process, or Redis Streams with --redis-enabled). Mirrored events are printed to " +
			"stdout and, with --journal-path, appended to a sqlite journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := bridge.New(s.BridgeOptions())
			if err != nil {
				return err
			}
			defer b.Destroy()

			if s.Mirror.Enabled {
				if err := redisstream.EnsureGroupAtTail(ctx, s.Mirror.Addr, s.Mirror.Topic, s.Mirror.Group); err != nil {
					return err
				}
			}
			ps, err := redisstream.Build(s.Mirror, nil)
			if err != nil {
				return err
			}
			defer func() { _ = ps.Close() }()

			records, err := redisstream.Records(ctx, ps.Subscriber, s.Mirror.Topic)
			if err != nil {
				return err
			}
			mirror, err := redisstream.NewMirror(b.Bus(), ps.Publisher, s.Mirror.Topic)
			if err != nil {
				return err
			}
			defer mirror.Close()

			if s.JournalPath != "" {
				store, err := openJournal(s.JournalPath)
				if err != nil {
					return errors.Wrap(err, "open journal")
				}
				defer func() { _ = store.Close() }()
				recorder := journal.NewRecorder(b.Bus(), store)
				defer recorder.Close()
			}

			if err := b.Start(ctx); err != nil {
				return err
			}

			eg := errgroup.Group{}
			eg.Go(func() error {
				enc := json.NewEncoder(stdout(cmd))
				for rec := range records {
					if quiet {
						continue
					}
					if err := enc.Encode(rec); err != nil {
						return errors.Wrap(err, "write event")
					}
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("received interrupt signal, shutting down")
				return nil
			})
			err = eg.Wait()
			// the final events of Destroy must still reach the mirror and the journal
			b.Destroy()
			return err
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print events; only mirror and journal them")
	return cmd
}
