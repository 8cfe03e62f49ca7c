package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/studiobridge/pkg/eventbus"
	"github.com/go-go-golems/studiobridge/pkg/journal"
)

func openJournal(path string) (*journal.Store, error) {
	dsn, err := journal.DSNForFile(path)
	if err != nil {
		return nil, err
	}
	return journal.NewStore(dsn)
}

func newJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the sqlite event journal written by watch",
	}

	var (
		event string
		since time.Duration
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.JournalPath == "" {
				return errors.New("--journal-path is required")
			}
			store, err := openJournal(s.JournalPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			q := journal.Query{Event: eventbus.Event(event), Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			entries, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), entries)
		},
	}
	list.Flags().StringVar(&event, "event", "", "Only list this event")
	list.Flags().DurationVar(&since, "since", 0, "Only list events newer than this")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	cmd.AddCommand(list)
	return cmd
}
