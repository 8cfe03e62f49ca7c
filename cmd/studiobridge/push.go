package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

func newPushCommand() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "push <type> [data]",
		Short: "Send one envelope over the push channel",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data protocol.Document
			if len(args) == 2 {
				d, err := readDocument(args[1])
				if err != nil {
					return err
				}
				data = d
			}
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			if err := b.Start(cmd.Context()); err != nil {
				return err
			}

			env := protocol.Envelope{Type: args[0], Data: data}
			deadline := time.Now().Add(wait)
			for !b.SendPushMessage(env) {
				if time.Now().After(deadline) {
					return errors.New("push channel not open")
				}
				time.Sleep(20 * time.Millisecond)
			}
			printLine(cmd, "sent %s", env.Type)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "How long to wait for the push channel")
	return cmd
}
