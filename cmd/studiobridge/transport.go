package main

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/studiobridge/pkg/bridge"
	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

type transportOp func(ctx context.Context, b *bridge.Bridge, args []string) (protocol.TransportState, error)

func transportSubcommand(use, short string, args cobra.PositionalArgs, op transportOp) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			ts, err := op(cmd.Context(), b, argv)
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), ts)
		},
	}
}

func parseNumber(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return f, nil
}

func newTransportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transport",
		Short: "Control playback on the remote studio",
	}
	cmd.AddCommand(
		transportSubcommand("status", "Print the transport state", cobra.NoArgs,
			func(ctx context.Context, b *bridge.Bridge, _ []string) (protocol.TransportState, error) {
				return b.TransportStatus(ctx)
			}),
		transportSubcommand("play", "Start playback", cobra.NoArgs,
			func(ctx context.Context, b *bridge.Bridge, _ []string) (protocol.TransportState, error) {
				return b.Play(ctx)
			}),
		transportSubcommand("stop", "Stop playback", cobra.NoArgs,
			func(ctx context.Context, b *bridge.Bridge, _ []string) (protocol.TransportState, error) {
				return b.Stop(ctx)
			}),
		transportSubcommand("seek <seconds>", "Move the playhead", cobra.ExactArgs(1),
			func(ctx context.Context, b *bridge.Bridge, args []string) (protocol.TransportState, error) {
				pos, err := parseNumber("position", args[0])
				if err != nil {
					return protocol.TransportState{}, err
				}
				return b.Seek(ctx, pos)
			}),
		transportSubcommand("tempo <bpm>", "Set the tempo", cobra.ExactArgs(1),
			func(ctx context.Context, b *bridge.Bridge, args []string) (protocol.TransportState, error) {
				bpm, err := parseNumber("bpm", args[0])
				if err != nil {
					return protocol.TransportState{}, err
				}
				return b.SetTempo(ctx, bpm)
			}),
		transportSubcommand("loop <on|off> [start end]", "Enable or disable the loop region", cobra.RangeArgs(1, 3),
			func(ctx context.Context, b *bridge.Bridge, args []string) (protocol.TransportState, error) {
				enabled, err := strconv.ParseBool(args[0])
				if err != nil {
					switch args[0] {
					case "on":
						enabled = true
					case "off":
						enabled = false
					default:
						return protocol.TransportState{}, errors.Errorf("expected on or off, got %q", args[0])
					}
				}
				var start, end float64
				if enabled {
					if len(args) != 3 {
						return protocol.TransportState{}, errors.New("loop on needs start and end")
					}
					if start, err = parseNumber("start", args[1]); err != nil {
						return protocol.TransportState{}, err
					}
					if end, err = parseNumber("end", args[2]); err != nil {
						return protocol.TransportState{}, err
					}
				}
				return b.SetLoop(ctx, enabled, start, end)
			}),
	)
	return cmd
}
