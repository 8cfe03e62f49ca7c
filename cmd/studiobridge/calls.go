package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/studiobridge/pkg/protocol"
)

// readDocument accepts inline JSON, @file or - for stdin.
func readDocument(arg string) (protocol.Document, error) {
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := readAll(os.Stdin)
		return protocol.Document(b), err
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, errors.Wrap(err, "read document")
		}
		return protocol.Document(b), nil
	default:
		return protocol.Document(arg), nil
	}
}

func newChatCommand() *cobra.Command {
	var req protocol.ChatRequest
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a conversational query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			req.Message = strings.Join(args, " ")
			resp, err := b.Chat(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), resp)
		},
	}
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "Conversation id (generated when empty)")
	cmd.Flags().StringVar(&req.Perspective, "perspective", "", "Answer perspective hint")
	return cmd
}

func newSuggestCommand() *cobra.Command {
	var (
		contextArg string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Fetch suggestions for a context document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(contextArg)
			if err != nil {
				return err
			}
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			resp, err := b.Suggest(cmd.Context(), protocol.SuggestRequest{Context: doc, Limit: limit})
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), resp)
		},
	}
	cmd.Flags().StringVar(&contextArg, "context", "", "Context document: JSON, @file or -")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of suggestions")
	return cmd
}

func newAnalyzeCommand() *cobra.Command {
	var audioArg string
	cmd := &cobra.Command{
		Use:   "analyze <analysis-type>",
		Short: "Submit audio metrics for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(audioArg)
			if err != nil {
				return err
			}
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			resp, err := b.Analyze(cmd.Context(), protocol.AnalyzeRequest{AnalysisType: args[0], AudioData: doc})
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), resp)
		},
	}
	cmd.Flags().StringVar(&audioArg, "audio", "", "Audio metrics document: JSON, @file or -")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <state>",
		Short: "Push a state document (JSON, @file or -) to the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			b, _, err := newBridge(cmd, false)
			if err != nil {
				return err
			}
			defer b.Destroy()
			resp, err := b.SyncState(cmd.Context(), doc)
			if err != nil {
				return err
			}
			return printResult(stdout(cmd), resp)
		},
	}
}
