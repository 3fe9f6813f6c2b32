package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newChatCommand(opts *options) *cobra.Command {
	var (
		conversationID string
		replyTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message and stream the reply",
		Long: `Send a message to a conversation and stream the model's reply to stdout.

Examples:
  relayctl chat --conversation <id> "Summarize what we discussed"
  relayctl chat -C <id> --reply-timeout 5m "Write a long story"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			content := strings.Join(args, " ")

			c := opts.client.WithReplyTimeout(replyTimeout)
			_, err := c.Chat(cmd.Context(), conversationID, content, func(fragment string) error {
				_, err := fmt.Fprint(out, fragment)
				return err
			})
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "C", "", "conversation id")
	cmd.Flags().DurationVar(&replyTimeout, "reply-timeout", 2*time.Minute, "give up after this long without a reply event")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}
