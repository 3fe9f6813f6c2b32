package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *options) *cobra.Command {
	var (
		conversationID string
		pageSize       int
		cursor         string
		target         string
		all            bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a conversation's messages",
		Long: `Show one page of a conversation's history, newest first, or the whole
history oldest first with --all.

Examples:
  relayctl history --conversation <id>
  relayctl history --conversation <id> --page-size 50 --cursor <token>
  relayctl history --conversation <id> --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if all {
				messages, err := opts.client.AllMessages(cmd.Context(), conversationID, pageSize)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				for _, msg := range messages {
					printMessage(out, msg)
				}
				return nil
			}

			page, err := opts.client.Messages(cmd.Context(), conversationID, client.PageOptions{
				PageSize:        pageSize,
				Cursor:          cursor,
				TargetMessageID: target,
			})
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			for _, msg := range page.Messages {
				printMessage(out, msg)
			}
			fmt.Fprintf(out, "\n%d of %d messages", len(page.Messages), page.Total)
			if page.NextPageToken != nil {
				fmt.Fprintf(out, ", next page: --cursor %s", *page.NextPageToken)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "C", "", "conversation id")
	cmd.Flags().IntVarP(&pageSize, "page-size", "n", 0, "messages per page (server default when 0)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from this page token")
	cmd.Flags().StringVar(&target, "target", "", "start the page at this message id")
	cmd.Flags().BoolVar(&all, "all", false, "fetch every page and print oldest first")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

func printMessage(out io.Writer, msg models.Message) {
	fmt.Fprintf(out, "[%s] %s (%s)\n", msg.CreatedAt.Local().Format(time.DateTime), msg.Role, msg.ID)
	for _, line := range strings.Split(msg.Content, "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
}
