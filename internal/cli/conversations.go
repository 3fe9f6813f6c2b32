package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/spf13/cobra"
)

func newNewCommand(opts *options) *cobra.Command {
	var title, model, systemPrompt string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := opts.client.CreateConversation(cmd.Context(), title, model, systemPrompt)
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created conversation %s (%s, model %s)\n", conv.ID, conv.Title, conv.ModelID)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "conversation title")
	cmd.Flags().StringVarP(&model, "model", "m", "gpt-3.5-turbo", "model id")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "instructions sent before every turn")

	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			convs, err := opts.client.ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODEL\tLAST MESSAGE")
			for _, conv := range convs {
				last := "-"
				if conv.LastMessageAt != nil {
					last = conv.LastMessageAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", conv.ID, conv.Title, conv.ModelID, last)
			}
			return w.Flush()
		},
	}
}

func newUpdateCommand(opts *options) *cobra.Command {
	var title, model, systemPrompt string

	cmd := &cobra.Command{
		Use:   "update <conversation-id>",
		Short: "Edit a conversation's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.ConversationPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("model") {
				patch.ModelID = &model
			}
			if cmd.Flags().Changed("system-prompt") {
				patch.SystemPrompt = &systemPrompt
			}

			conv, err := opts.client.UpdateConversation(cmd.Context(), args[0], patch)
			if err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated conversation %s (%s, model %s)\n", conv.ID, conv.Title, conv.ModelID)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&model, "model", "m", "", "new model id")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "new system prompt, empty to clear")

	return cmd
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
			return nil
		},
	}
}

func newSearchCommand(opts *options) *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Find messages containing text, ignoring case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := opts.client.Search(cmd.Context(), conversationID, args[0])
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(messages) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching messages.")
				return nil
			}
			for _, msg := range messages {
				printMessage(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "C", "", "conversation id")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server runtime statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := opts.client.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
