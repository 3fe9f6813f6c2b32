// Package cli provides the relayctl command-line interface.
package cli

import (
	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type options struct {
	server string
	token  string
	client *client.Client
}

// NewRootCommand builds the relayctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Chat with a relay server and browse conversation history",
		Long: `relayctl talks to a padi-relay server.

The server address and token default to RELAY_SERVER_URL and RELAY_TOKEN.

Examples:
  relayctl new --model gpt-4o --title "Trip planning"
  relayctl chat --conversation <id> "Where should I go in May?"
  relayctl history --conversation <id> --all`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.client = client.New(opts.server, opts.token)
		},
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", "", "relay server URL")
	root.PersistentFlags().StringVarP(&opts.token, "token", "t", "", "bearer token")

	root.AddCommand(newChatCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newNewCommand(opts))
	root.AddCommand(newListCommand(opts))
	root.AddCommand(newUpdateCommand(opts))
	root.AddCommand(newDeleteCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newStatsCommand(opts))

	return root
}

// Execute runs relayctl with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}
