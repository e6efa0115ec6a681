package cmd

import (
	"github.com/spf13/cobra"
)

// Root builds the saoectl command tree.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "saoectl",
		Short:         "Operator CLI for the secure agent orchestration envelope system",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(keygenCmd())
	root.AddCommand(vaultCmd())
	root.AddCommand(auditCmd())
	return root
}
