// Command amcat serves the document index API and runs its maintenance tasks.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:           "amcat",
		Short:         "Access-controlled document index and query API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&env, "env", "", "Config environment (default: $ENV or local)")

	cmd.AddCommand(
		newServeCmd(&env),
		newResumeCmd(&env),
		newIndicesCmd(&env),
		newVersionCmd(),
	)
	return cmd
}
