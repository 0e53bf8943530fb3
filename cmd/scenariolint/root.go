package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scenariolint",
		Short: "Validate chatflow scenarios and bot files",
		Long: `scenariolint parses scenario documents the same way the service does
and reports broken step references, malformed conditions and unreachable
steps. It also checks that every bot in a bots file points at a scenario
that exists.`,
		SilenceUsage: true,
	}
	root.AddCommand(newCheckCmd(), newStepsCmd(), newBotsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of scenariolint",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scenariolint %s\n", Version)
		},
	}
}
