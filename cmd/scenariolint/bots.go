package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voicetyped/chatflow/internal/bots"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

func newBotsCmd() *cobra.Command {
	var scenarioDir string
	cmd := &cobra.Command{
		Use:   "bots FILE",
		Short: "Validate a bots file against a scenario directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := bots.LoadFile(args[0], bots.DefaultFactories())
			if err != nil {
				return err
			}
			loaded, err := scenario.NewLoader(scenarioDir).LoadAll()
			if err != nil {
				return err
			}

			missing := 0
			for _, b := range list {
				if _, ok := loaded[b.Scenario]; !ok {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: scenario %q not found in %s\n", b.ID, b.Scenario, scenarioDir)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %s)\n", b.ID, b.Platform, b.Scenario)
			}
			if missing > 0 {
				return fmt.Errorf("%d bot(s) reference missing scenarios", missing)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioDir, "scenarios", "./scenarios", "scenario directory")
	return cmd
}
