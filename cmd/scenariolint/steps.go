package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/voicetyped/chatflow/pkg/scenario"
)

func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps FILE",
		Short: "Print the step table of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := scenario.LoadFile(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tTYPE\tINPUT\tNEXT")
			ids := make([]string, 0, len(sc.Steps))
			for id := range sc.Steps {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				st := sc.Steps[id]
				marker := ""
				if id == sc.StartStep {
					marker = "*"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", marker, id, st.Type, st.Input.Type, describeTargets(st))
			}
			return tw.Flush()
		},
	}
}

func describeTargets(st *scenario.Step) string {
	name := func(t scenario.Target) string {
		if t.IsTerminal() {
			return "(end)"
		}
		return string(t)
	}
	if len(st.Branches) == 0 {
		return name(st.Next)
	}
	parts := make([]string, 0, len(st.Branches)+1)
	for _, b := range st.Branches {
		parts = append(parts, fmt.Sprintf("[%s] %s", b.Source, name(b.Next)))
	}
	parts = append(parts, "default "+name(st.Default))
	return strings.Join(parts, "; ")
}
