package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/voicetyped/chatflow/pkg/scenario"
)

func newCheckCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check PATH...",
		Short: "Parse and validate scenario files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				loaded, err := loadPath(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n%v\n", path, err)
					continue
				}
				for _, sc := range sortedScenarios(loaded) {
					orphans := unreachable(sc)
					fmt.Fprintf(out, "ok   %s (%d steps)\n", sc.ID, len(sc.Steps))
					for _, id := range orphans {
						fmt.Fprintf(out, "     warning: step %q is unreachable from %q\n", id, sc.StartStep)
					}
					if strict && len(orphans) > 0 {
						failed++
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat unreachable steps as errors")
	return cmd
}

// loadPath loads one file, or every scenario in a directory with the same
// duplicate-id rules as the service.
func loadPath(path string) (map[string]*scenario.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return scenario.NewLoader(path).LoadAll()
	}
	sc, err := scenario.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]*scenario.Scenario{sc.ID: sc}, nil
}

func sortedScenarios(m map[string]*scenario.Scenario) []*scenario.Scenario {
	out := make([]*scenario.Scenario, 0, len(m))
	for _, sc := range m {
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b *scenario.Scenario) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// targets lists the in-scenario steps a step can move to.
func targets(st *scenario.Step) []string {
	var out []string
	add := func(t scenario.Target) {
		if !t.IsTerminal() && !t.IsExternal() {
			out = append(out, string(t))
		}
	}
	add(st.Next)
	for _, b := range st.Branches {
		add(b.Next)
	}
	add(st.Default)
	return out
}

// unreachable returns the sorted ids of steps no path from the start step
// reaches.
func unreachable(sc *scenario.Scenario) []string {
	seen := map[string]bool{sc.StartStep: true}
	queue := []string{sc.StartStep}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		st, ok := sc.Step(id)
		if !ok {
			continue
		}
		for _, next := range targets(st) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out []string
	for id := range sc.Steps {
		if !seen[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
