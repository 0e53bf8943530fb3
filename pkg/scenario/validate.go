package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists every structural problem found in a scenario.
type ValidationError struct {
	ScenarioID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scenario %q is invalid: %s", e.ScenarioID, strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants of a scenario built in code.
// Documents read through Parse or the Loader are already validated.
func Validate(s *Scenario) error {
	if problems := validate(s); len(problems) > 0 {
		return &ValidationError{ScenarioID: s.ID, Problems: problems}
	}
	return nil
}

func validate(s *Scenario) []string {
	var problems []string
	if s.ID == "" {
		problems = append(problems, "id is required")
	}
	if s.StartStep == "" {
		problems = append(problems, "start_step is required")
	} else if _, ok := s.Steps[s.StartStep]; !ok {
		problems = append(problems, fmt.Sprintf("start_step %q not found in steps", s.StartStep))
	}
	if len(s.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	// Stable order keeps lint output reproducible.
	ids := make([]string, 0, len(s.Steps))
	for id := range s.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := s.Steps[id]
		if id == "" {
			problems = append(problems, "step with empty id")
			continue
		}
		if !st.Type.Valid() {
			problems = append(problems, fmt.Sprintf("step %q: unknown type %q", id, st.Type))
			continue
		}
		if !st.Input.Type.Valid() {
			problems = append(problems, fmt.Sprintf("step %q: unknown expected_input type %q", id, st.Input.Type))
		}
		if st.Input.Type == InputButtonChoice && len(st.Input.Options) == 0 {
			problems = append(problems, fmt.Sprintf("step %q: button_choice needs options or buttons", id))
		}

		checkRef := func(what string, t Target) {
			if t.IsTerminal() || t.IsExternal() {
				if t.IsExternal() && t.External() == "" {
					problems = append(problems, fmt.Sprintf("step %q %s: empty external reference", id, what))
				}
				return
			}
			if _, ok := s.Steps[string(t)]; !ok {
				problems = append(problems, fmt.Sprintf("step %q %s: target %q not found", id, what, t))
			}
		}

		switch st.Type {
		case StepMessage:
			checkRef("next_step", st.Next)
		case StepConditionalMessage:
			if len(st.Branches) == 0 {
				problems = append(problems, fmt.Sprintf("step %q: conditional_message needs branches", id))
			}
			for i, b := range st.Branches {
				checkRef(fmt.Sprintf("branch %d", i), b.Next)
			}
			checkRef("default_next_step", st.Default)
		case StepAction:
			for i, a := range st.Actions {
				switch a.Type {
				case ActionSetVariable, ActionClearVariable:
				case ActionCallHook:
					if a.Params["url"] == "" {
						problems = append(problems, fmt.Sprintf("step %q action %d: call_hook needs a url", id, i))
					}
				default:
					problems = append(problems, fmt.Sprintf("step %q action %d: unknown action type %q", id, i, a.Type))
				}
			}
			if len(st.Branches) > 0 {
				for i, b := range st.Branches {
					checkRef(fmt.Sprintf("branch %d", i), b.Next)
				}
				checkRef("default_next_step", st.Default)
			} else {
				checkRef("next_step", st.Next)
			}
		}
	}
	return problems
}
