package scenario

import "strings"

// StepType is the closed set of step kinds a scenario may contain.
type StepType string

const (
	StepMessage            StepType = "message"
	StepConditionalMessage StepType = "conditional_message"
	StepAction             StepType = "action"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepMessage, StepConditionalMessage, StepAction:
		return true
	}
	return false
}

// InputType describes what a step waits for before it may advance.
type InputType string

const (
	InputNone         InputType = "none"
	InputAnyText      InputType = "any_text"
	InputButtonChoice InputType = "button_choice"
	InputMedia        InputType = "media"
)

// Valid reports whether t is one of the known input types.
func (t InputType) Valid() bool {
	switch t {
	case InputNone, InputAnyText, InputButtonChoice, InputMedia:
		return true
	}
	return false
}

// ExternalPrefix marks a next_step that leaves the scenario (deep link into
// another scenario or an external flow).
const ExternalPrefix = "ext:"

// Target is a transition target. The zero value is the terminal target.
type Target string

// IsTerminal reports whether the target ends the scenario.
func (t Target) IsTerminal() bool { return t == "" }

// IsExternal reports whether the target is an external deep-link reference.
func (t Target) IsExternal() bool { return strings.HasPrefix(string(t), ExternalPrefix) }

// External returns the deep-link reference without its prefix.
func (t Target) External() string { return strings.TrimPrefix(string(t), ExternalPrefix) }

// Scenario is a loaded, validated conversation script. It must be treated
// as read-only once returned by Parse or the Loader.
type Scenario struct {
	ID          string
	Name        string
	Version     string
	Description string
	StartStep   string
	Steps       map[string]*Step
}

// Step returns the step with the given id.
func (s *Scenario) Step(id string) (*Step, bool) {
	st, ok := s.Steps[id]
	return st, ok
}

// Step is one node of the scenario graph. Which fields are meaningful is
// decided by Type:
//
//	message:             Message, Input, Next
//	conditional_message: Message, Input, Branches, Default
//	action:              Actions, Next or Branches+Default
type Step struct {
	ID       string
	Type     StepType
	Message  Message
	Input    ExpectedInput
	Next     Target
	Branches []Branch
	Default  Target
	Actions  []Action
}

// AwaitsInput reports whether the step blocks until the user answers.
func (s *Step) AwaitsInput() bool {
	return s.Input.Type != InputNone
}

// HasContent reports whether rendering the step produces anything to send.
func (s *Step) HasContent() bool {
	return strings.TrimSpace(s.Message.Text) != "" || len(s.Message.Media) > 0 || len(s.Message.Buttons) > 0
}

// Message is the outgoing body of a step.
type Message struct {
	Text    string
	Media   []MediaRef
	Buttons []Button
}

// MediaRef points at a media item. Source is a URL, a "file:" path relative
// to the media directory, or a platform file id.
type MediaRef struct {
	Type    string
	Source  string
	Caption string
}

// Button is one selectable option rendered with a step.
type Button struct {
	Text  string
	Value string
}

// ExpectedInput describes the input gate of a step.
type ExpectedInput struct {
	Type     InputType
	Options  []string
	Variable string
}

// Branch is one (condition, target) pair evaluated in declared order.
type Branch struct {
	Condition Expr
	Source    string
	Next      Target
}

// ActionType is the closed set of side effects an action step can perform.
type ActionType string

const (
	ActionSetVariable   ActionType = "set_variable"
	ActionClearVariable ActionType = "clear_variable"
	ActionCallHook      ActionType = "call_hook"
)

// Action is a side effect executed when an action step is entered.
type Action struct {
	Type   ActionType
	Params map[string]string
}
