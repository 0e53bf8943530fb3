package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a scenario document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format by file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

type rawScenario struct {
	ID          string             `json:"id"          yaml:"id"`
	Name        string             `json:"name"        yaml:"name"`
	Version     string             `json:"version"     yaml:"version"`
	Description string             `json:"description" yaml:"description"`
	StartStep   string             `json:"start_step"  yaml:"start_step"`
	Steps       map[string]rawStep `json:"steps"       yaml:"steps"`
}

type rawStep struct {
	ID              string      `json:"id"                yaml:"id"`
	Type            string      `json:"type"              yaml:"type"`
	Message         *rawMessage `json:"message"           yaml:"message"`
	Text            string      `json:"text"              yaml:"text"`
	NextStep        *string     `json:"next_step"         yaml:"next_step"`
	ExpectedInput   *rawInput   `json:"expected_input"    yaml:"expected_input"`
	InputType       string      `json:"input_type"        yaml:"input_type"`
	Variable        string      `json:"variable"          yaml:"variable"`
	Branches        []rawBranch `json:"branches"          yaml:"branches"`
	DefaultNextStep *string     `json:"default_next_step" yaml:"default_next_step"`
	Actions         []rawAction `json:"actions"           yaml:"actions"`
}

type rawMessage struct {
	Text    string      `json:"text"    yaml:"text"`
	Media   []rawMedia  `json:"media"   yaml:"media"`
	Buttons []rawButton `json:"buttons" yaml:"buttons"`
}

type rawMedia struct {
	Type    string `json:"type"    yaml:"type"`
	Source  string `json:"source"  yaml:"source"`
	Caption string `json:"caption" yaml:"caption"`
}

type rawButton struct {
	Text  string `json:"text"  yaml:"text"`
	Value string `json:"value" yaml:"value"`
}

type rawInput struct {
	Type     string   `json:"type"     yaml:"type"`
	Options  []string `json:"options"  yaml:"options"`
	Variable string   `json:"variable" yaml:"variable"`
}

type rawBranch struct {
	Condition any     `json:"condition" yaml:"condition"`
	NextStep  *string `json:"next_step" yaml:"next_step"`
}

type rawAction struct {
	Type   string            `json:"type"   yaml:"type"`
	Params map[string]string `json:"params" yaml:"params"`
}

// Parse decodes and validates one scenario document.
func Parse(data []byte, format Format) (*Scenario, error) {
	var raw rawScenario
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported scenario format %q", format)
	}

	sc, problems := build(&raw)
	problems = append(problems, validate(sc)...)
	if len(problems) > 0 {
		return nil, &ValidationError{ScenarioID: sc.ID, Problems: problems}
	}
	return sc, nil
}

func build(raw *rawScenario) (*Scenario, []string) {
	var problems []string
	sc := &Scenario{
		ID:          raw.ID,
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		StartStep:   raw.StartStep,
		Steps:       make(map[string]*Step, len(raw.Steps)),
	}
	if sc.Name == "" {
		sc.Name = sc.ID
	}

	for key, rs := range raw.Steps {
		if rs.ID != "" && rs.ID != key {
			problems = append(problems, fmt.Sprintf("step %q: id %q does not match its key", key, rs.ID))
		}
		st := &Step{
			ID:   key,
			Type: StepType(rs.Type),
			Next: target(rs.NextStep),
		}
		if rs.Type == "" {
			st.Type = StepMessage
		}

		if rs.Message != nil {
			st.Message.Text = rs.Message.Text
			for _, m := range rs.Message.Media {
				st.Message.Media = append(st.Message.Media, MediaRef(m))
			}
			for _, b := range rs.Message.Buttons {
				if b.Value == "" {
					b.Value = b.Text
				}
				st.Message.Buttons = append(st.Message.Buttons, Button(b))
			}
		}
		if st.Message.Text == "" {
			st.Message.Text = rs.Text
		}

		st.Input = ExpectedInput{Type: InputNone, Variable: rs.Variable}
		switch {
		case rs.ExpectedInput != nil:
			st.Input.Type = InputType(rs.ExpectedInput.Type)
			st.Input.Options = rs.ExpectedInput.Options
			if rs.ExpectedInput.Variable != "" {
				st.Input.Variable = rs.ExpectedInput.Variable
			}
		case rs.InputType != "":
			st.Input.Type = InputType(rs.InputType)
		}
		if st.Input.Type == "" {
			st.Input.Type = InputNone
		}
		if st.Input.Type == InputButtonChoice && len(st.Input.Options) == 0 {
			for _, b := range st.Message.Buttons {
				st.Input.Options = append(st.Input.Options, b.Value)
			}
		}

		for i, rb := range rs.Branches {
			expr, err := BuildExpr(rb.Condition)
			if err != nil {
				problems = append(problems, fmt.Sprintf("step %q branch %d: %v", key, i, err))
				continue
			}
			src, _ := rb.Condition.(string)
			if src == "" {
				src = expr.String()
			}
			st.Branches = append(st.Branches, Branch{Condition: expr, Source: src, Next: target(rb.NextStep)})
		}
		st.Default = target(rs.DefaultNextStep)

		for _, ra := range rs.Actions {
			st.Actions = append(st.Actions, Action{Type: ActionType(ra.Type), Params: ra.Params})
		}

		sc.Steps[key] = st
	}
	return sc, problems
}

func target(s *string) Target {
	if s == nil {
		return ""
	}
	return Target(strings.TrimSpace(*s))
}
