package dialog

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/voicetyped/chatflow/pkg/convlog"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/hooks"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// RenderedMessage is the outbound form of one step.
type RenderedMessage struct {
	Text    string               `json:"text,omitempty"`
	Media   []platform.MediaItem `json:"media,omitempty"`
	Buttons []platform.Button    `json:"buttons,omitempty"`
}

// Empty reports whether there is nothing to send.
func (m RenderedMessage) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Media) == 0 && len(m.Buttons) == 0
}

// TransitionKind is the outcome class of EvaluateTransition.
type TransitionKind int

const (
	// TransitionAwaiting means the step waits for user input.
	TransitionAwaiting TransitionKind = iota
	// TransitionTerminal means the scenario ends at this step.
	TransitionTerminal
	// TransitionExternal means the dialog leaves the scenario through a
	// deep-link reference.
	TransitionExternal
	// TransitionNext means the dialog advances to Target.
	TransitionNext
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionAwaiting:
		return "awaiting_input"
	case TransitionTerminal:
		return "terminal"
	case TransitionExternal:
		return "external"
	case TransitionNext:
		return "next"
	}
	return "unknown"
}

// Transition is the result of evaluating a step.
type Transition struct {
	Kind   TransitionKind
	Target string
	// Branch is the index of the matching branch, or -1.
	Branch int
}

// ActionScope identifies the dialog an action runs for.
type ActionScope struct {
	ScenarioID string
	DialogKey  string
	Step       string
}

// Processor interprets single steps: rendering, transition evaluation and
// action execution. It holds no per-dialog state.
type Processor struct {
	mediaDir  string
	hooks     HookRunner
	publisher EventPublisher
}

// NewProcessor creates a processor. mediaDir anchors "file:" media
// references; hookRunner and publisher may be nil.
func NewProcessor(mediaDir string, hookRunner HookRunner, publisher EventPublisher) *Processor {
	return &Processor{mediaDir: mediaDir, hooks: hookRunner, publisher: publisher}
}

// Render produces the outbound message of step against data.
func (p *Processor) Render(ctx context.Context, step *scenario.Step, data map[string]any) RenderedMessage {
	msg := RenderedMessage{Text: Interpolate(step.Message.Text, data)}
	for _, ref := range step.Message.Media {
		item, err := p.resolveMedia(ref, data)
		if err != nil {
			convlog.Logger(ctx).WarnContext(ctx, "media reference skipped",
				"step", step.ID, "source", ref.Source, "error", err.Error())
			continue
		}
		msg.Media = append(msg.Media, item)
	}
	for _, b := range step.Message.Buttons {
		msg.Buttons = append(msg.Buttons, platform.Button{
			Text:    Interpolate(b.Text, data),
			Value:   b.Value,
			StepRef: step.ID,
		})
	}
	return msg
}

func (p *Processor) resolveMedia(ref scenario.MediaRef, data map[string]any) (platform.MediaItem, error) {
	item := platform.MediaItem{
		Type:    platform.MediaType(ref.Type),
		Source:  Interpolate(ref.Source, data),
		Caption: Interpolate(ref.Caption, data),
	}
	if item.Type == "" {
		item.Type = platform.MediaPhoto
	}
	src := item.Source
	switch {
	case src == "":
		return item, fmt.Errorf("empty media source")
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		item.SourceKind = platform.SourceURL
	case strings.HasPrefix(src, "file:"):
		if p.mediaDir == "" {
			return item, fmt.Errorf("local media %q without a media directory", src)
		}
		rel := filepath.Clean("/" + strings.TrimPrefix(src, "file:"))
		item.Source = filepath.Join(p.mediaDir, rel)
		item.SourceKind = platform.SourcePath
	default:
		item.SourceKind = platform.SourceFileID
	}
	return item, nil
}

// EvaluateTransition decides where the dialog goes after step. answered is
// true when the step's expected input was just supplied. Branch conditions
// that fail to evaluate count as false and are logged.
func (p *Processor) EvaluateTransition(ctx context.Context, sc *scenario.Scenario, step *scenario.Step, data map[string]any, answered bool) (Transition, error) {
	if step.AwaitsInput() && !answered {
		return Transition{Kind: TransitionAwaiting, Branch: -1}, nil
	}

	var target scenario.Target
	branch := -1
	switch step.Type {
	case scenario.StepMessage:
		target = step.Next
	case scenario.StepConditionalMessage:
		target, branch = p.pickBranch(ctx, step, data)
	case scenario.StepAction:
		if len(step.Branches) > 0 {
			target, branch = p.pickBranch(ctx, step, data)
		} else {
			target = step.Next
		}
	default:
		return Transition{}, fmt.Errorf("scenario %q step %q: unknown step type %q", sc.ID, step.ID, step.Type)
	}

	switch {
	case target.IsTerminal():
		return Transition{Kind: TransitionTerminal, Branch: branch}, nil
	case target.IsExternal():
		return Transition{Kind: TransitionExternal, Target: target.External(), Branch: branch}, nil
	}
	if _, ok := sc.Step(string(target)); !ok {
		return Transition{}, &ScenarioIntegrityError{ScenarioID: sc.ID, Step: step.ID, Target: string(target)}
	}
	return Transition{Kind: TransitionNext, Target: string(target), Branch: branch}, nil
}

func (p *Processor) pickBranch(ctx context.Context, step *scenario.Step, data map[string]any) (scenario.Target, int) {
	for i, b := range step.Branches {
		ok, err := b.Condition.Eval(data)
		if err != nil {
			convlog.Logger(ctx).WarnContext(ctx, "condition evaluation failed, treating as false",
				"step", step.ID, "branch", i, "condition", b.Source, "error", err.Error())
			continue
		}
		if ok {
			return b.Next, i
		}
	}
	return step.Default, -1
}

// RunActions executes the actions of step, mutating data in place. Failures
// are logged and never stop the dialog.
func (p *Processor) RunActions(ctx context.Context, step *scenario.Step, data map[string]any, scope ActionScope) {
	log := convlog.Logger(ctx)
	for i, a := range step.Actions {
		switch a.Type {
		case scenario.ActionSetVariable:
			name := a.Params["name"]
			if name == "" {
				log.WarnContext(ctx, "set_variable without name", "step", step.ID, "action", i)
				continue
			}
			data[name] = Interpolate(a.Params["value"], data)

		case scenario.ActionClearVariable:
			delete(data, a.Params["name"])

		case scenario.ActionCallHook:
			if p.hooks == nil {
				log.WarnContext(ctx, "call_hook skipped: no hook runner configured", "step", step.ID)
				continue
			}
			timeout, _ := strconv.Atoi(a.Params["timeout_sec"])
			resp, err := p.hooks.Execute(ctx, hooks.HookConfig{
				URL:        a.Params["url"],
				AuthType:   a.Params["auth_type"],
				AuthSecret: a.Params["auth_secret"],
				TimeoutSec: timeout,
			}, hooks.HookRequest{
				DialogKey:  scope.DialogKey,
				ScenarioID: scope.ScenarioID,
				Step:       step.ID,
				Variables:  cloneData(data),
			})
			if err != nil {
				log.WarnContext(ctx, "call_hook failed", "step", step.ID, "url", a.Params["url"], "error", err.Error())
				continue
			}
			for k, v := range resp.Variables {
				data[k] = v
			}

		default:
			log.WarnContext(ctx, "unknown action type", "step", step.ID, "type", string(a.Type))
			continue
		}

		if p.publisher != nil {
			err := p.publisher.Emit(ctx, events.ActionExecuted, scope.DialogKey, &events.ActionExecutedData{
				ActionType: string(a.Type),
				Step:       step.ID,
				Params:     redactParams(a.Params),
			})
			if err != nil {
				log.WarnContext(ctx, "event publish failed", "event_type", string(events.ActionExecuted), "error", err.Error())
			}
		}
	}
}

func redactParams(params map[string]string) map[string]string {
	if _, ok := params["auth_secret"]; !ok {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["auth_secret"] = "***"
	return out
}
