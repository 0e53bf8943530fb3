package dialog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/voicetyped/chatflow/pkg/guard"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

func buttonStep() *scenario.Step {
	return &scenario.Step{
		ID:   "pick",
		Type: scenario.StepMessage,
		Message: scenario.Message{
			Text:    "Pick",
			Buttons: []scenario.Button{{Text: "Red", Value: "red"}, {Text: "Blue", Value: "blue"}},
		},
		Input: scenario.ExpectedInput{Type: scenario.InputButtonChoice, Options: []string{"red", "blue"}, Variable: "color"},
	}
}

func textStep() *scenario.Step {
	return &scenario.Step{
		ID:    "ask",
		Type:  scenario.StepMessage,
		Input: scenario.ExpectedInput{Type: scenario.InputAnyText, Variable: "name"},
	}
}

// TestDecisionTable builds one input per outcome and checks it lands on
// exactly that row.
func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(*ValidatorConfig)
		prime []platform.Event
		ev    platform.Event
		want  Outcome
	}{
		{
			name:  "duplicate",
			prime: []platform.Event{{Kind: platform.EventButton, Value: "red", StepRef: "pick"}},
			ev:    platform.Event{Kind: platform.EventButton, Value: "red", StepRef: "pick"},
			want:  OutcomeDuplicate,
		},
		{
			name: "rate limited",
			cfg:  func(c *ValidatorConfig) { c.MaxRequestsPerMinute = 2 },
			prime: []platform.Event{
				{Kind: platform.EventText, Text: "one"},
				{Kind: platform.EventText, Text: "two"},
			},
			ev:   platform.Event{Kind: platform.EventButton, Value: "red", StepRef: "pick"},
			want: OutcomeRateLimited,
		},
		{
			name: "invalid button",
			ev:   platform.Event{Kind: platform.EventButton, Value: "green", StepRef: "pick"},
			want: OutcomeInvalidButton,
		},
		{
			name: "wrong input type",
			ev:   platform.Event{Kind: platform.EventText, Text: "something else"},
			want: OutcomeWrongInputType,
		},
		{
			name: "state mismatch",
			ev:   platform.Event{Kind: platform.EventButton, Value: "red", StepRef: "older"},
			want: OutcomeStateMismatch,
		},
		{
			name: "valid",
			ev:   platform.Event{Kind: platform.EventButton, Value: "red", StepRef: "pick"},
			want: OutcomeValid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultValidatorConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			v := NewValidator(cfg, guard.NewMemory())
			step := buttonStep()
			for _, p := range tt.prime {
				v.Validate(t.Context(), testKey, step, &p)
			}
			got := v.Validate(t.Context(), testKey, step, &tt.ev)
			if got.Outcome != tt.want {
				t.Fatalf("outcome = %s (%s), want %s", got.Outcome, got.Reason, tt.want)
			}
		})
	}
}

func TestClassifyText(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), guard.NewMemory())
	long := make([]byte, 4097)
	for i := range long {
		long[i] = 'a'
	}
	tests := []struct {
		name string
		ev   platform.Event
		want Outcome
	}{
		{"text", platform.Event{Kind: platform.EventText, Text: "Alice"}, OutcomeValid},
		{"blank", platform.Event{Kind: platform.EventText, Text: "   "}, OutcomeWrongInputType},
		{"too long", platform.Event{Kind: platform.EventText, Text: string(long)}, OutcomeWrongInputType},
		{"button", platform.Event{Kind: platform.EventButton, Value: "x"}, OutcomeWrongInputType},
		{"media", platform.Event{Kind: platform.EventMedia, Media: &platform.MediaItem{Type: platform.MediaPhoto, Source: "f"}}, OutcomeWrongInputType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Classify(textStep(), &tt.ev); got.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s", got.Outcome, tt.want)
			}
		})
	}
}

func TestClassifyButtonOptions(t *testing.T) {
	tests := []struct {
		name      string
		strict    bool
		fold      bool
		typed     bool
		ev        platform.Event
		want      Outcome
		wantValue any
	}{
		{"exact", true, false, false, platform.Event{Kind: platform.EventButton, Value: "red"}, OutcomeValid, "red"},
		{"case sensitive", true, false, false, platform.Event{Kind: platform.EventButton, Value: "RED"}, OutcomeInvalidButton, nil},
		{"case folded", true, true, false, platform.Event{Kind: platform.EventButton, Value: "RED"}, OutcomeValid, "red"},
		{"typed option strict", true, false, false, platform.Event{Kind: platform.EventText, Text: "red"}, OutcomeWrongInputType, nil},
		{"typed option accepted", true, false, true, platform.Event{Kind: platform.EventText, Text: " blue "}, OutcomeValid, "blue"},
		{"typed non-option", true, false, true, platform.Event{Kind: platform.EventText, Text: "teal"}, OutcomeWrongInputType, nil},
		{"lenient unknown value", false, false, false, platform.Event{Kind: platform.EventButton, Value: "green"}, OutcomeValid, "green"},
		{"lenient free text", false, false, false, platform.Event{Kind: platform.EventText, Text: "teal"}, OutcomeValid, "teal"},
		{"media", false, false, false, platform.Event{Kind: platform.EventMedia, Media: &platform.MediaItem{Source: "f"}}, OutcomeWrongInputType, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultValidatorConfig()
			cfg.StrictButtonValidation = tt.strict
			cfg.AllowCaseInsensitiveButtons = tt.fold
			cfg.AcceptTypedOptions = tt.typed
			v := NewValidator(cfg, guard.NewMemory())
			got := v.Classify(buttonStep(), &tt.ev)
			if got.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s", got.Outcome, tt.want)
			}
			if tt.wantValue != nil && got.Value != tt.wantValue {
				t.Fatalf("value = %v, want %v", got.Value, tt.wantValue)
			}
		})
	}
}

func TestClassifyMedia(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), guard.NewMemory())
	step := &scenario.Step{ID: "upload", Input: scenario.ExpectedInput{Type: scenario.InputMedia, Variable: "doc"}}

	got := v.Classify(step, &platform.Event{Kind: platform.EventMedia, Media: &platform.MediaItem{
		Type: platform.MediaDocument, Source: "file-9", SourceKind: platform.SourceFileID, Caption: "cv",
	}})
	if !got.OK() {
		t.Fatalf("outcome = %s", got.Outcome)
	}
	m, ok := got.Value.(map[string]any)
	if !ok || m["source"] != "file-9" || m["type"] != "document" || m["caption"] != "cv" {
		t.Fatalf("value = %#v", got.Value)
	}
	if v.Hint(step) != DefaultValidatorConfig().MediaHint {
		t.Fatalf("hint = %q", v.Hint(step))
	}
}

func TestFreshDialogOnlyAntiAbuse(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), guard.NewMemory())
	got := v.Validate(t.Context(), testKey, nil, &platform.Event{Kind: platform.EventButton, Value: "anything"})
	if !got.OK() {
		t.Fatalf("outcome = %s, want VALID for a fresh dialog", got.Outcome)
	}
}

func TestFingerprint(t *testing.T) {
	a := &platform.Event{Kind: platform.EventText, Text: "hi"}
	b := &platform.Event{Kind: platform.EventButton, Value: "hi"}
	if Fingerprint(testKey, a) == Fingerprint(testKey, b) {
		t.Fatal("text and button with the same payload share a fingerprint")
	}
	other := testKey
	other.ChatID = "43"
	if Fingerprint(testKey, a) == Fingerprint(other, a) {
		t.Fatal("different chats share a fingerprint")
	}
	if Fingerprint(testKey, a) != Fingerprint(testKey, &platform.Event{Kind: platform.EventText, Text: "hi", MessageID: "7"}) {
		t.Fatal("fingerprint depends on message id")
	}
}

type failingStore struct{}

func (failingStore) Seen(context.Context, string, string, time.Duration, time.Duration) (bool, error) {
	return false, fmt.Errorf("store down")
}

func (failingStore) Forget(context.Context, string, string) error {
	return fmt.Errorf("store down")
}

func (failingStore) Allow(context.Context, string, int, time.Duration, time.Duration) (bool, error) {
	return false, fmt.Errorf("store down")
}

func TestAdmitFailsOpen(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), failingStore{})
	if _, ok := v.Admit(t.Context(), testKey, &platform.Event{Kind: platform.EventText, Text: "x"}); !ok {
		t.Fatal("store failure rejected the event")
	}
}
