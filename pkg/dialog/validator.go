package dialog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voicetyped/chatflow/pkg/convlog"
	"github.com/voicetyped/chatflow/pkg/guard"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// Outcome is the classification of one inbound event.
type Outcome string

const (
	OutcomeValid          Outcome = "VALID"
	OutcomeDuplicate      Outcome = "DUPLICATE"
	OutcomeRateLimited    Outcome = "RATE_LIMITED"
	OutcomeInvalidButton  Outcome = "INVALID_BUTTON"
	OutcomeWrongInputType Outcome = "WRONG_INPUT_TYPE"
	OutcomeStateMismatch  Outcome = "STATE_MISMATCH"
)

// ValidatorConfig tunes the input validator.
type ValidatorConfig struct {
	DuplicateWindow   time.Duration
	DuplicateCacheTTL time.Duration

	MaxRequestsPerMinute int
	RateLimitWindow      time.Duration
	RateLimitCooldown    time.Duration

	// StrictButtonValidation rejects values outside the option set of a
	// button step. When false such values pass through as free input.
	StrictButtonValidation      bool
	AllowCaseInsensitiveButtons bool
	// AcceptTypedOptions treats a text message equal to an option as that
	// choice. Off, text on a button step is the wrong input type.
	AcceptTypedOptions bool

	MaxTextLength int
	MinTextLength int

	// IgnoreDuplicates drops duplicates silently; otherwise the current
	// step is sent again.
	IgnoreDuplicates    bool
	ResendStepOnInvalid bool

	ButtonHint string
	TextHint   string
	MediaHint  string
}

// DefaultValidatorConfig returns the documented defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		DuplicateWindow:        2 * time.Second,
		DuplicateCacheTTL:      10 * time.Second,
		MaxRequestsPerMinute:   30,
		RateLimitWindow:        time.Minute,
		RateLimitCooldown:      5 * time.Second,
		StrictButtonValidation: true,
		MaxTextLength:          4096,
		MinTextLength:          1,
		IgnoreDuplicates:       true,
		ResendStepOnInvalid:    true,
		ButtonHint:             "Please choose one of the options below.",
		TextHint:               "Please reply with a text message.",
		MediaHint:              "Please send a photo or file.",
	}
}

// Verdict is the validator's decision. Value is the normalized input to
// capture when Outcome is VALID.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Value   any
}

// OK reports whether the input may reach the scenario processor.
func (v Verdict) OK() bool { return v.Outcome == OutcomeValid }

// Validator classifies inbound events. Duplicate and rate state lives in a
// guard.Store so it can be shared across replicas; it remains a short-lived
// heuristic either way.
type Validator struct {
	cfg   ValidatorConfig
	store guard.Store
}

// NewValidator creates a validator. A nil store selects an in-memory one.
func NewValidator(cfg ValidatorConfig, store guard.Store) *Validator {
	if store == nil {
		store = guard.NewMemory()
	}
	return &Validator{cfg: cfg, store: store}
}

// Config returns the validator configuration.
func (v *Validator) Config() ValidatorConfig { return v.cfg }

// Validate runs the full decision table. step is nil for a dialog that has
// not started yet; such events are only subject to the anti-abuse checks.
func (v *Validator) Validate(ctx context.Context, key Key, step *scenario.Step, ev *platform.Event) Verdict {
	if verdict, admitted := v.Admit(ctx, key, ev); !admitted {
		return verdict
	}
	if step == nil {
		return Verdict{Outcome: OutcomeValid, Value: ev.Payload()}
	}
	return v.Classify(step, ev)
}

// Admit applies the duplicate and rate checks. Store failures are logged and
// the event is admitted.
func (v *Validator) Admit(ctx context.Context, key Key, ev *platform.Event) (Verdict, bool) {
	chatKey := key.String()
	log := convlog.Logger(ctx)

	seen, err := v.store.Seen(ctx, chatKey, Fingerprint(key, ev), v.cfg.DuplicateWindow, v.cfg.DuplicateCacheTTL)
	if err != nil {
		log.WarnContext(ctx, "duplicate check unavailable", "error", err.Error())
	} else if seen {
		return Verdict{Outcome: OutcomeDuplicate, Reason: "same input received within the duplicate window"}, false
	}

	allowed, err := v.store.Allow(ctx, chatKey, v.cfg.MaxRequestsPerMinute, v.cfg.RateLimitWindow, v.cfg.RateLimitCooldown)
	if err != nil {
		log.WarnContext(ctx, "rate limit check unavailable", "error", err.Error())
	} else if !allowed {
		return Verdict{Outcome: OutcomeRateLimited, Reason: fmt.Sprintf("more than %d requests per %s", v.cfg.MaxRequestsPerMinute, v.cfg.RateLimitWindow)}, false
	}
	return Verdict{Outcome: OutcomeValid}, true
}

// Release drops the duplicate record of ev so a redelivery of the same
// update is processed again.
func (v *Validator) Release(ctx context.Context, key Key, ev *platform.Event) {
	if err := v.store.Forget(ctx, key.String(), Fingerprint(key, ev)); err != nil {
		convlog.Logger(ctx).WarnContext(ctx, "duplicate record not released", "error", err.Error())
	}
}

// Classify checks ev against the expected input of step.
func (v *Validator) Classify(step *scenario.Step, ev *platform.Event) Verdict {
	switch step.Input.Type {
	case scenario.InputButtonChoice:
		return v.classifyButton(step, ev)

	case scenario.InputAnyText:
		if ev.Kind != platform.EventText {
			return Verdict{Outcome: OutcomeWrongInputType, Reason: "expected a text message, got " + string(ev.Kind)}
		}
		n := utf8.RuneCountInString(strings.TrimSpace(ev.Text))
		if v.cfg.MinTextLength > 0 && n < v.cfg.MinTextLength {
			return Verdict{Outcome: OutcomeWrongInputType, Reason: fmt.Sprintf("text shorter than %d characters", v.cfg.MinTextLength)}
		}
		if v.cfg.MaxTextLength > 0 && n > v.cfg.MaxTextLength {
			return Verdict{Outcome: OutcomeWrongInputType, Reason: fmt.Sprintf("text longer than %d characters", v.cfg.MaxTextLength)}
		}
		return Verdict{Outcome: OutcomeValid, Value: ev.Text}

	case scenario.InputMedia:
		if ev.Kind != platform.EventMedia || ev.Media == nil {
			return Verdict{Outcome: OutcomeWrongInputType, Reason: "expected media, got " + string(ev.Kind)}
		}
		return Verdict{Outcome: OutcomeValid, Value: mediaValue(ev.Media)}
	}
	return Verdict{Outcome: OutcomeValid, Value: ev.Payload()}
}

func (v *Validator) classifyButton(step *scenario.Step, ev *platform.Event) Verdict {
	switch ev.Kind {
	case platform.EventButton:
		opt, ok := v.matchOption(step, ev.Value)
		if !ok {
			if v.cfg.StrictButtonValidation {
				return Verdict{Outcome: OutcomeInvalidButton, Reason: fmt.Sprintf("%q is not an option of step %q", ev.Value, step.ID)}
			}
			return Verdict{Outcome: OutcomeValid, Value: ev.Value}
		}
		if ev.StepRef != "" && ev.StepRef != step.ID {
			return Verdict{Outcome: OutcomeStateMismatch, Reason: fmt.Sprintf("button belongs to step %q, dialog is at %q", ev.StepRef, step.ID)}
		}
		return Verdict{Outcome: OutcomeValid, Value: opt}

	case platform.EventText:
		if v.cfg.AcceptTypedOptions {
			if opt, ok := v.matchOption(step, strings.TrimSpace(ev.Text)); ok {
				return Verdict{Outcome: OutcomeValid, Value: opt}
			}
		}
		if !v.cfg.StrictButtonValidation {
			return Verdict{Outcome: OutcomeValid, Value: ev.Text}
		}
	}
	return Verdict{Outcome: OutcomeWrongInputType, Reason: "expected a button choice, got " + string(ev.Kind)}
}

// matchOption returns the canonical option equal to value.
func (v *Validator) matchOption(step *scenario.Step, value string) (string, bool) {
	for _, opt := range optionsOf(step) {
		if opt == value || (v.cfg.AllowCaseInsensitiveButtons && strings.EqualFold(opt, value)) {
			return opt, true
		}
	}
	return "", false
}

func optionsOf(step *scenario.Step) []string {
	if len(step.Input.Options) > 0 {
		return step.Input.Options
	}
	opts := make([]string, 0, len(step.Message.Buttons))
	for _, b := range step.Message.Buttons {
		opts = append(opts, b.Value)
	}
	return opts
}

// Hint returns the text restating what step expects.
func (v *Validator) Hint(step *scenario.Step) string {
	switch step.Input.Type {
	case scenario.InputButtonChoice:
		return v.cfg.ButtonHint
	case scenario.InputAnyText:
		return v.cfg.TextHint
	case scenario.InputMedia:
		return v.cfg.MediaHint
	}
	return ""
}

// Fingerprint identifies an inbound payload for duplicate suppression. The
// chat identity is carried by the guard key; the hash covers the payload.
func Fingerprint(key Key, ev *platform.Event) string {
	h := sha256.New()
	h.Write([]byte(key.Platform))
	h.Write([]byte{0})
	h.Write([]byte(key.ChatID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Kind))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.Payload()))
	h.Write([]byte{'|'})
	if ev.Media != nil {
		h.Write([]byte(ev.Media.Source))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func mediaValue(m *platform.MediaItem) map[string]any {
	out := map[string]any{
		"type":        string(m.Type),
		"source":      m.Source,
		"source_kind": string(m.SourceKind),
	}
	if m.Caption != "" {
		out["caption"] = m.Caption
	}
	return out
}
