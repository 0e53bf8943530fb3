package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	UpdateReceived  EventType = "update.received"
	MessageReceived EventType = "message.received"
	MessageSent     EventType = "message.sent"
	StateTransition EventType = "state.transition"
	InputRejected   EventType = "input.rejected"
	DispatchFailed  EventType = "dispatch.failed"
	ScenarioFailed  EventType = "scenario.failed"
	ActionExecuted  EventType = "action.executed"
	HookResult      EventType = "hook.result"
	HookError       EventType = "hook.error"
	DialogReset     EventType = "dialog.reset"
)

// Envelope is the standard event wrapper published to the event bus.
// DialogKey is "<bot>/<platform>/<chat>" so consumers can partition by chat.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	DialogKey string            `json:"dialog_key"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UpdateReceivedData carries a raw platform update from the webhook to the
// queue subscriber that runs the dialog manager.
type UpdateReceivedData struct {
	BotID    string          `json:"bot_id"`
	Platform string          `json:"platform"`
	UpdateID string          `json:"update_id,omitempty"`
	Raw      json.RawMessage `json:"raw"`
}

// MessageReceivedData is the payload for message.received events.
type MessageReceivedData struct {
	Kind  string `json:"kind"`
	Text  string `json:"text,omitempty"`
	Value string `json:"value,omitempty"`
	Step  string `json:"step"`
}

// MessageSentData is the payload for message.sent events.
type MessageSentData struct {
	Step       string   `json:"step,omitempty"`
	Method     string   `json:"method"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// StateTransitionData is the payload for state.transition events.
type StateTransitionData struct {
	FromStep     string `json:"from_step"`
	ToStep       string `json:"to_step"`
	ScenarioID   string `json:"scenario_id"`
	TransitionID string `json:"transition_id"`
	Depth        int    `json:"depth"`
}

// InputRejectedData is the payload for input.rejected events.
type InputRejectedData struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Step    string `json:"step"`
}

// DispatchFailedData is the payload for dispatch.failed events.
type DispatchFailedData struct {
	Step   string `json:"step,omitempty"`
	Method string `json:"method"`
	Error  string `json:"error"`
}

// ScenarioFailedData is the payload for scenario.failed events.
type ScenarioFailedData struct {
	ScenarioID   string `json:"scenario_id"`
	Step         string `json:"step"`
	TransitionID string `json:"transition_id"`
	Error        string `json:"error"`
}

// ActionExecutedData is the payload for action.executed events.
type ActionExecutedData struct {
	ActionType string            `json:"action_type"`
	Step       string            `json:"step"`
	Params     map[string]string `json:"params,omitempty"`
}

// HookResultData is the payload for hook.result events.
type HookResultData struct {
	HookURL    string         `json:"hook_url"`
	StatusCode int            `json:"status_code"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// HookErrorData is the payload for hook.error events.
type HookErrorData struct {
	HookURL string `json:"hook_url"`
	Error   string `json:"error"`
}

// DialogResetData is the payload for dialog.reset events. Reason is
// "restart_command", "admin" or "scenario_changed".
type DialogResetData struct {
	ScenarioID string `json:"scenario_id"`
	FromStep   string `json:"from_step"`
	Reason     string `json:"reason"`
}
