package dialog

import (
	"time"

	"github.com/voicetyped/chatflow/pkg/events"
)

// Key identifies one conversation.
type Key struct {
	BotID    string
	Platform string
	ChatID   string
}

func (k Key) String() string { return events.DialogKey(k.BotID, k.Platform, k.ChatID) }

// DialogState is the persistent record of one conversation. An empty
// CurrentStep means the dialog has not started (or was reset) and the next
// inbound event enters the scenario's start step.
type DialogState struct {
	ID                string
	Key               Key
	ScenarioID        string
	CurrentStep       string
	CollectedData     map[string]any
	LastInteractionAt time.Time
	CreatedAt         time.Time
	// Version is the optimistic concurrency token. Repositories reject
	// an update whose Version does not match the stored row.
	Version int64
}

// Started reports whether the dialog has entered its scenario.
func (s *DialogState) Started() bool { return s.CurrentStep != "" }

// Clone returns a deep copy of the state.
func (s *DialogState) Clone() *DialogState {
	cp := *s
	cp.CollectedData = cloneData(s.CollectedData)
	return &cp
}

// MessageType says who authored a history entry.
type MessageType string

const (
	MessageUser MessageType = "user"
	MessageBot  MessageType = "bot"
)

// HistoryEntry is an append-only record of one inbound or outbound message.
type HistoryEntry struct {
	ID            string         `json:"id"`
	DialogStateID string         `json:"dialog_state_id"`
	MessageType   MessageType    `json:"message_type"`
	Step          string         `json:"step,omitempty"`
	TransitionID  string         `json:"transition_id,omitempty"`
	Data          map[string]any `json:"message_data"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TransitionContext is the transient context of one processing call. It is
// never persisted.
type TransitionContext struct {
	TransitionID string
	Depth        int
	Visited      []string
	Data         map[string]any
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	}
	return v
}
