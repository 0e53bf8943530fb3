package dialog

import (
	"context"

	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/hooks"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// StateRepository persists dialog state and history. Reads return the latest
// committed state; each write is atomic for one state row.
type StateRepository interface {
	// GetDialogState returns ErrStateNotFound when the chat has no state.
	GetDialogState(ctx context.Context, key Key) (*DialogState, error)
	// CreateDialogState inserts a new row and returns ErrStateConflict if
	// one already exists for the key.
	CreateDialogState(ctx context.Context, st *DialogState) (*DialogState, error)
	// UpdateDialogState writes st if the stored Version equals st.Version
	// and returns the row with its new Version, or ErrStateConflict.
	UpdateDialogState(ctx context.Context, st *DialogState) (*DialogState, error)
	AppendHistory(ctx context.Context, entries ...HistoryEntry) error
	// GetHistory returns up to limit entries, oldest first. limit <= 0
	// means all.
	GetHistory(ctx context.Context, dialogStateID string, limit int) ([]HistoryEntry, error)
}

// ScenarioSource resolves the active scenario of a bot.
type ScenarioSource interface {
	ScenarioFor(ctx context.Context, botID string) (*scenario.Scenario, error)
}

// AdapterSource resolves the initialized platform adapter of a bot.
type AdapterSource interface {
	Adapter(ctx context.Context, botID, platformName string) (platform.Adapter, error)
}

// EventPublisher emits domain events. *events.Publisher implements it.
type EventPublisher interface {
	Emit(ctx context.Context, eventType events.EventType, dialogKey string, data any) error
}

// HookRunner runs call_hook actions. *hooks.Executor implements it.
type HookRunner interface {
	Execute(ctx context.Context, cfg hooks.HookConfig, req hooks.HookRequest) (*hooks.HookResponse, error)
}
