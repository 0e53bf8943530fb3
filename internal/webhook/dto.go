package webhook

import (
	"time"

	"github.com/voicetyped/chatflow/pkg/dialog"
)

// SendMessageRequest is the body of a proactive send.
type SendMessageRequest = dialog.RenderedMessage

// SendMessageResponse reports every adapter call of a send.
type SendMessageResponse struct {
	Dispatched []dialog.Dispatch `json:"dispatched"`
	Error      string            `json:"error,omitempty"`
}

// StateResponse is the API view of a dialog state.
type StateResponse struct {
	ID                string         `json:"id"`
	BotID             string         `json:"bot_id"`
	Platform          string         `json:"platform"`
	ChatID            string         `json:"chat_id"`
	ScenarioID        string         `json:"scenario_id"`
	CurrentStep       string         `json:"current_step"`
	CollectedData     map[string]any `json:"collected_data"`
	LastInteractionAt string         `json:"last_interaction_at"`
	CreatedAt         string         `json:"created_at"`
	Version           int64          `json:"version"`
}

func toStateResponse(st *dialog.DialogState) StateResponse {
	return StateResponse{
		ID:                st.ID,
		BotID:             st.Key.BotID,
		Platform:          st.Key.Platform,
		ChatID:            st.Key.ChatID,
		ScenarioID:        st.ScenarioID,
		CurrentStep:       st.CurrentStep,
		CollectedData:     st.CollectedData,
		LastInteractionAt: st.LastInteractionAt.Format(time.RFC3339),
		CreatedAt:         st.CreatedAt.Format(time.RFC3339),
		Version:           st.Version,
	}
}

// BotResponse is the API view of a configured bot.
type BotResponse struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	Scenario   string `json:"scenario"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Ready      bool   `json:"ready"`
}

// ScenarioResponse summarizes a loaded scenario.
type ScenarioResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	StartStep   string `json:"start_step"`
	Steps       int    `json:"steps"`
}

// SetWebhookRequest overrides the configured webhook url or secret.
type SetWebhookRequest struct {
	URL    string `json:"url,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// UploadRequest names a file under the media directory.
type UploadRequest struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
