package store

import (
	"encoding/json"
	"time"

	"github.com/pitabwire/frame/data"
)

// DialogStateRecord is the row of one conversation.
type DialogStateRecord struct {
	data.BaseModel

	BotID             string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_dialog_chat" json:"bot_id"`
	Platform          string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_dialog_chat"  json:"platform"`
	PlatformChatID    string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_dialog_chat" json:"platform_chat_id"`
	ScenarioID        string    `gorm:"type:varchar(255);not null"                             json:"scenario_id"`
	CurrentStep       string    `gorm:"type:varchar(255)"                                      json:"current_step"`
	CollectedData     JSONMap   `gorm:"type:jsonb;default:'{}'"                                json:"collected_data"`
	LastInteractionAt time.Time `gorm:"index:idx_dialog_last_interaction"                      json:"last_interaction_at"`
	StateVersion      int64     `gorm:"not null;default:1"                                     json:"state_version"`
}

func (DialogStateRecord) TableName() string { return "dialog_states" }

// HistoryRecord is one inbound or outbound message of a conversation.
type HistoryRecord struct {
	data.BaseModel

	DialogStateID string  `gorm:"type:varchar(50);not null;index:idx_history_dialog" json:"dialog_state_id"`
	MessageType   string  `gorm:"type:varchar(10);not null"                          json:"message_type"`
	Step          string  `gorm:"type:varchar(255)"                                  json:"step,omitempty"`
	TransitionID  string  `gorm:"type:varchar(50);index:idx_history_transition"      json:"transition_id,omitempty"`
	MessageData   JSONMap `gorm:"type:jsonb;default:'{}'"                            json:"message_data"`
}

func (HistoryRecord) TableName() string { return "dialog_history" }

// JSONMap is a custom GORM type for JSONB storage of free-form data.
type JSONMap map[string]any

func (m JSONMap) Value() (interface{}, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
