package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/pitabwire/frame/datastore/pool"

	"github.com/voicetyped/chatflow/pkg/dialog"
)

// Repository persists dialog state through the frame datastore pool.
// Updates are guarded by the state_version column.
type Repository struct {
	pool pool.Pool
}

var _ dialog.StateRepository = (*Repository)(nil)

// NewRepository creates a new dialog repository.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// Migrate creates or updates the dialog tables.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db(ctx, false).AutoMigrate(&DialogStateRecord{}, &HistoryRecord{})
}

// GetDialogState returns the state of one chat.
func (r *Repository) GetDialogState(ctx context.Context, key dialog.Key) (*dialog.DialogState, error) {
	var rec DialogStateRecord
	err := r.db(ctx, false).
		Where("bot_id = ? AND platform = ? AND platform_chat_id = ?", key.BotID, key.Platform, key.ChatID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dialog.ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// CreateDialogState inserts a new chat row.
func (r *Repository) CreateDialogState(ctx context.Context, st *dialog.DialogState) (*dialog.DialogState, error) {
	rec := toRecord(st)
	rec.StateVersion = 1
	if err := r.db(ctx, false).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return nil, dialog.ErrStateConflict
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

// UpdateDialogState writes st when its Version is still current.
func (r *Repository) UpdateDialogState(ctx context.Context, st *dialog.DialogState) (*dialog.DialogState, error) {
	rec := toRecord(st)
	res := r.db(ctx, false).
		Model(&DialogStateRecord{}).
		Where("bot_id = ? AND platform = ? AND platform_chat_id = ? AND state_version = ?",
			st.Key.BotID, st.Key.Platform, st.Key.ChatID, st.Version).
		Updates(map[string]any{
			"scenario_id":         rec.ScenarioID,
			"current_step":        rec.CurrentStep,
			"collected_data":      rec.CollectedData,
			"last_interaction_at": rec.LastInteractionAt,
			"state_version":       gorm.Expr("state_version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetDialogState(ctx, st.Key); err != nil {
			return nil, err
		}
		return nil, dialog.ErrStateConflict
	}

	out := st.Clone()
	out.Version = st.Version + 1
	return out, nil
}

// AppendHistory inserts entries in one batch, keeping their order.
func (r *Repository) AppendHistory(ctx context.Context, entries ...dialog.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	recs := make([]HistoryRecord, len(entries))
	for i, e := range entries {
		recs[i] = HistoryRecord{
			DialogStateID: e.DialogStateID,
			MessageType:   string(e.MessageType),
			Step:          e.Step,
			TransitionID:  e.TransitionID,
			MessageData:   JSONMap(e.Data),
		}
		recs[i].ID = e.ID
		recs[i].CreatedAt = e.CreatedAt
	}
	if err := r.db(ctx, false).Create(&recs).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// GetHistory returns the latest limit entries of a dialog, oldest first.
func (r *Repository) GetHistory(ctx context.Context, dialogStateID string, limit int) ([]dialog.HistoryEntry, error) {
	var recs []HistoryRecord
	q := r.db(ctx, true).
		Where("dialog_state_id = ?", dialogStateID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	slices.Reverse(recs)

	out := make([]dialog.HistoryEntry, len(recs))
	for i, rec := range recs {
		out[i] = dialog.HistoryEntry{
			ID:            rec.ID,
			DialogStateID: rec.DialogStateID,
			MessageType:   dialog.MessageType(rec.MessageType),
			Step:          rec.Step,
			TransitionID:  rec.TransitionID,
			Data:          map[string]any(rec.MessageData),
			CreatedAt:     rec.CreatedAt,
		}
	}
	return out, nil
}

func toRecord(st *dialog.DialogState) *DialogStateRecord {
	rec := &DialogStateRecord{
		BotID:             st.Key.BotID,
		Platform:          st.Key.Platform,
		PlatformChatID:    st.Key.ChatID,
		ScenarioID:        st.ScenarioID,
		CurrentStep:       st.CurrentStep,
		CollectedData:     JSONMap(st.CollectedData),
		LastInteractionAt: st.LastInteractionAt,
		StateVersion:      st.Version,
	}
	if rec.CollectedData == nil {
		rec.CollectedData = JSONMap{}
	}
	rec.ID = st.ID
	rec.CreatedAt = st.CreatedAt
	return rec
}

func fromRecord(rec *DialogStateRecord) *dialog.DialogState {
	data := map[string]any(rec.CollectedData)
	if data == nil {
		data = map[string]any{}
	}
	return &dialog.DialogState{
		ID: rec.ID,
		Key: dialog.Key{
			BotID:    rec.BotID,
			Platform: rec.Platform,
			ChatID:   rec.PlatformChatID,
		},
		ScenarioID:        rec.ScenarioID,
		CurrentStep:       rec.CurrentStep,
		CollectedData:     data,
		LastInteractionAt: rec.LastInteractionAt,
		CreatedAt:         rec.CreatedAt,
		Version:           rec.StateVersion,
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Postgres unique_violation when the dialect does not translate errors.
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key")
}
