// Package store implements the dialog state repository.
package store

import (
	"context"
	"sync"

	"github.com/voicetyped/chatflow/pkg/dialog"
)

// Memory is an in-process repository. It is safe for concurrent use and
// hands out copies, so callers never share collected data with the store.
type Memory struct {
	mu      sync.RWMutex
	states  map[dialog.Key]*dialog.DialogState
	byID    map[string]dialog.Key
	history map[string][]dialog.HistoryEntry
}

var _ dialog.StateRepository = (*Memory)(nil)

// NewMemory creates an empty repository.
func NewMemory() *Memory {
	return &Memory{
		states:  make(map[dialog.Key]*dialog.DialogState),
		byID:    make(map[string]dialog.Key),
		history: make(map[string][]dialog.HistoryEntry),
	}
}

func (m *Memory) GetDialogState(_ context.Context, key dialog.Key) (*dialog.DialogState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok {
		return nil, dialog.ErrStateNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) CreateDialogState(_ context.Context, st *dialog.DialogState) (*dialog.DialogState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.Key]; ok {
		return nil, dialog.ErrStateConflict
	}
	cp := st.Clone()
	cp.Version = 1
	m.states[cp.Key] = cp
	m.byID[cp.ID] = cp.Key
	return cp.Clone(), nil
}

func (m *Memory) UpdateDialogState(_ context.Context, st *dialog.DialogState) (*dialog.DialogState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.Key]
	if !ok {
		return nil, dialog.ErrStateNotFound
	}
	if cur.Version != st.Version {
		return nil, dialog.ErrStateConflict
	}
	cp := st.Clone()
	cp.ID = cur.ID
	cp.CreatedAt = cur.CreatedAt
	cp.Version = cur.Version + 1
	m.states[cp.Key] = cp
	return cp.Clone(), nil
}

func (m *Memory) AppendHistory(_ context.Context, entries ...dialog.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.byID[e.DialogStateID]; !ok {
			return dialog.ErrStateNotFound
		}
	}
	for _, e := range entries {
		e.Data = cloneMap(e.Data)
		m.history[e.DialogStateID] = append(m.history[e.DialogStateID], e)
	}
	return nil
}

func (m *Memory) GetHistory(_ context.Context, dialogStateID string, limit int) ([]dialog.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.history[dialogStateID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]dialog.HistoryEntry, len(all))
	for i, e := range all {
		e.Data = cloneMap(e.Data)
		out[i] = e
	}
	return out, nil
}

// cloneMap copies the top level of m. Nested values are shared with the
// caller but never mutated by the store.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
