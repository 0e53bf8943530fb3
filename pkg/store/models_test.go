package store

import (
	"reflect"
	"testing"
	"time"

	"github.com/voicetyped/chatflow/pkg/dialog"
)

func TestJSONMapScan(t *testing.T) {
	tests := []struct {
		name string
		src  any
		want JSONMap
	}{
		{"bytes", []byte(`{"a":1}`), JSONMap{"a": 1.0}},
		{"string", `{"b":"x"}`, JSONMap{"b": "x"}},
		{"empty bytes", []byte{}, JSONMap{}},
		{"nil", nil, JSONMap{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m JSONMap
			if err := m.Scan(tt.src); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if !reflect.DeepEqual(m, tt.want) {
				t.Fatalf("got %v, want %v", m, tt.want)
			}
		})
	}

	var m JSONMap
	if err := m.Scan([]byte("{")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestJSONMapValueNil(t *testing.T) {
	v, err := JSONMap(nil).Value()
	if err != nil || string(v.([]byte)) != "{}" {
		t.Fatalf("Value = %s, %v", v, err)
	}
}

func TestRecordConversion(t *testing.T) {
	st := &dialog.DialogState{
		ID:                "abc",
		Key:               dialog.Key{BotID: "b", Platform: "telegram", ChatID: "7"},
		ScenarioID:        "s",
		CurrentStep:       "ask",
		CollectedData:     map[string]any{"name": "Ann"},
		LastInteractionAt: time.Unix(200, 0).UTC(),
		CreatedAt:         time.Unix(100, 0).UTC(),
		Version:           4,
	}
	rec := toRecord(st)
	if rec.PlatformChatID != "7" || rec.StateVersion != 4 || rec.ID != "abc" {
		t.Fatalf("record = %+v", rec)
	}
	if back := fromRecord(rec); !reflect.DeepEqual(back, st) {
		t.Fatalf("round trip = %+v, want %+v", back, st)
	}

	empty := toRecord(&dialog.DialogState{})
	if empty.CollectedData == nil {
		t.Fatal("nil collected data stored as NULL")
	}
}
