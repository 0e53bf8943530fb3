package telegram

import (
	"errors"
	"testing"

	"github.com/voicetyped/chatflow/pkg/platform"
)

func TestProcessUpdate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want platform.Event
	}{
		{
			name: "text",
			raw:  `{"update_id": 7, "message": {"message_id": 3, "from": {"id": 5}, "chat": {"id": 42, "type": "private"}, "text": "hello"}}`,
			want: platform.Event{UpdateID: "7", Kind: platform.EventText, ChatID: "42", UserID: "5", MessageID: "3", Text: "hello"},
		},
		{
			name: "button",
			raw:  `{"update_id": 8, "callback_query": {"id": "cb1", "from": {"id": 5}, "data": "ask_plan|pro", "message": {"message_id": 4, "chat": {"id": 42}}}}`,
			want: platform.Event{UpdateID: "8", Kind: platform.EventButton, ChatID: "42", UserID: "5", MessageID: "4", Value: "pro", StepRef: "ask_plan", CallbackID: "cb1"},
		},
		{
			name: "photo picks largest size",
			raw:  `{"update_id": 9, "message": {"message_id": 5, "chat": {"id": 42}, "caption": "receipt", "photo": [{"file_id": "s", "width": 1, "height": 1}, {"file_id": "l", "width": 9, "height": 9}]}}`,
			want: platform.Event{UpdateID: "9", Kind: platform.EventMedia, ChatID: "42", MessageID: "5", Text: "receipt"},
		},
	}

	a := NewAdapter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := a.ProcessUpdate(t.Context(), []byte(tt.raw))
			if err != nil {
				t.Fatalf("ProcessUpdate: %v", err)
			}
			got := *ev
			got.Raw = nil
			got.Media = nil
			if !sameEvent(got, tt.want) {
				t.Errorf("event = %+v\nwant    %+v", got, tt.want)
			}
			if tt.want.Kind == platform.EventMedia {
				if ev.Media == nil || ev.Media.Source != "l" || ev.Media.SourceKind != platform.SourceFileID {
					t.Errorf("media = %+v", ev.Media)
				}
			}
		})
	}
}

func sameEvent(a, b platform.Event) bool {
	return a.UpdateID == b.UpdateID && a.Kind == b.Kind && a.ChatID == b.ChatID &&
		a.UserID == b.UserID && a.MessageID == b.MessageID && a.Text == b.Text &&
		a.Value == b.Value && a.StepRef == b.StepRef && a.CallbackID == b.CallbackID
}

func TestProcessUpdateUnsupported(t *testing.T) {
	a := NewAdapter()
	for _, raw := range []string{
		`{"update_id": 1, "edited_message": {"message_id": 1, "chat": {"id": 1}, "text": "x"}}`,
		`{"update_id": 2, "message": {"message_id": 1, "chat": {"id": 1}}}`,
		`{"update_id": 3, "callback_query": {"id": "c", "from": {"id": 1}, "data": "x"}}`,
	} {
		if _, err := a.ProcessUpdate(t.Context(), []byte(raw)); !errors.Is(err, platform.ErrUnsupportedUpdate) {
			t.Errorf("ProcessUpdate(%s) err = %v, want ErrUnsupportedUpdate", raw, err)
		}
	}
	if _, err := a.ProcessUpdate(t.Context(), []byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestCallbackData(t *testing.T) {
	tests := []struct {
		step, value string
		encoded     string
	}{
		{"ask", "yes", "ask|yes"},
		{"", "yes", "yes"},
		{"", "a|b", "|a|b"},
		{"s", string(make([]byte, 70)), string(make([]byte, 70))},
	}
	for _, tt := range tests {
		enc := EncodeCallbackData(tt.step, tt.value)
		if enc != tt.encoded {
			t.Errorf("Encode(%q, %q) = %q, want %q", tt.step, tt.value, enc, tt.encoded)
		}
		step, value := DecodeCallbackData(enc)
		if value != tt.value {
			t.Errorf("Decode(%q) value = %q, want %q", enc, value, tt.value)
		}
		if len(tt.value) <= 60 && step != tt.step {
			t.Errorf("Decode(%q) step = %q, want %q", enc, step, tt.step)
		}
	}
}
