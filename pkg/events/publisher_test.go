package events

import (
	"encoding/json"
	"testing"
)

func TestEmitFansOutLocally(t *testing.T) {
	p := NewPublisher(nil, "chatflow", "")
	ch := p.Subscribe("test", 4)
	defer p.Unsubscribe("test")

	key := DialogKey("bot-1", "telegram", "42")
	err := p.Emit(t.Context(), StateTransition, key, &StateTransitionData{
		FromStep:     "welcome",
		ToStep:       "ask_name",
		ScenarioID:   "onboarding",
		TransitionID: "tx-1",
		Depth:        1,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	env := <-ch
	if env.Type != StateTransition {
		t.Errorf("type = %q, want %q", env.Type, StateTransition)
	}
	if env.DialogKey != "bot-1/telegram/42" {
		t.Errorf("dialog_key = %q", env.DialogKey)
	}
	if env.Source != "chatflow" || env.ID == "" {
		t.Errorf("source = %q, id = %q", env.Source, env.ID)
	}
	if env.Metadata[MetaBotID] != "bot-1" || env.Metadata[MetaPlatform] != "telegram" || env.Metadata[MetaChatID] != "42" {
		t.Errorf("metadata = %v", env.Metadata)
	}

	var payload StateTransitionData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ToStep != "ask_name" || payload.Depth != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEmitDropsWhenSubscriberFull(t *testing.T) {
	p := NewPublisher(nil, "chatflow", "")
	ch := p.Subscribe("slow", 1)
	defer p.Unsubscribe("slow")

	for i := 0; i < 3; i++ {
		if err := p.Emit(t.Context(), MessageSent, "k", &MessageSentData{Method: "sendMessage"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher(nil, "chatflow", "")
	ch := p.Subscribe("gone", 0)
	p.Unsubscribe("gone")
	if _, open := <-ch; open {
		t.Error("channel should be closed")
	}
	// Second unsubscribe is a no-op.
	p.Unsubscribe("gone")
}

func TestSubscribeFiltered(t *testing.T) {
	p := NewPublisher(nil, "chatflow", "")
	mine := p.SubscribeFiltered("mine", 4, ForBot("bot-1"))
	defer p.Unsubscribe("mine")

	for _, key := range []string{DialogKey("bot-2", "telegram", "1"), DialogKey("bot-1", "telegram", "2"), "bot-1/telegram", ""} {
		if err := p.Emit(t.Context(), MessageSent, key, &MessageSentData{Method: "send_text_message"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if len(mine) != 2 {
		t.Fatalf("received %d envelopes, want 2", len(mine))
	}
	first := <-mine
	if first.Metadata[MetaChatID] != "2" {
		t.Errorf("first = %+v", first.Metadata)
	}
	second := <-mine
	if _, ok := second.Metadata[MetaChatID]; ok || second.Metadata[MetaPlatform] != "telegram" {
		t.Errorf("second = %+v", second.Metadata)
	}
}

func TestResubscribeClosesPrevious(t *testing.T) {
	p := NewPublisher(nil, "chatflow", "")
	old := p.Subscribe("dup", 1)
	_ = p.Subscribe("dup", 1)
	defer p.Unsubscribe("dup")
	if _, open := <-old; open {
		t.Error("replaced subscription left open")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		UpdateReceived, MessageReceived, MessageSent,
		StateTransition, InputRejected, DispatchFailed,
		ScenarioFailed, ActionExecuted, HookResult, HookError,
		DialogReset,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}
