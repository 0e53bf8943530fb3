package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/voicetyped/chatflow/pkg/platform"
)

// callbackDataLimit is the Bot API limit for callback_data, in bytes.
const callbackDataLimit = 64

// EncodeCallbackData packs a button's step and value as "<step>|<value>".
// When that would exceed the Bot API limit the step is dropped, and the
// click can then no longer be checked against the dialog's current step.
func EncodeCallbackData(step, value string) string {
	if step == "" || len(step)+1+len(value) > callbackDataLimit {
		if strings.Contains(value, "|") {
			return "|" + value
		}
		return value
	}
	return step + "|" + value
}

// DecodeCallbackData reverses EncodeCallbackData.
func DecodeCallbackData(data string) (step, value string) {
	if i := strings.IndexByte(data, '|'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return "", data
}

// ProcessUpdate normalizes a webhook payload into a platform.Event. It needs
// no API access and works before Initialize.
func (a *Adapter) ProcessUpdate(ctx context.Context, raw []byte) (*platform.Event, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	ev := &platform.Event{
		UpdateID: strconv.FormatInt(u.UpdateID, 10),
		Raw:      json.RawMessage(raw),
	}

	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil {
			// Inline-mode callbacks have no chat.
			return nil, platform.ErrUnsupportedUpdate
		}
		ev.Kind = platform.EventButton
		ev.ChatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		ev.UserID = strconv.FormatInt(cq.From.ID, 10)
		ev.MessageID = strconv.FormatInt(cq.Message.MessageID, 10)
		ev.CallbackID = cq.ID
		ev.StepRef, ev.Value = DecodeCallbackData(cq.Data)
		return ev, nil

	case u.Message != nil:
		m := u.Message
		ev.ChatID = strconv.FormatInt(m.Chat.ID, 10)
		ev.MessageID = strconv.FormatInt(m.MessageID, 10)
		if m.From != nil {
			ev.UserID = strconv.FormatInt(m.From.ID, 10)
		}
		if item := mediaOf(m); item != nil {
			ev.Kind = platform.EventMedia
			ev.Media = item
			ev.Text = m.Caption
			return ev, nil
		}
		if m.Text == "" {
			return nil, platform.ErrUnsupportedUpdate
		}
		ev.Kind = platform.EventText
		ev.Text = m.Text
		return ev, nil
	}
	return nil, platform.ErrUnsupportedUpdate
}

func mediaOf(m *Message) *platform.MediaItem {
	ref := func(t platform.MediaType, id string) *platform.MediaItem {
		return &platform.MediaItem{Type: t, Source: id, SourceKind: platform.SourceFileID, Caption: m.Caption}
	}
	switch {
	case len(m.Photo) > 0:
		return ref(platform.MediaPhoto, largestPhoto(m.Photo).FileID)
	case m.Animation != nil:
		return ref(platform.MediaAnimation, m.Animation.FileID)
	case m.Video != nil:
		return ref(platform.MediaVideo, m.Video.FileID)
	case m.Voice != nil:
		return ref(platform.MediaVoice, m.Voice.FileID)
	case m.Audio != nil:
		return ref(platform.MediaAudio, m.Audio.FileID)
	case m.Document != nil:
		return ref(platform.MediaDocument, m.Document.FileID)
	}
	return nil
}
