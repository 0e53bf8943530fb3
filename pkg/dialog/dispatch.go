package dialog

import (
	"context"
	"errors"
	"fmt"

	"github.com/voicetyped/chatflow/pkg/convlog"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/platform"
)

// Dispatch records one adapter call made for a dialog.
type Dispatch struct {
	Step     string               `json:"step,omitempty"`
	Method   string               `json:"method"`
	Text     string               `json:"text,omitempty"`
	Media    []platform.MediaItem `json:"media,omitempty"`
	Buttons  []platform.Button    `json:"buttons,omitempty"`
	Response *platform.Response   `json:"response,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Failed reports whether the adapter call failed.
func (d Dispatch) Failed() bool { return d.Error != "" }

// Adapter method names recorded in Dispatch.Method.
const (
	MethodSendText       = "send_text_message"
	MethodSendMedia      = "send_media_message"
	MethodSendMediaGroup = "send_media_group"
	MethodSendButtons    = "send_buttons"
)

// dispatcher sends rendered messages through one adapter. Failures are
// recorded on the returned dispatches and never abort the sequence.
type dispatcher struct {
	adapter     platform.Adapter
	publisher   EventPublisher
	key         Key
	defaultText string
}

// send delivers msg. Buttons are never attached to media: one media item is
// followed by a separate buttons message, several items go out as one group
// followed by the buttons.
func (d *dispatcher) send(ctx context.Context, step string, msg RenderedMessage) []Dispatch {
	var out []Dispatch
	text := msg.Text
	hasButtons := len(msg.Buttons) > 0

	switch len(msg.Media) {
	case 0:
	case 1:
		item := msg.Media[0]
		if item.Caption == "" && !hasButtons && text != "" {
			item.Caption = text
			text = ""
		}
		out = append(out, d.call(ctx, Dispatch{Step: step, Method: MethodSendMedia, Media: []platform.MediaItem{item}}))
	default:
		caption := ""
		if !hasButtons {
			caption = text
			text = ""
		}
		out = append(out, d.call(ctx, Dispatch{Step: step, Method: MethodSendMediaGroup, Text: caption, Media: msg.Media}))
	}

	switch {
	case hasButtons:
		if text == "" {
			text = d.defaultText
		}
		out = append(out, d.call(ctx, Dispatch{Step: step, Method: MethodSendButtons, Text: text, Buttons: msg.Buttons}))
	case text != "":
		out = append(out, d.call(ctx, Dispatch{Step: step, Method: MethodSendText, Text: text}))
	}
	return out
}

func (d *dispatcher) call(ctx context.Context, rec Dispatch) Dispatch {
	chatID := d.key.ChatID
	var (
		resp *platform.Response
		err  error
	)
	switch rec.Method {
	case MethodSendText:
		resp, err = d.adapter.SendTextMessage(ctx, chatID, rec.Text)
	case MethodSendMedia:
		resp, err = d.adapter.SendMediaMessage(ctx, chatID, rec.Media[0])
	case MethodSendMediaGroup:
		resp, err = d.adapter.SendMediaGroup(ctx, chatID, rec.Media, rec.Text)
	case MethodSendButtons:
		resp, err = d.adapter.SendButtons(ctx, chatID, rec.Text, rec.Buttons)
	default:
		err = fmt.Errorf("unknown dispatch method %q", rec.Method)
	}
	if err == nil && resp != nil && !resp.OK {
		err = &platform.APIError{Method: rec.Method, Code: resp.ErrorCode, Description: resp.Description}
	}
	rec.Response = resp

	dialogKey := d.key.String()
	if err != nil {
		rec.Error = err.Error()
		convlog.Logger(ctx).ErrorContext(ctx, "dispatch failed",
			"step", rec.Step, "method", rec.Method, "error", rec.Error)
		d.emit(ctx, events.DispatchFailed, dialogKey, &events.DispatchFailedData{
			Step: rec.Step, Method: rec.Method, Error: rec.Error,
		})
		return rec
	}

	var ids []string
	if resp != nil {
		ids = resp.MessageIDs
	}
	d.emit(ctx, events.MessageSent, dialogKey, &events.MessageSentData{
		Step: rec.Step, Method: rec.Method, MessageIDs: ids,
	})
	return rec
}

func (d *dispatcher) emit(ctx context.Context, t events.EventType, key string, data any) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Emit(ctx, t, key, data); err != nil {
		convlog.Logger(ctx).WarnContext(ctx, "event publish failed", "event_type", string(t), "error", err.Error())
	}
}

// dispatchErrors joins the failures of ds.
func dispatchErrors(ds []Dispatch) error {
	var errs []error
	for _, d := range ds {
		if d.Failed() {
			errs = append(errs, fmt.Errorf("%s: %s", d.Method, d.Error))
		}
	}
	return errors.Join(errs...)
}

// historyData is the message_data stored for a bot history entry.
func historyData(msg RenderedMessage, ds []Dispatch) map[string]any {
	data := map[string]any{}
	if msg.Text != "" {
		data["text"] = msg.Text
	}
	if len(msg.Media) > 0 {
		media := make([]any, 0, len(msg.Media))
		for _, m := range msg.Media {
			media = append(media, mediaValue(&m))
		}
		data["media"] = media
	}
	if len(msg.Buttons) > 0 {
		buttons := make([]any, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, map[string]any{"text": b.Text, "value": b.Value})
		}
		data["buttons"] = buttons
	}
	var failed []any
	for _, d := range ds {
		if d.Failed() {
			failed = append(failed, d.Method)
		}
	}
	if len(failed) > 0 {
		data["failed"] = failed
	}
	return data
}
