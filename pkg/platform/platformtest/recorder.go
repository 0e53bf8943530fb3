// Package platformtest provides an in-memory platform adapter for tests.
package platformtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/voicetyped/chatflow/pkg/platform"
)

// Call is one recorded adapter invocation.
type Call struct {
	Method  string
	ChatID  string
	Text    string
	Media   []platform.MediaItem
	Buttons []platform.Button
}

// Recorder implements platform.Adapter and platform.CallbackAcknowledger by
// recording every call. ProcessUpdate decodes a JSON-encoded platform.Event,
// see Update.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	acks  []string
	fail  map[string]error
	seq   int
}

var (
	_ platform.Adapter              = (*Recorder)(nil)
	_ platform.CallbackAcknowledger = (*Recorder)(nil)
)

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// Update encodes ev the way ProcessUpdate expects it.
func Update(ev platform.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

// FailOn makes every later call of method return err.
func (r *Recorder) FailOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[method] = err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns the recorded method names in order.
func (r *Recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// Acks returns the acknowledged callback ids.
func (r *Recorder) Acks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acks...)
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.acks = nil
}

func (r *Recorder) record(c Call) (*platform.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if err := r.fail[c.Method]; err != nil {
		return &platform.Response{OK: false, Description: err.Error()}, err
	}
	r.seq++
	return &platform.Response{OK: true, MessageIDs: []string{fmt.Sprint(r.seq)}}, nil
}

func (r *Recorder) Name() string { return "test" }

func (r *Recorder) Initialize(ctx context.Context, creds platform.Credentials) (bool, error) {
	return true, nil
}

func (r *Recorder) SendTextMessage(ctx context.Context, chatID, text string) (*platform.Response, error) {
	return r.record(Call{Method: "SendTextMessage", ChatID: chatID, Text: text})
}

func (r *Recorder) SendMediaMessage(ctx context.Context, chatID string, item platform.MediaItem) (*platform.Response, error) {
	return r.record(Call{Method: "SendMediaMessage", ChatID: chatID, Text: item.Caption, Media: []platform.MediaItem{item}})
}

func (r *Recorder) SendMediaGroup(ctx context.Context, chatID string, items []platform.MediaItem, caption string) (*platform.Response, error) {
	return r.record(Call{Method: "SendMediaGroup", ChatID: chatID, Text: caption, Media: append([]platform.MediaItem(nil), items...)})
}

func (r *Recorder) SendButtons(ctx context.Context, chatID, text string, buttons []platform.Button) (*platform.Response, error) {
	return r.record(Call{Method: "SendButtons", ChatID: chatID, Text: text, Buttons: append([]platform.Button(nil), buttons...)})
}

func (r *Recorder) ProcessUpdate(ctx context.Context, raw []byte) (*platform.Event, error) {
	var ev platform.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode test update: %w", err)
	}
	if ev.Kind == "" {
		return nil, platform.ErrUnsupportedUpdate
	}
	return &ev, nil
}

func (r *Recorder) SetWebhook(ctx context.Context, url, secret string) (*platform.Response, error) {
	return r.record(Call{Method: "SetWebhook", Text: url})
}

func (r *Recorder) DeleteWebhook(ctx context.Context) (*platform.Response, error) {
	return r.record(Call{Method: "DeleteWebhook"})
}

func (r *Recorder) GetWebhookInfo(ctx context.Context) (*platform.Response, error) {
	return r.record(Call{Method: "GetWebhookInfo"})
}

func (r *Recorder) GetFileFromPlatform(ctx context.Context, fileID string) (*platform.Response, error) {
	return nil, errors.New("not supported by recorder")
}

func (r *Recorder) UploadFileToPlatform(ctx context.Context, path string, mediaType platform.MediaType) (*platform.Response, error) {
	return nil, errors.New("not supported by recorder")
}

func (r *Recorder) AnswerCallback(ctx context.Context, callbackID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, callbackID)
	return nil
}
