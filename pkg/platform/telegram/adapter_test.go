package telegram

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicetyped/chatflow/pkg/platform"
)

type apiCall struct {
	method      string
	contentType string
	params      map[string]any
	form        map[string]string
	files       []string
}

// fakeAPI is a minimal Bot API server recording every call.
type fakeAPI struct {
	t  *testing.T
	mu sync.Mutex

	calls   []apiCall
	results map[string]string
	status  map[string]int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{
		t: t,
		results: map[string]string{
			"getMe":       `{"id": 99, "is_bot": true, "first_name": "bot"}`,
			"sendMessage": `{"message_id": 10, "chat": {"id": 1}}`,
			"sendPhoto":   `{"message_id": 11, "chat": {"id": 1}, "photo": [{"file_id": "small", "width": 10, "height": 10}, {"file_id": "big", "width": 100, "height": 100}]}`,
			"sendMediaGroup": `[{"message_id": 12, "chat": {"id": 1}}, {"message_id": 13, "chat": {"id": 1}}]`,
			"getFile":        `{"file_id": "f1", "file_path": "photos/file_1.jpg"}`,
		},
		status: map[string]int{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/bottok/") {
		_, _ = w.Write([]byte("jpeg-bytes"))
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/bottok/")
	call := apiCall{method: method, contentType: r.Header.Get("Content-Type")}

	if strings.HasPrefix(call.contentType, "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			f.t.Errorf("parse multipart: %v", err)
		}
		call.form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			call.form[k] = v[0]
		}
		for k := range r.MultipartForm.File {
			call.files = append(call.files, k)
		}
	} else {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &call.params)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	status := f.status[method]
	result, ok := f.results[method]
	f.mu.Unlock()

	switch {
	case status >= 500:
		w.WriteHeader(status)
	case status != 0:
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"}`))
	case ok:
		_, _ = w.Write([]byte(`{"ok": true, "result": ` + result + `}`))
	default:
		_, _ = w.Write([]byte(`{"ok": true, "result": true}`))
	}
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, *fakeAPI) {
	t.Helper()
	api, srv := newFakeAPI(t)
	opts = append([]Option{WithRateLimit(1000, 100)}, opts...)
	a := NewAdapter(opts...)
	ok, err := a.Initialize(t.Context(), platform.Credentials{Token: "tok", BaseURL: srv.URL, StorageChatID: "-100"})
	if err != nil || !ok {
		t.Fatalf("Initialize = %v, %v", ok, err)
	}
	return a, api
}

func TestSendButtonsEncodesStep(t *testing.T) {
	a, api := newTestAdapter(t)

	resp, err := a.SendButtons(t.Context(), "1", "Pick one", []platform.Button{
		{Text: "Free", Value: "free", StepRef: "ask_plan"},
		{Text: "Pro", Value: "pro", StepRef: "ask_plan"},
	})
	if err != nil {
		t.Fatalf("SendButtons: %v", err)
	}
	if !resp.OK || len(resp.MessageIDs) != 1 || resp.MessageIDs[0] != "10" {
		t.Errorf("response = %+v", resp)
	}

	calls := api.Calls()
	last := calls[len(calls)-1]
	if last.method != "sendMessage" {
		t.Fatalf("method = %q", last.method)
	}
	markup := last.params["reply_markup"].(map[string]any)
	rows := markup["inline_keyboard"].([]any)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	first := rows[0].([]any)[0].(map[string]any)
	if first["callback_data"] != "ask_plan|free" {
		t.Errorf("callback_data = %v", first["callback_data"])
	}
}

func TestSendMediaMessageByURLAndPath(t *testing.T) {
	a, api := newTestAdapter(t)

	_, err := a.SendMediaMessage(t.Context(), "1", platform.MediaItem{
		Type: platform.MediaPhoto, Source: "https://example.com/a.jpg", SourceKind: platform.SourceURL, Caption: "hi",
	})
	if err != nil {
		t.Fatalf("SendMediaMessage url: %v", err)
	}

	path := filepath.Join(t.TempDir(), "menu.jpg")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendMediaMessage(t.Context(), "1", platform.MediaItem{
		Type: platform.MediaPhoto, Source: path, SourceKind: platform.SourcePath,
	}); err != nil {
		t.Fatalf("SendMediaMessage path: %v", err)
	}

	calls := api.Calls()
	byURL, byPath := calls[len(calls)-2], calls[len(calls)-1]
	if byURL.params["photo"] != "https://example.com/a.jpg" || byURL.params["caption"] != "hi" {
		t.Errorf("url call = %+v", byURL.params)
	}
	if !strings.HasPrefix(byPath.contentType, "multipart/form-data") {
		t.Errorf("path upload content type = %q", byPath.contentType)
	}
	if len(byPath.files) != 1 || byPath.files[0] != "photo" || byPath.form["chat_id"] != "1" {
		t.Errorf("path call = %+v", byPath)
	}
}

func TestSendMediaGroupChunksAndCaption(t *testing.T) {
	a, api := newTestAdapter(t)

	items := make([]platform.MediaItem, 11)
	for i := range items {
		items[i] = platform.MediaItem{Type: platform.MediaPhoto, Source: "id" + string(rune('a'+i)), SourceKind: platform.SourceFileID}
	}
	resp, err := a.SendMediaGroup(t.Context(), "1", items, "album")
	if err != nil {
		t.Fatalf("SendMediaGroup: %v", err)
	}
	if !resp.OK {
		t.Errorf("response = %+v", resp)
	}

	var methods []string
	for _, c := range api.Calls()[1:] {
		methods = append(methods, c.method)
	}
	if strings.Join(methods, ",") != "sendMediaGroup,sendPhoto" {
		t.Fatalf("methods = %v", methods)
	}
	group := api.Calls()[1].params["media"].([]any)
	if len(group) != 10 {
		t.Errorf("group size = %d, want 10", len(group))
	}
	if group[0].(map[string]any)["caption"] != "album" {
		t.Errorf("caption not on first item: %v", group[0])
	}
	if items[0].Caption != "" {
		t.Error("caller's items must not be modified")
	}
}

func TestSendMediaGroupRejectsVoice(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.SendMediaGroup(t.Context(), "1", []platform.MediaItem{
		{Type: platform.MediaPhoto, Source: "a"},
		{Type: platform.MediaVoice, Source: "b"},
	}, "")
	if err == nil {
		t.Fatal("expected error for voice in album")
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	a, api := newTestAdapter(t)
	api.mu.Lock()
	api.status["sendMessage"] = http.StatusBadRequest
	api.mu.Unlock()

	resp, err := a.SendTextMessage(t.Context(), "404", "hello")
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		t.Fatalf("err = %v, want APIError 400", err)
	}
	if resp == nil || resp.OK || !strings.Contains(resp.Description, "chat not found") {
		t.Errorf("response = %+v", resp)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	a, api := newTestAdapter(t, WithBreaker(2, time.Minute))
	api.mu.Lock()
	api.status["sendMessage"] = http.StatusBadGateway
	api.mu.Unlock()

	for i := 0; i < 2; i++ {
		if _, err := a.SendTextMessage(t.Context(), "1", "x"); err == nil {
			t.Fatal("expected error from 502")
		}
	}
	before := len(api.Calls())
	_, err := a.SendTextMessage(t.Context(), "1", "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if len(api.Calls()) != before {
		t.Error("open breaker must not reach the API")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	a, api := newTestAdapter(t, WithBreaker(1, time.Minute))
	api.mu.Lock()
	api.status["sendMessage"] = http.StatusBadRequest
	api.mu.Unlock()

	for i := 0; i < 3; i++ {
		_, err := a.SendTextMessage(t.Context(), "1", "x")
		if errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatal("4xx answers must not open the breaker")
		}
	}
}

func TestGetFileAndUpload(t *testing.T) {
	a, _ := newTestAdapter(t)

	resp, err := a.GetFileFromPlatform(t.Context(), "f1")
	if err != nil {
		t.Fatalf("GetFileFromPlatform: %v", err)
	}
	if string(resp.File.Content) != "jpeg-bytes" || resp.File.Name != "file_1.jpg" {
		t.Errorf("file = %+v", resp.File)
	}

	path := filepath.Join(t.TempDir(), "logo.jpg")
	if err := os.WriteFile(path, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	up, err := a.UploadFileToPlatform(t.Context(), path, platform.MediaPhoto)
	if err != nil {
		t.Fatalf("UploadFileToPlatform: %v", err)
	}
	if up.FileID != "big" {
		t.Errorf("file id = %q, want largest photo", up.FileID)
	}
}

func TestNotInitialized(t *testing.T) {
	a := NewAdapter()
	if _, err := a.SendTextMessage(t.Context(), "1", "x"); !errors.Is(err, errNotInitialized) {
		t.Errorf("err = %v, want errNotInitialized", err)
	}
}
