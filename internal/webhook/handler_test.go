package webhook

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voicetyped/chatflow/pkg/hooks"
)

const textUpdate = `{"update_id": 1001, "Kind": "text", "ChatID": "42", "Text": "hi"}`

func TestReceiveAuthentication(t *testing.T) {
	env := newEnv(t)

	tests := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
		queued  bool
	}{
		{
			name:    "secret token",
			path:    "/webhooks/test/support",
			body:    textUpdate,
			headers: map[string]string{SecretTokenHeader: "s3cret"},
			want:    http.StatusOK,
			queued:  true,
		},
		{
			name:    "signature",
			path:    "/webhooks/test/support",
			body:    textUpdate,
			headers: map[string]string{SignatureHeader: hooks.Sign("s3cret", []byte(textUpdate))},
			want:    http.StatusOK,
			queued:  true,
		},
		{
			name:    "wrong token",
			path:    "/webhooks/test/support",
			body:    textUpdate,
			headers: map[string]string{SecretTokenHeader: "guess"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "signature over other body",
			path:    "/webhooks/test/support",
			body:    textUpdate,
			headers: map[string]string{SignatureHeader: hooks.Sign("s3cret", []byte("{}"))},
			want:    http.StatusUnauthorized,
		},
		{
			name: "no credentials",
			path: "/webhooks/test/support",
			body: textUpdate,
			want: http.StatusUnauthorized,
		},
		{
			name:   "bot without secret",
			path:   "/webhooks/test/open",
			body:   textUpdate,
			want:   http.StatusOK,
			queued: true,
		},
		{
			name: "unknown bot",
			path: "/webhooks/test/nobody",
			body: textUpdate,
			want: http.StatusNotFound,
		},
		{
			name: "platform mismatch",
			path: "/webhooks/telegram/open",
			body: textUpdate,
			want: http.StatusNotFound,
		},
		{
			name: "not json",
			path: "/webhooks/test/open",
			body: "update=1",
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			mux := http.NewServeMux()
			NewHandler(env.reg, sink).RegisterRoutes(mux)

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if got := len(sink.received()) == 1; got != tt.queued {
				t.Fatalf("queued = %v, want %v", got, tt.queued)
			}
		})
	}
}

func TestReceiveSuppressesReplays(t *testing.T) {
	env := newEnv(t)
	sink := &recordingSink{}
	h := NewHandler(env.reg, sink)

	post := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/test/open", strings.NewReader(body))
		req.SetPathValue("platform", "test")
		req.SetPathValue("bot_id", "open")
		rec := httptest.NewRecorder()
		h.Receive(rec, req)
		return rec.Code
	}

	for i := range 3 {
		if code := post(textUpdate); code != http.StatusOK {
			t.Fatalf("post %d: status %d", i, code)
		}
	}
	if code := post(`{"update_id": 1002, "Kind": "text", "ChatID": "42", "Text": "again"}`); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	got := sink.received()
	if len(got) != 2 {
		t.Fatalf("queued %d updates, want 2", len(got))
	}
	if got[0].UpdateID != "1001" || got[1].UpdateID != "1002" || got[0].BotID != "open" || got[0].Platform != "test" {
		t.Fatalf("updates = %+v", got)
	}
}

func TestReceiveAcknowledgesEnqueueFailure(t *testing.T) {
	env := newEnv(t)
	sink := &recordingSink{err: errors.New("queue down")}
	mux := http.NewServeMux()
	NewHandler(env.reg, sink).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/test/open", strings.NewReader(textUpdate)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestPoolSinkRunsEngine(t *testing.T) {
	env := newEnv(t)
	pool := &inlinePool{}
	sink := &PoolSink{Pool: pool, Subscriber: &Subscriber{Engine: env.mgr}}
	mux := http.NewServeMux()
	NewHandler(env.reg, sink).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/test/open", strings.NewReader(textUpdate)))
	if rec.Code != http.StatusOK || pool.ran != 1 {
		t.Fatalf("status = %d, pool ran %d", rec.Code, pool.ran)
	}
	calls := env.rec.Calls()
	if len(calls) != 1 || calls[0].Text != "Welcome!" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestUpdateIDOf(t *testing.T) {
	tests := map[string]string{
		`{"update_id": 5}`:    "5",
		`{"update_id": "ab"}`: "",
		`{"message": {}}`:     "",
		`[1,2]`:               "",
	}
	for body, want := range tests {
		if got := updateIDOf([]byte(body)); got != want {
			t.Errorf("updateIDOf(%s) = %q, want %q", body, got, want)
		}
	}
}
