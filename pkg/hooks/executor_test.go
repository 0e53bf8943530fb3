package hooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/urlvalidation"
)

func TestExecutorSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Error("expected application/json content type")
		}

		var req HookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.DialogKey != "bot/telegram/1" || req.Step != "lookup" {
			t.Errorf("request = %+v", req)
		}
		if req.Variables["name"] != "Alice" {
			t.Errorf("variables = %v", req.Variables)
		}

		_ = json.NewEncoder(w).Encode(HookResponse{
			Variables: map[string]any{"tier": "gold"},
		})
	}))
	defer ts.Close()

	pub := events.NewPublisher(nil, "test", "")
	evs := pub.Subscribe("t", 4)
	defer pub.Unsubscribe("t")

	exec := NewExecutor(pub, WithURLValidation(urlvalidation.AllowPrivateIPs()))
	resp, err := exec.Execute(t.Context(), HookConfig{URL: ts.URL, TimeoutSec: 5}, HookRequest{
		DialogKey:  "bot/telegram/1",
		ScenarioID: "onboarding",
		Step:       "lookup",
		Variables:  map[string]any{"name": "Alice"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Variables["tier"] != "gold" {
		t.Errorf("tier = %v, want gold", resp.Variables["tier"])
	}

	env := <-evs
	if env.Type != events.HookResult {
		t.Errorf("event = %q, want %q", env.Type, events.HookResult)
	}
}

func TestExecutorBearerAuth(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(HookResponse{})
	}))
	defer ts.Close()

	exec := NewExecutor(nil, WithURLValidation(urlvalidation.AllowPrivateIPs()))
	cfg := HookConfig{
		URL:        ts.URL,
		AuthType:   "bearer",
		AuthSecret: "my-token",
		TimeoutSec: 5,
	}

	if _, err := exec.Execute(t.Context(), cfg, HookRequest{DialogKey: "k"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAuth != "Bearer my-token" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer my-token")
	}
}

func TestExecutorHMACAuth(t *testing.T) {
	var sig string
	var body []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Hook-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	exec := NewExecutor(nil, WithURLValidation(urlvalidation.AllowPrivateIPs()))
	cfg := HookConfig{URL: ts.URL, AuthType: "hmac", AuthSecret: "s3cret"}
	resp, err := exec.Execute(t.Context(), cfg, HookRequest{DialogKey: "k"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(resp.Variables) != 0 {
		t.Errorf("empty body should yield no variables, got %v", resp.Variables)
	}
	if !Verify("s3cret", body, sig) {
		t.Errorf("signature %q does not verify", sig)
	}
	if Verify("other", body, sig) {
		t.Error("signature verified with wrong secret")
	}
}

func TestExecutorHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer ts.Close()

	exec := NewExecutor(nil, WithURLValidation(urlvalidation.AllowPrivateIPs()))
	_, err := exec.Execute(t.Context(), HookConfig{URL: ts.URL, TimeoutSec: 5}, HookRequest{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError || se.Body != "internal error" {
		t.Errorf("err = %v, want status error 500", err)
	}
}

func TestExecutorBreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(HookResponse{Variables: map[string]any{"ok": true}})
	}))
	defer healthy.Close()

	pub := events.NewPublisher(nil, "test", "")
	evs := pub.Subscribe("t", 8)
	defer pub.Unsubscribe("t")
	exec := NewExecutor(pub, WithURLValidation(urlvalidation.AllowPrivateIPs()), WithBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := exec.Execute(t.Context(), HookConfig{URL: failing.URL}, HookRequest{DialogKey: "k"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := exec.Execute(t.Context(), HookConfig{URL: failing.URL}, HookRequest{DialogKey: "k"})
	if !errors.Is(err, ErrHookUnavailable) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, open breaker must not reach the host", hits.Load())
	}
	for i := 0; i < 3; i++ {
		if env := <-evs; env.Type != events.HookError {
			t.Errorf("event %d = %q, want %q", i, env.Type, events.HookError)
		}
	}

	if _, err := exec.Execute(t.Context(), HookConfig{URL: healthy.URL}, HookRequest{}); err != nil {
		t.Fatalf("other host: %v", err)
	}
}

func TestExecutorClientErrorsDoNotTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	exec := NewExecutor(nil, WithURLValidation(urlvalidation.AllowPrivateIPs()), WithBreaker(1, time.Minute))
	for i := 0; i < 3; i++ {
		_, err := exec.Execute(t.Context(), HookConfig{URL: ts.URL}, HookRequest{})
		if errors.Is(err, ErrHookUnavailable) {
			t.Fatal("4xx answers must not open the breaker")
		}
	}
}

func TestExecutorRejectsPrivateURL(t *testing.T) {
	exec := NewExecutor(nil)
	if _, err := exec.Execute(t.Context(), HookConfig{URL: "http://127.0.0.1:1/hook"}, HookRequest{}); err == nil {
		t.Error("expected SSRF rejection")
	}
}
