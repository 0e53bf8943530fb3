package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/urlvalidation"
)

// SignatureHeader carries the HMAC of the request body for hmac hooks.
const SignatureHeader = "X-Hook-Signature"

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
	maxBreakers      = 1000
)

// ErrHookUnavailable is returned while the breaker for a hook host is open.
var ErrHookUnavailable = errors.New("hook host unavailable")

// StatusError is a non-2xx answer from a hook endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// WithURLValidation passes options to the outbound URL check.
func WithURLValidation(opts ...urlvalidation.Option) Option {
	return func(e *Executor) { e.validateOpts = append(e.validateOpts, opts...) }
}

// WithBreaker opens a host's breaker after failures consecutive errors and
// keeps it open for timeout. Zero failures disables breaking.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(e *Executor) {
		e.breakerFailures = failures
		e.breakerTimeout = timeout
	}
}

// Executor calls external hook endpoints on behalf of call_hook actions.
type Executor struct {
	httpClient   *http.Client
	publisher    *events.Publisher
	validateOpts []urlvalidation.Option

	breakerFailures uint32
	breakerTimeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*HookResponse]
}

// NewExecutor creates a hook executor. publisher may be nil.
func NewExecutor(publisher *events.Publisher, opts ...Option) *Executor {
	e := &Executor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		publisher:       publisher,
		breakerFailures: 5,
		breakerTimeout:  time.Minute,
		breakers:        make(map[string]*gobreaker.CircuitBreaker[*HookResponse]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute posts req to the hook endpoint and decodes its variables.
// Failures are emitted as hook.error events as well as returned.
func (e *Executor) Execute(ctx context.Context, cfg HookConfig, req HookRequest) (*HookResponse, error) {
	if err := urlvalidation.ValidateEndpointURL(ctx, cfg.URL, e.validateOpts...); err != nil {
		return nil, fmt.Errorf("hook URL validation: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal hook request: %w", err)
	}

	call := func() (*HookResponse, error) { return e.post(ctx, cfg, body) }
	var resp *HookResponse
	if cb := e.breaker(cfg.URL); cb != nil {
		resp, err = cb.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %w", ErrHookUnavailable, err)
		}
	} else {
		resp, err = call()
	}
	if err != nil {
		e.emit(ctx, events.HookError, req.DialogKey, &events.HookErrorData{HookURL: cfg.URL, Error: err.Error()})
		return nil, err
	}

	e.emit(ctx, events.HookResult, req.DialogKey, &events.HookResultData{
		HookURL:    cfg.URL,
		StatusCode: http.StatusOK,
		Variables:  resp.Variables,
	})
	return resp, nil
}

func (e *Executor) post(ctx context.Context, cfg HookConfig, body []byte) (*HookResponse, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create hook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch cfg.AuthType {
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AuthSecret)
	case "hmac":
		httpReq.Header.Set(SignatureHeader, Sign(cfg.AuthSecret, body))
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read hook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out HookResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("unmarshal hook response: %w", err)
		}
	}
	return &out, nil
}

// breaker returns the breaker of the hook's host, creating it on first use.
func (e *Executor) breaker(rawURL string) *gobreaker.CircuitBreaker[*HookResponse] {
	if e.breakerFailures == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := u.Host

	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[host]; ok {
		return cb
	}
	if len(e.breakers) >= maxBreakers {
		for k := range e.breakers {
			delete(e.breakers, k)
			break
		}
	}
	failures := e.breakerFailures
	cb := gobreaker.NewCircuitBreaker[*HookResponse](gobreaker.Settings{
		Name:    "hook:" + host,
		Timeout: e.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.StatusCode < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("hook circuit breaker state changed",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	e.breakers[host] = cb
	return cb
}

func (e *Executor) emit(ctx context.Context, t events.EventType, key string, data any) {
	if e.publisher == nil {
		return
	}
	_ = e.publisher.Emit(ctx, t, key, data)
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
