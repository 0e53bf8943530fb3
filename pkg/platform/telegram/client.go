package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/voicetyped/chatflow/pkg/platform"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the outbound request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithBreaker tunes the circuit breaker: it opens after failures
// consecutive server-side failures and probes again after timeout.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// Client is a minimal Bot API client. Calls are throttled and pass through
// a circuit breaker that trips only on transport errors and 5xx answers;
// ordinary API errors (bad chat id, blocked bot) do not count as failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*apiResponse]

	breakerFailures uint32
	breakerTimeout  time.Duration
}

// NewClient creates a client for the bot token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:         rate.NewLimiter(rate.Limit(25), 5),
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	failures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     c.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *platform.APIError
			if errors.As(err, &apiErr) {
				return apiErr.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("telegram circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

// call invokes a Bot API method with a JSON body and decodes the result
// into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params any, out any) (*apiResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal params: %w", method, err)
	}
	return c.do(ctx, method, out, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// upload is a local file sent as a multipart part.
type upload struct {
	field string
	path  string
}

// callMultipart invokes a method with form fields and local file parts.
func (c *Client) callMultipart(ctx context.Context, method string, fields map[string]string, files []upload, out any) (*apiResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: write field %q: %w", method, k, err)
		}
	}
	for _, f := range files {
		if err := writeFilePart(mw, f); err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: close multipart: %w", method, err)
	}
	payload := buf.Bytes()
	contentType := mw.FormDataContentType()

	return c.do(ctx, method, out, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
}

func writeFilePart(mw *multipart.Writer, f upload) error {
	src, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open %q: %w", f.path, err)
	}
	defer src.Close()
	part, err := mw.CreateFormFile(f.field, filepath.Base(f.path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy %q: %w", f.path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, out any, build func() (*http.Request, error)) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limiter: %w", method, err)
	}

	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		var ar apiResponse
		if err := json.Unmarshal(raw, &ar); err != nil {
			if httpResp.StatusCode >= 500 {
				return nil, &platform.APIError{Method: method, Code: httpResp.StatusCode, Description: http.StatusText(httpResp.StatusCode)}
			}
			return nil, fmt.Errorf("decode response (HTTP %d): %w", httpResp.StatusCode, err)
		}
		if !ar.OK {
			code := ar.ErrorCode
			if code == 0 {
				code = httpResp.StatusCode
			}
			return &ar, &platform.APIError{Method: method, Code: code, Description: ar.Description}
		}
		return &ar, nil
	})
	if err != nil {
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) {
			return resp, err
		}
		return resp, fmt.Errorf("%s: %w", method, err)
	}

	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return resp, fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return resp, nil
}

// Download fetches a file by the path returned from getFile.
func (c *Client) Download(ctx context.Context, filePath string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, strings.TrimLeft(filePath, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", filePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &platform.APIError{Method: "download", Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}
	// Bot API downloads are capped at 20 MB.
	return io.ReadAll(io.LimitReader(resp.Body, 20<<20))
}
