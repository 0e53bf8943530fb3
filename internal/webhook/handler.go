// Package webhook is the HTTP boundary of the service: inbound platform
// webhooks, the queue subscriber that feeds them to the dialog manager, and
// the admin API.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voicetyped/chatflow/internal/bots"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/guard"
	"github.com/voicetyped/chatflow/pkg/hooks"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB

	// SecretTokenHeader carries the secret registered with setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
	// SignatureHeader carries an HMAC-SHA256 of the body for platforms
	// that sign instead of echoing a token.
	SignatureHeader = "X-Chatflow-Signature"

	defaultReplayWindow = time.Hour
)

// BotLookup resolves bot configuration. *bots.Registry implements it.
type BotLookup interface {
	Bot(id string) (bots.Bot, bool)
}

// Sink takes an authentic update off the request path.
type Sink interface {
	Enqueue(ctx context.Context, update events.UpdateReceivedData) error
}

// Handler receives platform webhooks.
type Handler struct {
	bots         BotLookup
	sink         Sink
	replays      guard.Store
	replayWindow time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReplayStore sets the store used to remember update ids.
func WithReplayStore(s guard.Store) HandlerOption {
	return func(h *Handler) { h.replays = s }
}

// WithReplayWindow sets how long an update id is remembered.
func WithReplayWindow(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.replayWindow = d
		}
	}
}

// NewHandler creates an inbound webhook handler.
func NewHandler(lookup BotLookup, sink Sink, opts ...HandlerOption) *Handler {
	h := &Handler{bots: lookup, sink: sink, replayWindow: defaultReplayWindow}
	for _, opt := range opts {
		opt(h)
	}
	if h.replays == nil {
		h.replays = guard.NewMemory()
	}
	return h
}

// RegisterRoutes registers the inbound route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{platform}/{bot_id}", h.Receive)
}

// Receive handles POST /webhooks/{platform}/{bot_id}. Once a request is
// authentic it is always answered with 200, so the platform never retries
// an update the service has taken.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	platformName := r.PathValue("platform")
	botID := r.PathValue("bot_id")

	bot, ok := h.bots.Bot(botID)
	if !ok || bot.Platform != platformName {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !authentic(bot.WebhookSecret, r, body) {
		slog.WarnContext(ctx, "webhook rejected: bad secret",
			slog.String("bot_id", botID),
			slog.String("remote", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "update is not JSON")
		return
	}

	updateID := updateIDOf(body)
	if updateID != "" {
		seen, err := h.replays.Seen(ctx, "webhook:"+platformName+":"+botID, updateID, h.replayWindow, h.replayWindow)
		if err != nil {
			slog.WarnContext(ctx, "replay check failed", slog.String("error", err.Error()))
		}
		if seen {
			slog.InfoContext(ctx, "webhook replay ignored",
				slog.String("bot_id", botID),
				slog.String("update_id", updateID),
			)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	err = h.sink.Enqueue(ctx, events.UpdateReceivedData{
		BotID:    botID,
		Platform: platformName,
		UpdateID: updateID,
		Raw:      body,
	})
	if err != nil {
		slog.ErrorContext(ctx, "webhook enqueue failed",
			slog.String("bot_id", botID),
			slog.String("update_id", updateID),
			slog.String("error", err.Error()),
		)
	}
	w.WriteHeader(http.StatusOK)
}

// authentic accepts the echoed secret token or a body signature. Bots
// without a secret accept every request.
func authentic(secret string, r *http.Request, body []byte) bool {
	if secret == "" {
		return true
	}
	if tok := r.Header.Get(SecretTokenHeader); tok != "" {
		return subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) == 1
	}
	if sig := r.Header.Get(SignatureHeader); sig != "" {
		return hooks.Verify(secret, body, sig)
	}
	return false
}

// updateIDOf extracts the platform's update id, if the update has one.
func updateIDOf(body []byte) string {
	var probe struct {
		UpdateID json.Number `json:"update_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.UpdateID.String()
}

// QueueSink publishes updates to the frame queue as update.received events.
type QueueSink struct {
	Publisher *events.Publisher
}

func (s *QueueSink) Enqueue(ctx context.Context, update events.UpdateReceivedData) error {
	return s.Publisher.Emit(ctx, events.UpdateReceived, update.BotID+"/"+update.Platform, update)
}

// Submitter is the part of frame's worker pool the sink needs.
type Submitter interface {
	Submit(ctx context.Context, task func()) error
}

// PoolSink processes updates on a worker pool when no queue is configured.
type PoolSink struct {
	Pool       Submitter
	Subscriber *Subscriber
}

func (s *PoolSink) Enqueue(ctx context.Context, update events.UpdateReceivedData) error {
	// The request context ends with the response.
	ctx = context.WithoutCancel(ctx)
	return s.Pool.Submit(ctx, func() {
		if err := s.Subscriber.Process(ctx, update); err != nil {
			slog.ErrorContext(ctx, "update processing failed",
				slog.String("bot_id", update.BotID),
				slog.String("update_id", update.UpdateID),
				slog.String("error", err.Error()),
			)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

