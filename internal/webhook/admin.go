package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"slices"

	"github.com/voicetyped/chatflow/internal/bots"
	"github.com/voicetyped/chatflow/pkg/dialog"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

const defaultHistoryLimit = 50

// Engine is the dialog manager surface used by the admin API.
type Engine interface {
	SendMessage(ctx context.Context, botID, platformName, chatID string, msg dialog.RenderedMessage) ([]dialog.Dispatch, error)
	GetHistory(ctx context.Context, botID, platformName, chatID string, limit int) ([]dialog.HistoryEntry, error)
	GetState(ctx context.Context, botID, platformName, chatID string) (*dialog.DialogState, error)
	ResetDialog(ctx context.Context, botID, platformName, chatID string) (*dialog.DialogState, error)
}

// BotDirectory lists bots and their adapters. *bots.Registry implements it.
type BotDirectory interface {
	BotLookup
	List() []bots.Bot
	Adapter(ctx context.Context, botID, platformName string) (platform.Adapter, error)
}

// ScenarioCatalog lists loaded scenarios. *scenario.Loader implements it.
type ScenarioCatalog interface {
	All() map[string]*scenario.Scenario
}

// AdminHandler provides the REST endpoints for operating bots.
type AdminHandler struct {
	engine    Engine
	bots      BotDirectory
	scenarios ScenarioCatalog
	mediaDir  string
	stream    EventStream
}

// AdminOption configures an AdminHandler.
type AdminOption func(*AdminHandler)

// WithEventStream enables the per-bot server-sent event feed.
func WithEventStream(stream EventStream) AdminOption {
	return func(h *AdminHandler) { h.stream = stream }
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(engine Engine, directory BotDirectory, scenarios ScenarioCatalog, mediaDir string, opts ...AdminOption) *AdminHandler {
	h := &AdminHandler{engine: engine, bots: directory, scenarios: scenarios, mediaDir: mediaDir}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all admin routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/bots", h.ListBots)
	mux.HandleFunc("GET /api/v1/scenarios", h.ListScenarios)
	mux.HandleFunc("POST /api/v1/bots/{bot_id}/chats/{chat_id}/messages", h.SendMessage)
	mux.HandleFunc("GET /api/v1/bots/{bot_id}/chats/{chat_id}/history", h.History)
	mux.HandleFunc("GET /api/v1/bots/{bot_id}/chats/{chat_id}/state", h.State)
	mux.HandleFunc("POST /api/v1/bots/{bot_id}/chats/{chat_id}/reset", h.Reset)
	mux.HandleFunc("PUT /api/v1/bots/{bot_id}/webhook", h.SetWebhook)
	mux.HandleFunc("DELETE /api/v1/bots/{bot_id}/webhook", h.DeleteWebhook)
	mux.HandleFunc("GET /api/v1/bots/{bot_id}/webhook", h.WebhookInfo)
	mux.HandleFunc("POST /api/v1/bots/{bot_id}/files", h.UploadFile)
	mux.HandleFunc("GET /api/v1/bots/{bot_id}/files/{file_id}", h.GetFile)
	if h.stream != nil {
		mux.HandleFunc("GET /api/v1/bots/{bot_id}/events", h.Events)
	}
}

// ListBots handles GET /api/v1/bots
func (h *AdminHandler) ListBots(w http.ResponseWriter, r *http.Request) {
	list := h.bots.List()
	resp := make([]BotResponse, 0, len(list))
	for _, b := range list {
		_, err := h.bots.Adapter(r.Context(), b.ID, b.Platform)
		resp = append(resp, BotResponse{
			ID:         b.ID,
			Platform:   b.Platform,
			Scenario:   b.Scenario,
			WebhookURL: b.WebhookURL,
			Ready:      err == nil,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListScenarios handles GET /api/v1/scenarios
func (h *AdminHandler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all := h.scenarios.All()
	resp := make([]ScenarioResponse, 0, len(all))
	for _, sc := range all {
		resp = append(resp, ScenarioResponse{
			ID:          sc.ID,
			Name:        sc.Name,
			Version:     sc.Version,
			Description: sc.Description,
			StartStep:   sc.StartStep,
			Steps:       len(sc.Steps),
		})
	}
	slices.SortFunc(resp, func(a, b ScenarioResponse) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	writeJSON(w, http.StatusOK, resp)
}

// SendMessage handles POST /api/v1/bots/{bot_id}/chats/{chat_id}/messages
func (h *AdminHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	bot, ok := h.bot(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "text, media or buttons are required")
		return
	}

	ds, err := h.engine.SendMessage(r.Context(), bot.ID, bot.Platform, r.PathValue("chat_id"), req)
	if errors.Is(err, dialog.ErrAdapterNotFound) {
		writeError(w, http.StatusServiceUnavailable, "bot is not ready")
		return
	}
	resp := SendMessageResponse{Dispatched: ds}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// History handles GET /api/v1/bots/{bot_id}/chats/{chat_id}/history?limit=N
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.bot(w, r)
	if !ok {
		return
	}
	entries, err := h.engine.GetHistory(r.Context(), bot.ID, bot.Platform, r.PathValue("chat_id"), queryInt(r, "limit", defaultHistoryLimit))
	if err != nil {
		writeStateError(w, err)
		return
	}
	if entries == nil {
		entries = []dialog.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// State handles GET /api/v1/bots/{bot_id}/chats/{chat_id}/state
func (h *AdminHandler) State(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.bot(w, r)
	if !ok {
		return
	}
	st, err := h.engine.GetState(r.Context(), bot.ID, bot.Platform, r.PathValue("chat_id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(st))
}

// Reset handles POST /api/v1/bots/{bot_id}/chats/{chat_id}/reset
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.bot(w, r)
	if !ok {
		return
	}
	st, err := h.engine.ResetDialog(r.Context(), bot.ID, bot.Platform, r.PathValue("chat_id"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(st))
}

// SetWebhook handles PUT /api/v1/bots/{bot_id}/webhook. An empty body uses
// the url and secret from the bots file.
func (h *AdminHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	bot, adapter, ok := h.adapter(w, r)
	if !ok {
		return
	}

	var req SetWebhookRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.URL == "" {
		req.URL = bot.WebhookURL
	}
	if req.Secret == "" {
		req.Secret = bot.WebhookSecret
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	resp, err := adapter.SetWebhook(r.Context(), req.URL, req.Secret)
	writePlatformResponse(w, resp, err)
}

// DeleteWebhook handles DELETE /api/v1/bots/{bot_id}/webhook
func (h *AdminHandler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	_, adapter, ok := h.adapter(w, r)
	if !ok {
		return
	}
	resp, err := adapter.DeleteWebhook(r.Context())
	writePlatformResponse(w, resp, err)
}

// WebhookInfo handles GET /api/v1/bots/{bot_id}/webhook
func (h *AdminHandler) WebhookInfo(w http.ResponseWriter, r *http.Request) {
	_, adapter, ok := h.adapter(w, r)
	if !ok {
		return
	}
	resp, err := adapter.GetWebhookInfo(r.Context())
	writePlatformResponse(w, resp, err)
}

// UploadFile handles POST /api/v1/bots/{bot_id}/files. The path is resolved
// inside the media directory.
func (h *AdminHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	_, adapter, ok := h.adapter(w, r)
	if !ok {
		return
	}
	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	mediaType := platform.MediaType(req.Type)
	if mediaType == "" {
		mediaType = platform.MediaDocument
	}
	path := filepath.Join(h.mediaDir, filepath.Clean("/"+req.Path))
	resp, err := adapter.UploadFileToPlatform(r.Context(), path, mediaType)
	writePlatformResponse(w, resp, err)
}

// GetFile handles GET /api/v1/bots/{bot_id}/files/{file_id}
func (h *AdminHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	_, adapter, ok := h.adapter(w, r)
	if !ok {
		return
	}
	resp, err := adapter.GetFileFromPlatform(r.Context(), r.PathValue("file_id"))
	writePlatformResponse(w, resp, err)
}

func (h *AdminHandler) bot(w http.ResponseWriter, r *http.Request) (bots.Bot, bool) {
	bot, ok := h.bots.Bot(r.PathValue("bot_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
	}
	return bot, ok
}

func (h *AdminHandler) adapter(w http.ResponseWriter, r *http.Request) (bots.Bot, platform.Adapter, bool) {
	bot, ok := h.bot(w, r)
	if !ok {
		return bot, nil, false
	}
	a, err := h.bots.Adapter(r.Context(), bot.ID, bot.Platform)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "bot is not ready")
		return bot, nil, false
	}
	return bot, a, true
}

func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dialog.ErrStateNotFound):
		writeError(w, http.StatusNotFound, "dialog not found")
	case errors.Is(err, dialog.ErrStateConflict):
		writeError(w, http.StatusConflict, "dialog modified concurrently")
	default:
		writeError(w, http.StatusInternalServerError, "dialog store error")
	}
}

func writePlatformResponse(w http.ResponseWriter, resp *platform.Response, err error) {
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !resp.OK {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
