package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/xid"

	"github.com/voicetyped/chatflow/pkg/events"
)

const streamBufferSize = 64

// EventStream is the local fan-out of domain events. *events.Publisher
// implements it.
type EventStream interface {
	SubscribeFiltered(id string, bufSize int, filter events.Filter) <-chan events.Envelope
	Unsubscribe(id string)
}

// Events handles GET /api/v1/bots/{bot_id}/events as a server-sent event
// stream of the bot's dialog events. The optional chat_id query narrows it
// to one conversation.
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	b, ok := h.bot(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := events.ForBot(b.ID)
	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		filter = func(env events.Envelope) bool {
			return env.Metadata[events.MetaBotID] == b.ID && env.Metadata[events.MetaChatID] == chatID
		}
	}

	id := "admin-" + xid.New().String()
	ch := h.stream.SubscribeFiltered(id, streamBufferSize, filter)
	defer h.stream.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
