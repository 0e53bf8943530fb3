package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/rs/xid"
)

// Metadata keys set on every envelope with a dialog key.
const (
	MetaBotID    = "bot_id"
	MetaPlatform = "platform"
	MetaChatID   = "chat_id"
)

// DialogKey joins the identifiers of one conversation.
func DialogKey(botID, platform, chatID string) string {
	return strings.Join([]string{botID, platform, chatID}, "/")
}

// keyMetadata splits a dialog key back into its parts. Shorter keys such as
// "<bot>/<platform>" yield only the parts they carry.
func keyMetadata(key string) map[string]string {
	if key == "" {
		return nil
	}
	parts := strings.SplitN(key, "/", 3)
	names := []string{MetaBotID, MetaPlatform, MetaChatID}
	md := make(map[string]string, len(parts))
	for i, p := range parts {
		md[names[i]] = p
	}
	return md
}

// Filter selects the envelopes a local subscriber receives.
type Filter func(Envelope) bool

// ForBot matches envelopes of one bot.
func ForBot(botID string) Filter {
	return func(env Envelope) bool { return env.Metadata[MetaBotID] == botID }
}

type subscription struct {
	ch     chan Envelope
	filter Filter
}

// Publisher emits typed domain events to a frame queue and to in-process
// subscribers such as the admin event stream.
type Publisher struct {
	queueMgr queue.Manager
	source   string
	queueRef string

	subMu       sync.RWMutex
	subscribers map[string]subscription
}

// NewPublisher creates a publisher that emits events to the given queue
// reference. A nil queue manager keeps delivery local.
func NewPublisher(queueMgr queue.Manager, source string, queueRef string) *Publisher {
	return &Publisher{
		queueMgr:    queueMgr,
		source:      source,
		queueRef:    queueRef,
		subscribers: make(map[string]subscription),
	}
}

// Emit wraps data in an envelope, hands it to matching local subscribers
// without blocking, then publishes it to the queue.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, dialogKey string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		DialogKey: dialogKey,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		Metadata:  keyMetadata(dialogKey),
	}

	p.subMu.RLock()
	for id, sub := range p.subscribers {
		if sub.filter != nil && !sub.filter(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			slog.WarnContext(ctx, "event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", string(eventType)))
		}
	}
	p.subMu.RUnlock()

	if p.queueMgr == nil {
		return nil
	}
	return p.queueMgr.Publish(ctx, p.queueRef, env)
}

// Subscribe creates a local subscription receiving every event.
// The caller must call Unsubscribe with the same id to clean up.
func (p *Publisher) Subscribe(id string, bufSize int) <-chan Envelope {
	return p.SubscribeFiltered(id, bufSize, nil)
}

// SubscribeFiltered is Subscribe restricted to envelopes accepted by filter.
// Subscribing again with an id in use replaces the old subscription.
func (p *Publisher) SubscribeFiltered(id string, bufSize int, filter Filter) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	p.subMu.Lock()
	if old, ok := p.subscribers[id]; ok {
		close(old.ch)
	}
	p.subscribers[id] = subscription{ch: ch, filter: filter}
	p.subMu.Unlock()
	return ch
}

// Unsubscribe removes a local subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	if sub, ok := p.subscribers[id]; ok {
		close(sub.ch)
		delete(p.subscribers, id)
	}
	p.subMu.Unlock()
}
