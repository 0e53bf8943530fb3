// Package guard holds the short-lived per-chat memory used to suppress
// duplicate inputs and rate-limit chats. Both checks are heuristics over a
// window of seconds; neither is a durable de-duplication guarantee.
package guard

import (
	"context"
	"time"
)

// Store records inbound events per chat.
type Store interface {
	// Seen records fingerprint for chatKey and reports whether the same
	// fingerprint was already recorded within window. Entries are kept for
	// ttl.
	Seen(ctx context.Context, chatKey, fingerprint string, window, ttl time.Duration) (bool, error)
	// Forget removes a recorded fingerprint so the next Seen for it
	// reports false.
	Forget(ctx context.Context, chatKey, fingerprint string) error
	// Allow records one inbound event for chatKey and reports whether the
	// chat is still under limit events per window. A chat that exceeds the
	// limit is refused for cooldown.
	Allow(ctx context.Context, chatKey string, limit int, window, cooldown time.Duration) (bool, error)
}
