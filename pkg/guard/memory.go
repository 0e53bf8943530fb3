package guard

import (
	"context"
	"sync"
	"time"
)

// Memory is a single-process Store. Expired entries are swept lazily on
// access and by Sweep.
type Memory struct {
	now func() time.Time

	mu    sync.Mutex
	chats map[string]*chatEntry
}

type chatEntry struct {
	seen         map[string]seenEntry
	requests     []time.Time
	blockedUntil time.Time
	lastActive   time.Time
}

type seenEntry struct {
	at      time.Time
	expires time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{now: time.Now, chats: make(map[string]*chatEntry)}
}

// WithClock replaces the time source. Tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) entry(chatKey string, now time.Time) *chatEntry {
	e, ok := m.chats[chatKey]
	if !ok {
		e = &chatEntry{seen: make(map[string]seenEntry)}
		m.chats[chatKey] = e
	}
	e.lastActive = now
	return e
}

func (m *Memory) Seen(_ context.Context, chatKey, fingerprint string, window, ttl time.Duration) (bool, error) {
	now := m.now()
	if ttl < window {
		ttl = window
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(chatKey, now)
	for fp, s := range e.seen {
		if !now.Before(s.expires) {
			delete(e.seen, fp)
		}
	}

	prev, ok := e.seen[fingerprint]
	e.seen[fingerprint] = seenEntry{at: now, expires: now.Add(ttl)}
	return ok && now.Sub(prev.at) <= window, nil
}

func (m *Memory) Forget(_ context.Context, chatKey, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.chats[chatKey]; ok {
		delete(e.seen, fingerprint)
	}
	return nil
}

func (m *Memory) Allow(_ context.Context, chatKey string, limit int, window, cooldown time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(chatKey, now)
	if now.Before(e.blockedUntil) {
		return false, nil
	}

	cutoff := now.Add(-window)
	kept := e.requests[:0]
	for _, t := range e.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.requests = kept

	if len(e.requests) >= limit {
		e.blockedUntil = now.Add(cooldown)
		return false, nil
	}
	e.requests = append(e.requests, now)
	return true, nil
}

// Sweep drops chats idle for longer than idle. It returns the number removed.
func (m *Memory) Sweep(idle time.Duration) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.chats {
		if now.Sub(e.lastActive) > idle && !now.Before(e.blockedUntil) {
			delete(m.chats, k)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (m *Memory) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(idle)
		}
	}
}
