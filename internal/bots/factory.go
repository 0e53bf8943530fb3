package bots

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/platform/telegram"
)

// Factory creates an adapter from the options of one bot entry.
type Factory func(options map[string]string) (platform.Adapter, error)

// Factories holds adapter factories keyed by platform name.
type Factories struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactories creates an empty set.
func NewFactories() *Factories {
	return &Factories{factories: make(map[string]Factory)}
}

// DefaultFactories returns the platforms built into the service.
func DefaultFactories() *Factories {
	f := NewFactories()
	f.Register(telegram.Name, newTelegram)
	return f
}

// Register adds a named factory.
func (f *Factories) Register(name string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[name] = factory
}

// Create instantiates the adapter for a platform.
func (f *Factories) Create(name string, options map[string]string) (platform.Adapter, error) {
	f.mu.RLock()
	factory, ok := f.factories[name]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown platform %q", name)
	}
	return factory(options)
}

// Has returns true if the named factory exists.
func (f *Factories) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.factories[name]
	return ok
}

// List returns the registered platform names, sorted.
func (f *Factories) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.factories))
	for name := range f.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// newTelegram understands rate_per_second, rate_burst, breaker_failures and
// breaker_timeout.
func newTelegram(options map[string]string) (platform.Adapter, error) {
	var opts []telegram.Option

	if v := options["rate_per_second"]; v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("rate_per_second: %w", err)
		}
		burst := 1
		if b := options["rate_burst"]; b != "" {
			if burst, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("rate_burst: %w", err)
			}
		}
		opts = append(opts, telegram.WithRateLimit(rps, burst))
	}

	if v := options["breaker_failures"]; v != "" {
		failures, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("breaker_failures: %w", err)
		}
		timeout := 30 * time.Second
		if t := options["breaker_timeout"]; t != "" {
			if timeout, err = time.ParseDuration(t); err != nil {
				return nil, fmt.Errorf("breaker_timeout: %w", err)
			}
		}
		opts = append(opts, telegram.WithBreaker(uint32(failures), timeout))
	}

	return telegram.NewAdapter(opts...), nil
}
