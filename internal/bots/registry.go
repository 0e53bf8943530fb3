// Package bots maps bot ids to their platform adapter and active scenario.
package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/voicetyped/chatflow/pkg/dialog"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// Bot is one entry of the bots file. Token and webhook secret are expanded
// from the environment, so the file can reference ${TELEGRAM_TOKEN}.
type Bot struct {
	ID            string            `yaml:"id"              json:"id"`
	Platform      string            `yaml:"platform"        json:"platform"`
	Scenario      string            `yaml:"scenario"        json:"scenario"`
	Token         string            `yaml:"token"           json:"-"`
	WebhookSecret string            `yaml:"webhook_secret"  json:"-"`
	WebhookURL    string            `yaml:"webhook_url"     json:"webhook_url,omitempty"`
	StorageChatID string            `yaml:"storage_chat_id" json:"storage_chat_id,omitempty"`
	BaseURL       string            `yaml:"base_url"        json:"-"`
	Options       map[string]string `yaml:"options"         json:"-"`
}

type botsFile struct {
	Bots []Bot `yaml:"bots"`
}

// ScenarioLookup is satisfied by *scenario.Loader.
type ScenarioLookup interface {
	Get(id string) (*scenario.Scenario, bool)
}

// ParseFile decodes and validates a bots document.
func ParseFile(data []byte, factories *Factories) ([]Bot, error) {
	var f botsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode bots: %w", err)
	}

	seen := make(map[string]bool, len(f.Bots))
	var errs []error
	for i := range f.Bots {
		b := &f.Bots[i]
		b.Token = os.ExpandEnv(b.Token)
		b.WebhookSecret = os.ExpandEnv(b.WebhookSecret)

		switch {
		case b.ID == "":
			errs = append(errs, fmt.Errorf("bot #%d: id is required", i))
			continue
		case seen[b.ID]:
			errs = append(errs, fmt.Errorf("bot %q: duplicate id", b.ID))
		}
		seen[b.ID] = true
		if !factories.Has(b.Platform) {
			errs = append(errs, fmt.Errorf("bot %q: unknown platform %q (have %v)", b.ID, b.Platform, factories.List()))
		}
		if b.Scenario == "" {
			errs = append(errs, fmt.Errorf("bot %q: scenario is required", b.ID))
		}
		if b.Token == "" {
			errs = append(errs, fmt.Errorf("bot %q: token is required", b.ID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Bots, nil
}

// LoadFile reads a bots file from disk.
func LoadFile(path string, factories *Factories) ([]Bot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data, factories)
}

type entry struct {
	bot     Bot
	adapter platform.Adapter
	ready   bool
}

// Registry implements dialog.ScenarioSource and dialog.AdapterSource.
type Registry struct {
	scenarios ScenarioLookup

	mu   sync.RWMutex
	bots map[string]*entry
}

var (
	_ dialog.ScenarioSource = (*Registry)(nil)
	_ dialog.AdapterSource  = (*Registry)(nil)
)

// New builds one adapter per bot. Adapters are not usable before
// Initialize.
func New(bots []Bot, scenarios ScenarioLookup, factories *Factories) (*Registry, error) {
	r := &Registry{scenarios: scenarios, bots: make(map[string]*entry, len(bots))}
	for _, b := range bots {
		a, err := factories.Create(b.Platform, b.Options)
		if err != nil {
			return nil, fmt.Errorf("bot %q: %w", b.ID, err)
		}
		r.bots[b.ID] = &entry{bot: b, adapter: a}
	}
	return r, nil
}

// Initialize authenticates every adapter. A bot whose adapter fails stays
// unavailable and is reported in the joined error; the others keep working.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, id := range r.idsLocked() {
		e := r.bots[id]
		ok, err := e.adapter.Initialize(ctx, platform.Credentials{
			Token:         e.bot.Token,
			WebhookSecret: e.bot.WebhookSecret,
			StorageChatID: e.bot.StorageChatID,
			BaseURL:       e.bot.BaseURL,
		})
		if err != nil || !ok {
			if err == nil {
				err = errors.New("adapter refused credentials")
			}
			errs = append(errs, fmt.Errorf("bot %q: %w", id, err))
			continue
		}
		e.ready = true
		slog.InfoContext(ctx, "bot initialized",
			slog.String("bot_id", id),
			slog.String("platform", e.bot.Platform),
			slog.String("scenario", e.bot.Scenario),
		)
	}
	return errors.Join(errs...)
}

// ScenarioFor returns the active scenario of a bot.
func (r *Registry) ScenarioFor(_ context.Context, botID string) (*scenario.Scenario, error) {
	r.mu.RLock()
	e, ok := r.bots[botID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bot %q: %w", botID, dialog.ErrScenarioNotFound)
	}
	sc, ok := r.scenarios.Get(e.bot.Scenario)
	if !ok {
		return nil, fmt.Errorf("bot %q scenario %q: %w", botID, e.bot.Scenario, dialog.ErrScenarioNotFound)
	}
	return sc, nil
}

// Adapter returns the initialized adapter of a bot on the given platform.
func (r *Registry) Adapter(_ context.Context, botID, platformName string) (platform.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bots[botID]
	if !ok || e.bot.Platform != platformName || !e.ready {
		return nil, fmt.Errorf("bot %q on %q: %w", botID, platformName, dialog.ErrAdapterNotFound)
	}
	return e.adapter, nil
}

// Bot returns the configuration of a bot.
func (r *Registry) Bot(id string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bots[id]
	if !ok {
		return Bot{}, false
	}
	return e.bot, true
}

// List returns all bots sorted by id.
func (r *Registry) List() []Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bot, 0, len(r.bots))
	for _, id := range r.idsLocked() {
		out = append(out, r.bots[id].bot)
	}
	return out
}

// RegisterWebhooks points every initialized bot with a webhook_url at it.
func (r *Registry) RegisterWebhooks(ctx context.Context) error {
	var errs []error
	for _, b := range r.List() {
		if b.WebhookURL == "" {
			continue
		}
		a, err := r.Adapter(ctx, b.ID, b.Platform)
		if err != nil {
			continue
		}
		resp, err := a.SetWebhook(ctx, b.WebhookURL, b.WebhookSecret)
		if err == nil && !resp.OK {
			err = &platform.APIError{Method: "setWebhook", Code: resp.ErrorCode, Description: resp.Description}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("bot %q: set webhook: %w", b.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
