package webhook

import (
	"context"
	"sync"
	"testing"

	"github.com/voicetyped/chatflow/internal/bots"
	"github.com/voicetyped/chatflow/pkg/dialog"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/platform/platformtest"
	"github.com/voicetyped/chatflow/pkg/scenario"
	"github.com/voicetyped/chatflow/pkg/store"
)

const greetingScenario = `
id: greeting
name: Greeting
start_step: welcome
steps:
  welcome:
    text: "Welcome!"
    next_step: ask_name
  ask_name:
    expected_input: {type: any_text, variable: name}
    next_step: bye
  bye:
    text: "Bye, {name}!"
    next_step: null
`

type scenarioMap map[string]*scenario.Scenario

func (m scenarioMap) Get(id string) (*scenario.Scenario, bool) {
	sc, ok := m[id]
	return sc, ok
}

func (m scenarioMap) All() map[string]*scenario.Scenario { return m }

type testEnv struct {
	rec       *platformtest.Recorder
	reg       *bots.Registry
	repo      *store.Memory
	mgr       *dialog.Manager
	scenarios scenarioMap
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	sc, err := scenario.Parse([]byte(greetingScenario), scenario.FormatYAML)
	if err != nil {
		t.Fatalf("parse scenario: %v", err)
	}
	env := &testEnv{
		rec:       platformtest.New(),
		repo:      store.NewMemory(),
		scenarios: scenarioMap{sc.ID: sc},
	}

	factories := bots.NewFactories()
	factories.Register("test", func(map[string]string) (platform.Adapter, error) { return env.rec, nil })
	reg, err := bots.New([]bots.Bot{
		{ID: "support", Platform: "test", Scenario: "greeting", Token: "t", WebhookSecret: "s3cret", WebhookURL: "https://bots.example.com/webhooks/test/support"},
		{ID: "open", Platform: "test", Scenario: "greeting", Token: "t"},
	}, env.scenarios, factories)
	if err != nil {
		t.Fatalf("bots.New: %v", err)
	}
	if err := reg.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	env.reg = reg
	env.mgr = dialog.NewManager(dialog.DefaultConfig(), env.repo, reg, reg)
	return env
}

type recordingSink struct {
	mu      sync.Mutex
	updates []events.UpdateReceivedData
	err     error
}

func (s *recordingSink) Enqueue(_ context.Context, u events.UpdateReceivedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return s.err
}

func (s *recordingSink) received() []events.UpdateReceivedData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.UpdateReceivedData(nil), s.updates...)
}

type inlinePool struct{ ran int }

func (p *inlinePool) Submit(_ context.Context, task func()) error {
	p.ran++
	task()
	return nil
}
