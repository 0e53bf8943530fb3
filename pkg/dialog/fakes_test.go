package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/hooks"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/platform/platformtest"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// memRepo is a minimal StateRepository for engine tests.
type memRepo struct {
	mu      sync.Mutex
	states  map[Key]*DialogState
	history []HistoryEntry

	writes    int
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{states: make(map[Key]*DialogState)}
}

func (r *memRepo) GetDialogState(_ context.Context, key Key) (*DialogState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (r *memRepo) CreateDialogState(_ context.Context, st *DialogState) (*DialogState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[st.Key]; ok {
		return nil, ErrStateConflict
	}
	cp := st.Clone()
	cp.Version = 1
	r.states[st.Key] = cp
	r.writes++
	return cp.Clone(), nil
}

func (r *memRepo) UpdateDialogState(_ context.Context, st *DialogState) (*DialogState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	cur, ok := r.states[st.Key]
	if !ok {
		return nil, ErrStateNotFound
	}
	if cur.Version != st.Version {
		return nil, ErrStateConflict
	}
	cp := st.Clone()
	cp.Version++
	r.states[st.Key] = cp
	r.writes++
	return cp.Clone(), nil
}

func (r *memRepo) AppendHistory(_ context.Context, entries ...HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entries...)
	return nil
}

func (r *memRepo) GetHistory(_ context.Context, id string, limit int) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEntry
	for _, h := range r.history {
		if h.DialogStateID == id {
			out = append(out, h)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memRepo) state(key Key) *DialogState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		return st.Clone()
	}
	return nil
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type staticScenario struct{ sc *scenario.Scenario }

func (s *staticScenario) ScenarioFor(context.Context, string) (*scenario.Scenario, error) {
	if s.sc == nil {
		return nil, ErrScenarioNotFound
	}
	return s.sc, nil
}

type staticAdapter struct{ a platform.Adapter }

func (s staticAdapter) Adapter(context.Context, string, string) (platform.Adapter, error) {
	if s.a == nil {
		return nil, ErrAdapterNotFound
	}
	return s.a, nil
}

type recordedEvent struct {
	Type string
	Data json.RawMessage
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *fakePublisher) Emit(_ context.Context, t events.EventType, _ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: string(t), Data: raw})
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *fakePublisher) count(t string) int {
	n := 0
	for _, got := range p.types() {
		if got == t {
			n++
		}
	}
	return n
}

type fakeHooks struct {
	reqs []hooks.HookRequest
	cfgs []hooks.HookConfig
	resp *hooks.HookResponse
	err  error
}

func (f *fakeHooks) Execute(_ context.Context, cfg hooks.HookConfig, req hooks.HookRequest) (*hooks.HookResponse, error) {
	f.cfgs = append(f.cfgs, cfg)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &hooks.HookResponse{}, nil
	}
	return f.resp, nil
}

var errBoom = errors.New("boom")

func mustParse(t *testing.T, doc string) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Parse([]byte(doc), scenario.FormatYAML)
	if err != nil {
		t.Fatalf("parse scenario: %v", err)
	}
	return sc
}

type harness struct {
	mgr  *Manager
	repo *memRepo
	rec  *platformtest.Recorder
	pub  *fakePublisher
	src  *staticScenario
}

func newHarness(t *testing.T, doc string, cfg Config, opts ...ManagerOption) *harness {
	t.Helper()
	h := &harness{
		repo: newMemRepo(),
		rec:  platformtest.New(),
		pub:  &fakePublisher{},
		src:  &staticScenario{sc: mustParse(t, doc)},
	}
	opts = append([]ManagerOption{WithPublisher(h.pub)}, opts...)
	h.mgr = NewManager(cfg, h.repo, h.src, staticAdapter{a: h.rec}, opts...)
	return h
}

const (
	testBot  = "bot1"
	testChat = "42"
)

var testKey = Key{BotID: testBot, Platform: "test", ChatID: testChat}

func (h *harness) send(t *testing.T, ev platform.Event) (*ProcessResult, error) {
	t.Helper()
	if ev.ChatID == "" {
		ev.ChatID = testChat
	}
	return h.mgr.ProcessIncomingMessage(t.Context(), testBot, "test", "", platformtest.Update(ev))
}

func (h *harness) text(t *testing.T, text string) *ProcessResult {
	t.Helper()
	res, err := h.send(t, platform.Event{Kind: platform.EventText, Text: text})
	if err != nil {
		t.Fatalf("process %q: %v", text, err)
	}
	return res
}

func (h *harness) click(t *testing.T, step, value string) *ProcessResult {
	t.Helper()
	res, err := h.send(t, platform.Event{Kind: platform.EventButton, Value: value, StepRef: step, CallbackID: "cb-" + value})
	if err != nil {
		t.Fatalf("click %q: %v", value, err)
	}
	return res
}
