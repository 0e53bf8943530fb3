package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/voicetyped/chatflow/pkg/convlog"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/guard"
	"github.com/voicetyped/chatflow/pkg/platform"
	"github.com/voicetyped/chatflow/pkg/scenario"
)

// Config tunes the dialog manager.
type Config struct {
	// MaxChainLength bounds the number of automatic hops one inbound event
	// may cause.
	MaxChainLength int
	// RestartCommand resets the dialog to the start step. Empty disables it.
	RestartCommand string
	// DefaultButtonsText is sent with buttons when the step has no text to
	// carry them.
	DefaultButtonsText string
	// MediaDir anchors "file:" media references.
	MediaDir  string
	Validator ValidatorConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxChainLength:     25,
		RestartCommand:     "/start",
		DefaultButtonsText: "Please choose an option:",
		Validator:          DefaultValidatorConfig(),
	}
}

// ManagerOption configures optional collaborators.
type ManagerOption func(*Manager)

// WithGuardStore sets the duplicate and rate-limit store. The default is an
// in-process guard.Memory.
func WithGuardStore(s guard.Store) ManagerOption {
	return func(m *Manager) { m.guard = s }
}

// WithPublisher enables domain events.
func WithPublisher(p EventPublisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithHooks enables call_hook actions.
func WithHooks(h HookRunner) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithClock overrides time.Now for state timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager ties inbound platform updates to scenario traversal, outbound
// dispatch and persistence. Calls for the same chat are serialized within
// the process; across processes the repository's version check rejects
// concurrent writes with ErrStateConflict.
type Manager struct {
	cfg       Config
	repo      StateRepository
	scenarios ScenarioSource
	adapters  AdapterSource

	guard     guard.Store
	publisher EventPublisher
	hooks     HookRunner
	now       func() time.Time

	validator *Validator
	processor *Processor
	locks     *chatLocks
}

// NewManager creates a dialog manager. Zero config fields take their
// defaults.
func NewManager(cfg Config, repo StateRepository, scenarios ScenarioSource, adapters AdapterSource, opts ...ManagerOption) *Manager {
	def := DefaultConfig()
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = def.MaxChainLength
	}
	if cfg.DefaultButtonsText == "" {
		cfg.DefaultButtonsText = def.DefaultButtonsText
	}
	if cfg.Validator == (ValidatorConfig{}) {
		cfg.Validator = def.Validator
	}

	m := &Manager{
		cfg:       cfg,
		repo:      repo,
		scenarios: scenarios,
		adapters:  adapters,
		now:       time.Now,
		locks:     newChatLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.validator = NewValidator(cfg.Validator, m.guard)
	m.processor = NewProcessor(cfg.MediaDir, m.hooks, m.publisher)
	return m
}

// Processor returns the scenario processor used by the manager.
func (m *Manager) Processor() *Processor { return m.processor }

// ProcessResult describes what one ProcessIncomingMessage call did.
type ProcessResult struct {
	TransitionID string          `json:"transition_id"`
	Outcome      Outcome         `json:"outcome,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Event        *platform.Event `json:"event,omitempty"`
	State        *DialogState    `json:"state,omitempty"`
	// Path lists the steps entered or resumed during the call, in order.
	Path       []string   `json:"path,omitempty"`
	Dispatched []Dispatch `json:"dispatched,omitempty"`
	Awaiting   bool       `json:"awaiting,omitempty"`
	Finished   bool       `json:"finished,omitempty"`
	// External is the deep-link reference the dialog left through.
	External string `json:"external,omitempty"`
	// Skipped is set for updates that carry no user input.
	Skipped bool `json:"skipped,omitempty"`
}

// run is the mutable state of one processing call.
type run struct {
	key     Key
	sc      *scenario.Scenario
	st      *DialogState
	tc      *TransitionContext
	disp    *dispatcher
	res     *ProcessResult
	history []HistoryEntry
}

// ProcessIncomingMessage handles one raw platform update for a bot. chatID
// may be empty, in which case the chat is taken from the update.
//
// Validation rejections and dispatch failures are absorbed and reported in
// the result. The returned error is a *ProcessError for failures the caller
// must see: broken scenarios, which must not be retried, and repository
// errors such as ErrStateConflict, which may be.
func (m *Manager) ProcessIncomingMessage(ctx context.Context, botID, platformName, chatID string, update []byte) (*ProcessResult, error) {
	tc := &TransitionContext{TransitionID: xid.New().String()}
	res := &ProcessResult{TransitionID: tc.TransitionID}
	ctx = convlog.With(ctx, convlog.Fields{
		BotID:        botID,
		Platform:     platformName,
		ChatID:       chatID,
		TransitionID: tc.TransitionID,
	})
	log := convlog.Logger

	adapter, err := m.adapters.Adapter(ctx, botID, platformName)
	if err != nil {
		return res, &ProcessError{Phase: PhaseLoadingState, Err: err}
	}

	ev, err := adapter.ProcessUpdate(ctx, update)
	if errors.Is(err, platform.ErrUnsupportedUpdate) {
		log(ctx).DebugContext(ctx, "update skipped: no user input")
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, &ProcessError{Phase: PhaseValidatingInput, Err: fmt.Errorf("normalize update: %w", err)}
	}
	if chatID != "" && ev.ChatID != chatID {
		return res, &ProcessError{Phase: PhaseValidatingInput, Err: fmt.Errorf("update belongs to chat %q, not %q", ev.ChatID, chatID)}
	}
	res.Event = ev
	key := Key{BotID: botID, Platform: platformName, ChatID: ev.ChatID}
	ctx = convlog.With(ctx, convlog.Fields{ChatID: ev.ChatID})

	m.acknowledge(ctx, adapter, ev)

	unlock, err := m.locks.acquire(ctx, key.String())
	if err != nil {
		return res, &ProcessError{Phase: PhaseLoadingState, Err: err}
	}
	defer unlock()

	sc, err := m.scenarios.ScenarioFor(ctx, botID)
	if err != nil {
		return res, &ProcessError{Phase: PhaseLoadingState, Err: err}
	}
	ctx = convlog.With(ctx, convlog.Fields{ScenarioID: sc.ID})

	st, isNew, err := m.loadState(ctx, key, sc)
	if err != nil {
		return res, &ProcessError{Phase: PhaseLoadingState, Err: err}
	}
	ctx = convlog.With(ctx, convlog.Fields{DialogID: st.ID})
	res.State = st

	r := &run{
		key: key,
		sc:  sc,
		st:  st,
		tc:  tc,
		res: res,
		disp: &dispatcher{
			adapter:     adapter,
			publisher:   m.publisher,
			key:         key,
			defaultText: m.cfg.DefaultButtonsText,
		},
	}

	m.emit(ctx, events.MessageReceived, key.String(), &events.MessageReceivedData{
		Kind:  string(ev.Kind),
		Text:  ev.Text,
		Value: ev.Value,
		Step:  st.CurrentStep,
	})

	if verdict, ok := m.validator.Admit(ctx, key, ev); !ok {
		m.reject(ctx, r, nil, verdict)
		return res, nil
	}

	if m.isRestart(ev) && !isNew {
		log(ctx).InfoContext(ctx, "dialog restarted by user", "from_step", st.CurrentStep)
		m.emit(ctx, events.DialogReset, key.String(), &events.DialogResetData{
			ScenarioID: sc.ID, FromStep: st.CurrentStep, Reason: "restart_command",
		})
		st.CurrentStep = ""
		st.CollectedData = map[string]any{}
	}

	var step *scenario.Step
	if st.Started() {
		s, ok := sc.Step(st.CurrentStep)
		if !ok {
			err := &ScenarioIntegrityError{ScenarioID: sc.ID, Target: st.CurrentStep}
			m.fail(ctx, r, err)
			return res, &ProcessError{Phase: PhaseProcessingStep, Err: err}
		}
		step = s
	}

	verdict := Verdict{Outcome: OutcomeValid, Value: ev.Payload()}
	if step != nil {
		verdict = m.validator.Classify(step, ev)
	}
	if !verdict.OK() {
		m.reject(ctx, r, step, verdict)
		return res, nil
	}
	res.Outcome = OutcomeValid

	r.history = append(r.history, HistoryEntry{
		MessageType: MessageUser,
		Step:        st.CurrentStep,
		Data:        userData(ev),
	})

	tc.Data = cloneData(st.CollectedData)
	phase, runErr := m.traverse(ctx, r, step, verdict)
	st.CollectedData = tc.Data
	res.Path = tc.Visited

	saved, err := m.persist(ctx, r, isNew)
	if err != nil {
		if runErr != nil {
			log(ctx).ErrorContext(ctx, "scenario failed before persist error", "error", runErr.Error())
		}
		// Nothing was stored, so a retry of this update is not a duplicate.
		m.validator.Release(ctx, key, ev)
		return res, &ProcessError{Phase: PhasePersisting, Err: err}
	}
	res.State = saved

	if runErr != nil {
		m.fail(ctx, r, runErr)
		return res, &ProcessError{Phase: phase, Err: runErr}
	}

	log(ctx).InfoContext(ctx, "inbound processed",
		slog.String("step", saved.CurrentStep),
		slog.Int("hops", tc.Depth),
		slog.Int("dispatched", len(res.Dispatched)),
		slog.Bool("awaiting", res.Awaiting),
		slog.Bool("finished", res.Finished))
	return res, nil
}

// traverse captures the validated input and runs the auto-transition loop.
// step is nil for a dialog entering its start step. On error the state is
// left at the last step reached.
func (m *Manager) traverse(ctx context.Context, r *run, step *scenario.Step, verdict Verdict) (Phase, error) {
	tc, sc, st := r.tc, r.sc, r.st
	answered := true

	if step == nil {
		start, ok := sc.Step(sc.StartStep)
		if !ok {
			return PhaseProcessingStep, &ScenarioIntegrityError{ScenarioID: sc.ID, Target: sc.StartStep}
		}
		m.transition(ctx, r, "", start)
		step = start
		answered = false
	} else {
		if v := step.Input.Variable; v != "" {
			tc.Data[v] = verdict.Value
		}
		tc.Visited = append(tc.Visited, step.ID)
	}

	for {
		phase := PhaseProcessingStep
		if tc.Depth > 0 {
			phase = PhaseAutoAdvancing
		}
		tr, err := m.processor.EvaluateTransition(ctx, sc, step, tc.Data, answered)
		if err != nil {
			return phase, err
		}
		answered = false

		switch tr.Kind {
		case TransitionAwaiting:
			r.res.Awaiting = true
			return PhaseDone, nil
		case TransitionTerminal:
			r.res.Finished = true
			return PhaseDone, nil
		case TransitionExternal:
			r.res.External = tr.Target
			return PhaseDone, nil
		}

		if tc.Depth >= m.cfg.MaxChainLength {
			return PhaseAutoAdvancing, &ScenarioLoopError{
				ScenarioID: sc.ID,
				Step:       st.CurrentStep,
				Max:        m.cfg.MaxChainLength,
				Visited:    append([]string(nil), tc.Visited...),
			}
		}
		next, _ := sc.Step(tr.Target)
		tc.Depth++
		m.transition(ctx, r, step.ID, next)
		step = next
	}
}

// transition moves the dialog onto step to and enters it: actions run, then
// the step's message is rendered and dispatched.
func (m *Manager) transition(ctx context.Context, r *run, from string, to *scenario.Step) {
	r.st.CurrentStep = to.ID
	r.tc.Visited = append(r.tc.Visited, to.ID)
	convlog.Logger(ctx).DebugContext(ctx, "step entered",
		"from_step", from, "to_step", to.ID, "depth", r.tc.Depth)
	m.emit(ctx, events.StateTransition, r.key.String(), &events.StateTransitionData{
		FromStep:     from,
		ToStep:       to.ID,
		ScenarioID:   r.sc.ID,
		TransitionID: r.tc.TransitionID,
		Depth:        r.tc.Depth,
	})

	if to.Type == scenario.StepAction {
		m.processor.RunActions(ctx, to, r.tc.Data, ActionScope{
			ScenarioID: r.sc.ID,
			DialogKey:  r.key.String(),
			Step:       to.ID,
		})
	}

	msg := m.processor.Render(ctx, to, r.tc.Data)
	if msg.Empty() {
		return
	}
	ds := r.disp.send(ctx, to.ID, msg)
	r.res.Dispatched = append(r.res.Dispatched, ds...)
	r.history = append(r.history, HistoryEntry{
		MessageType: MessageBot,
		Step:        to.ID,
		Data:        historyData(msg, ds),
	})
}

// reject performs the action prescribed for a rejected input. Nothing is
// persisted.
func (m *Manager) reject(ctx context.Context, r *run, step *scenario.Step, verdict Verdict) {
	r.res.Outcome = verdict.Outcome
	r.res.Reason = verdict.Reason
	convlog.Logger(ctx).InfoContext(ctx, "input rejected",
		"outcome", string(verdict.Outcome), "reason", verdict.Reason, "step", r.st.CurrentStep)
	m.emit(ctx, events.InputRejected, r.key.String(), &events.InputRejectedData{
		Outcome: string(verdict.Outcome),
		Reason:  verdict.Reason,
		Step:    r.st.CurrentStep,
	})

	vcfg := m.validator.Config()
	switch verdict.Outcome {
	case OutcomeRateLimited:
		return
	case OutcomeDuplicate:
		if vcfg.IgnoreDuplicates {
			return
		}
		if step == nil {
			step, _ = r.sc.Step(r.st.CurrentStep)
		}
		if step != nil {
			m.resend(ctx, r, step, "")
		}
	default:
		if vcfg.ResendStepOnInvalid && step != nil {
			m.resend(ctx, r, step, m.validator.Hint(step))
		}
	}
}

func (m *Manager) resend(ctx context.Context, r *run, step *scenario.Step, hint string) {
	if hint != "" {
		r.res.Dispatched = append(r.res.Dispatched, r.disp.send(ctx, step.ID, RenderedMessage{Text: hint})...)
	}
	msg := m.processor.Render(ctx, step, r.st.CollectedData)
	if !msg.Empty() {
		r.res.Dispatched = append(r.res.Dispatched, r.disp.send(ctx, step.ID, msg)...)
	}
}

func (m *Manager) fail(ctx context.Context, r *run, err error) {
	convlog.Logger(ctx).ErrorContext(ctx, "scenario processing failed",
		"step", r.st.CurrentStep,
		"path", strings.Join(r.tc.Visited, " -> "),
		"error", err.Error())
	m.emit(ctx, events.ScenarioFailed, r.key.String(), &events.ScenarioFailedData{
		ScenarioID:   r.sc.ID,
		Step:         r.st.CurrentStep,
		TransitionID: r.tc.TransitionID,
		Error:        err.Error(),
	})
}

func (m *Manager) acknowledge(ctx context.Context, adapter platform.Adapter, ev *platform.Event) {
	if ev.Kind != platform.EventButton || ev.CallbackID == "" {
		return
	}
	ack, ok := adapter.(platform.CallbackAcknowledger)
	if !ok {
		return
	}
	if err := ack.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
		convlog.Logger(ctx).WarnContext(ctx, "callback acknowledgement failed", "error", err.Error())
	}
}

func (m *Manager) isRestart(ev *platform.Event) bool {
	return m.cfg.RestartCommand != "" &&
		ev.Kind == platform.EventText &&
		strings.TrimSpace(ev.Text) == m.cfg.RestartCommand
}

// loadState returns the chat's state, or a new unsaved one. A state bound to
// another scenario starts over in the active one.
func (m *Manager) loadState(ctx context.Context, key Key, sc *scenario.Scenario) (*DialogState, bool, error) {
	st, err := m.repo.GetDialogState(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		now := m.now().UTC()
		return &DialogState{
			ID:                xid.New().String(),
			Key:               key,
			ScenarioID:        sc.ID,
			CollectedData:     map[string]any{},
			CreatedAt:         now,
			LastInteractionAt: now,
		}, true, nil
	case err != nil:
		return nil, false, err
	}

	if st.CollectedData == nil {
		st.CollectedData = map[string]any{}
	}
	if st.ScenarioID != sc.ID {
		convlog.Logger(ctx).InfoContext(ctx, "active scenario changed, dialog starts over",
			"previous_scenario", st.ScenarioID)
		m.emit(ctx, events.DialogReset, key.String(), &events.DialogResetData{
			ScenarioID: sc.ID, FromStep: st.CurrentStep, Reason: "scenario_changed",
		})
		st.ScenarioID = sc.ID
		st.CurrentStep = ""
		st.CollectedData = map[string]any{}
	}
	return st, false, nil
}

// persist writes the state once and commits the history gathered during the
// call. History failures are logged; the state write is authoritative.
func (m *Manager) persist(ctx context.Context, r *run, isNew bool) (*DialogState, error) {
	now := m.now().UTC()
	r.st.LastInteractionAt = now

	var (
		saved *DialogState
		err   error
	)
	if isNew {
		saved, err = m.repo.CreateDialogState(ctx, r.st)
	} else {
		saved, err = m.repo.UpdateDialogState(ctx, r.st)
	}
	if err != nil {
		return nil, fmt.Errorf("persist dialog state: %w", err)
	}

	if len(r.history) == 0 {
		return saved, nil
	}
	for i := range r.history {
		r.history[i].ID = xid.New().String()
		r.history[i].DialogStateID = saved.ID
		r.history[i].TransitionID = r.tc.TransitionID
		r.history[i].CreatedAt = now
	}
	if err := m.repo.AppendHistory(ctx, r.history...); err != nil {
		convlog.Logger(ctx).ErrorContext(ctx, "append history failed", "entries", len(r.history), "error", err.Error())
	}
	return saved, nil
}

// SendMessage sends msg to a chat outside of any inbound update. Buttons are
// sent as a separate message after media. When the chat has a dialog the
// message is recorded in its history. The error joins every failed adapter
// call.
func (m *Manager) SendMessage(ctx context.Context, botID, platformName, chatID string, msg RenderedMessage) ([]Dispatch, error) {
	key := Key{BotID: botID, Platform: platformName, ChatID: chatID}
	ctx = convlog.With(ctx, convlog.Fields{BotID: botID, Platform: platformName, ChatID: chatID})

	if msg.Empty() {
		return nil, errors.New("empty message")
	}
	adapter, err := m.adapters.Adapter(ctx, botID, platformName)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	d := &dispatcher{adapter: adapter, publisher: m.publisher, key: key, defaultText: m.cfg.DefaultButtonsText}
	ds := d.send(ctx, "", msg)

	st, err := m.repo.GetDialogState(ctx, key)
	switch {
	case err == nil:
		entry := HistoryEntry{
			ID:            xid.New().String(),
			DialogStateID: st.ID,
			MessageType:   MessageBot,
			Step:          st.CurrentStep,
			Data:          historyData(msg, ds),
			CreatedAt:     m.now().UTC(),
		}
		entry.Data["proactive"] = true
		if herr := m.repo.AppendHistory(ctx, entry); herr != nil {
			convlog.Logger(ctx).ErrorContext(ctx, "append history failed", "error", herr.Error())
		}
	case !errors.Is(err, ErrStateNotFound):
		convlog.Logger(ctx).WarnContext(ctx, "dialog lookup failed, history not recorded", "error", err.Error())
	}

	return ds, dispatchErrors(ds)
}

// GetHistory returns up to limit history entries of a chat, oldest first.
func (m *Manager) GetHistory(ctx context.Context, botID, platformName, chatID string, limit int) ([]HistoryEntry, error) {
	st, err := m.repo.GetDialogState(ctx, Key{BotID: botID, Platform: platformName, ChatID: chatID})
	if err != nil {
		return nil, err
	}
	return m.repo.GetHistory(ctx, st.ID, limit)
}

// GetState returns the stored state of a chat.
func (m *Manager) GetState(ctx context.Context, botID, platformName, chatID string) (*DialogState, error) {
	return m.repo.GetDialogState(ctx, Key{BotID: botID, Platform: platformName, ChatID: chatID})
}

// ResetDialog clears a chat's progress and collected data. The next inbound
// event enters the start step again.
func (m *Manager) ResetDialog(ctx context.Context, botID, platformName, chatID string) (*DialogState, error) {
	key := Key{BotID: botID, Platform: platformName, ChatID: chatID}
	ctx = convlog.With(ctx, convlog.Fields{BotID: botID, Platform: platformName, ChatID: chatID})

	unlock, err := m.locks.acquire(ctx, key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := m.repo.GetDialogState(ctx, key)
	if err != nil {
		return nil, err
	}
	from := st.CurrentStep
	st.CurrentStep = ""
	st.CollectedData = map[string]any{}
	st.LastInteractionAt = m.now().UTC()
	saved, err := m.repo.UpdateDialogState(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("reset dialog: %w", err)
	}

	convlog.Logger(ctx).InfoContext(ctx, "dialog reset", "from_step", from)
	m.emit(ctx, events.DialogReset, key.String(), &events.DialogResetData{
		ScenarioID: saved.ScenarioID, FromStep: from, Reason: "admin",
	})
	return saved, nil
}

func (m *Manager) emit(ctx context.Context, t events.EventType, key string, data any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Emit(ctx, t, key, data); err != nil {
		convlog.Logger(ctx).WarnContext(ctx, "event publish failed", "event_type", string(t), "error", err.Error())
	}
}

func userData(ev *platform.Event) map[string]any {
	data := map[string]any{"kind": string(ev.Kind)}
	switch ev.Kind {
	case platform.EventButton:
		data["value"] = ev.Value
	case platform.EventMedia:
		if ev.Media != nil {
			data["media"] = mediaValue(ev.Media)
		}
		if ev.Text != "" {
			data["text"] = ev.Text
		}
	default:
		data["text"] = ev.Text
	}
	if ev.MessageID != "" {
		data["message_id"] = ev.MessageID
	}
	return data
}
