package runstate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownToolCall   = errors.New("unknown tool call")
)

// TransitionError names the state and event that could not be combined.
type TransitionError struct {
	From  Kind
	Event events.EventType
	Msg   string
}

func (e *TransitionError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("cannot apply %s in state %s: %s", e.Event, e.From, e.Msg)
	}
	return fmt.Sprintf("cannot apply %s in state %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Listener receives effects after they were applied.
type Listener func(Effect)

// Manager is the consumer side of a thread: it folds a run's events into a
// lifecycle state, a message history and a tool call table.
//
// Ingest must be called from a single goroutine per run. Readers may call the
// accessors concurrently.
type Manager struct {
	mu sync.Mutex

	state    State
	threadID string

	history []conversation.Message
	// drafts are assistant messages of the current run that have not been
	// committed to history yet.
	drafts []conversation.Message

	toolCalls map[string]*ToolCallInfo
	toolOrder []string

	document json.RawMessage
	catalog  *tools.Catalog

	listeners  map[int]Listener
	nextListen int
	logger     zerolog.Logger
}

type Option func(*Manager)

// WithCatalog lets the manager classify finalized tool calls as caller-side.
func WithCatalog(c *tools.Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

func WithThreadID(id string) Option {
	return func(m *Manager) { m.threadID = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		state:     State{Kind: KindIdle},
		toolCalls: map[string]*ToolCallInfo{},
		listeners: map[int]Listener{},
		logger:    log.Logger,
	}
	for _, o := range opts {
		o(m)
	}
	m.state.ThreadID = m.threadID
	return m
}

// Subscribe registers a listener and returns a function removing it.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify(effects []Effect) {
	if len(effects) == 0 {
		return
	}
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for i := 0; i < m.nextListen; i++ {
		if l, ok := m.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	m.mu.Unlock()
	for _, e := range effects {
		for _, l := range ls {
			l(e)
		}
	}
}

func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone.Clone(m.state).(State)
}

// Messages returns the committed history.
func (m *Manager) Messages() []conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conversation.Clone(m.history)
}

// Document returns the shared state document.
func (m *Manager) Document() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(json.RawMessage(nil), m.document...)
}

// ToolCalls returns all known tool calls in the order they started.
func (m *Manager) ToolCalls() []ToolCallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]ToolCallInfo, 0, len(m.toolOrder))
	for _, id := range m.toolOrder {
		ret = append(ret, *m.toolCalls[id])
	}
	return ret
}

// PendingCallerToolCalls returns finalized caller-side calls without a result.
func (m *Manager) PendingCallerToolCalls() []ToolCallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingCallerLocked()
}

func (m *Manager) pendingCallerLocked() []ToolCallInfo {
	var ret []ToolCallInfo
	for _, id := range m.toolOrder {
		tc := m.toolCalls[id]
		if tc.Site != tools.SiteCaller || !tc.Finalized || tc.Status.Resolved() {
			continue
		}
		ret = append(ret, *tc)
	}
	return ret
}

// Reset abandons whatever run is in progress and returns to Idle. The
// committed history is kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	prev := m.state.Kind
	m.drafts = nil
	m.toolCalls = map[string]*ToolCallInfo{}
	m.toolOrder = nil
	m.state = State{Kind: KindIdle, ThreadID: m.threadID}
	st := m.state
	m.mu.Unlock()
	m.logger.Debug().Str("from", string(prev)).Msg("runstate: reset")
	m.notify([]Effect{{Kind: EffectStateChanged, State: st}})
}

// SendUserMessage appends a user message to the history. It is allowed
// between runs only.
func (m *Manager) SendUserMessage(content string) (conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Kind {
	case KindIdle, KindInterrupted:
	default:
		return conversation.Message{}, &TransitionError{From: m.state.Kind, Msg: "cannot send a message now"}
	}
	msg := conversation.NewUserMessage(content)
	m.history = append(m.history, msg)
	return msg, nil
}

// SetToolCallStatus is used by the tool coordinator to report progress.
func (m *Manager) SetToolCallStatus(id string, status ToolCallStatus) error {
	m.mu.Lock()
	tc, ok := m.toolCalls[id]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownToolCall, id)
	}
	tc.Status = status
	m.mu.Unlock()
	return nil
}

// AddToolResult records a caller-side result and appends the tool message.
// Once no caller-side call is left pending the state returns to Idle.
func (m *Manager) AddToolResult(id, content string, isError bool) error {
	m.mu.Lock()
	tc, ok := m.toolCalls[id]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownToolCall, id)
	}
	if tc.Status.Resolved() {
		m.mu.Unlock()
		return errors.Errorf("tool call %s already has a result", id)
	}
	tc.Status = resultStatus(isError)
	tc.Result = content
	tc.IsError = isError
	m.commitDraftsLocked()
	m.history = append(m.history, conversation.NewToolMessage(id, content))

	var effects []Effect
	if m.state.Kind == KindAwaitingToolExecution {
		pending := m.pendingCallerLocked()
		m.state.PendingToolIDs = ids(pending)
		if len(pending) == 0 {
			m.state = State{Kind: KindIdle, ThreadID: m.threadID, RunID: m.state.RunID}
			effects = append(effects, Effect{Kind: EffectStateChanged, State: m.state})
		}
	}
	m.mu.Unlock()
	m.notify(effects)
	return nil
}

// Fail moves an active run to Error, e.g. when its stream broke off before
// the terminal event. Uncommitted text is discarded.
func (m *Manager) Fail(reason string) {
	m.mu.Lock()
	if !m.state.Kind.Active() {
		m.mu.Unlock()
		return
	}
	m.drafts = nil
	eff := m.transition(State{Kind: KindError, RunID: m.state.RunID, Err: reason})
	m.mu.Unlock()
	m.notify([]Effect{eff})
}

func ids(calls []ToolCallInfo) []string {
	if len(calls) == 0 {
		return nil
	}
	ret := make([]string, 0, len(calls))
	for _, c := range calls {
		ret = append(ret, c.ID)
	}
	return ret
}

// Ingest applies one event. On error nothing was changed.
func (m *Manager) Ingest(e events.Event) ([]Effect, error) {
	m.mu.Lock()
	effects, err := m.apply(e)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(e.Type())).Msg("runstate: rejected event")
		return nil, err
	}
	m.notify(effects)
	return effects, nil
}

func (m *Manager) transition(next State) Effect {
	next.ThreadID = m.threadID
	if next.ThreadID == "" {
		next.ThreadID = m.state.ThreadID
	}
	m.logger.Debug().Object("from", m.state).Object("to", next).Msg("runstate: transition")
	m.state = next
	return Effect{Kind: EffectStateChanged, State: clone.Clone(next).(State)}
}

func (m *Manager) apply(e events.Event) ([]Effect, error) {
	from := m.state.Kind
	invalid := func(msg string) error {
		return &TransitionError{From: from, Event: e.Type(), Msg: msg}
	}

	if _, ok := e.(*events.RunStarted); ok {
		switch from {
		case KindIdle, KindAwaitingToolExecution, KindInterrupted:
		default:
			return nil, invalid("a run is already active")
		}
		meta := e.Metadata()
		if m.threadID == "" {
			m.threadID = meta.ThreadID
		}
		m.drafts = nil
		m.dropResolvedLocked()
		return []Effect{m.transition(State{Kind: KindRunning, RunID: meta.RunID})}, nil
	}

	// RUN_FINISHED{error} closes a run that already reported RUN_ERROR.
	if rf, ok := e.(*events.RunFinished); ok && from == KindError && rf.Outcome == events.OutcomeError {
		if e.Metadata().RunID != m.state.RunID {
			return nil, invalid("run id mismatch")
		}
		return nil, nil
	}

	if !from.Active() {
		return nil, invalid("no active run")
	}
	if runID := e.Metadata().RunID; runID != "" && runID != m.state.RunID {
		return nil, invalid(fmt.Sprintf("event for run %s while %s is active", runID, m.state.RunID))
	}

	switch ev := e.(type) {
	case *events.TextStart:
		if m.draftIndex(ev.MessageID) >= 0 {
			return nil, invalid("message " + ev.MessageID + " already started")
		}
		m.drafts = append(m.drafts, conversation.NewAssistantMessage(ev.MessageID, ""))
		next := m.state
		next.Kind = KindStreamingText
		next.MessageID = ev.MessageID
		return []Effect{m.transition(next)}, nil

	case *events.TextDelta:
		if from != KindStreamingText || m.state.MessageID != ev.MessageID {
			return nil, invalid("message " + ev.MessageID + " is not streaming")
		}
		i := m.draftIndex(ev.MessageID)
		m.drafts[i].Content += ev.Delta
		return nil, nil

	case *events.TextEnd:
		if from != KindStreamingText || m.state.MessageID != ev.MessageID {
			return nil, invalid("message " + ev.MessageID + " is not streaming")
		}
		next := m.state
		next.Kind = KindRunning
		next.MessageID = ""
		return []Effect{m.transition(next)}, nil

	case *events.ToolCallStart:
		m.startToolCall(ev)
		return nil, nil

	case *events.ToolCallArgsDelta:
		tc, ok := m.toolCalls[ev.ToolCallID]
		if !ok {
			return nil, errors.Wrap(ErrUnknownToolCall, ev.ToolCallID)
		}
		if tc.Finalized {
			return nil, invalid("arguments of " + ev.ToolCallID + " already ended")
		}
		tc.Arguments += ev.Delta
		tc.Status = StatusStreaming
		return nil, nil

	case *events.ToolCallArgsEnd:
		tc, ok := m.toolCalls[ev.ToolCallID]
		if !ok {
			return nil, errors.Wrap(ErrUnknownToolCall, ev.ToolCallID)
		}
		m.finalizeToolCall(tc, ev.Arguments)
		return nil, nil

	case *events.ToolCallResult:
		tc, ok := m.toolCalls[ev.ToolCallID]
		if !ok {
			return nil, errors.Wrap(ErrUnknownToolCall, ev.ToolCallID)
		}
		if !tc.Finalized {
			return nil, invalid("result before arguments ended for " + ev.ToolCallID)
		}
		tc.Status = resultStatus(ev.IsError)
		tc.Result = ev.Content
		tc.IsError = ev.IsError
		m.commitDraftsLocked()
		msg := conversation.NewToolMessage(ev.ToolCallID, ev.Content)
		if ev.MessageID != "" {
			msg.ID = ev.MessageID
		}
		m.history = append(m.history, msg)
		return nil, nil

	case *events.StateSnapshot:
		m.document = append(json.RawMessage(nil), ev.Snapshot...)
		return []Effect{{Kind: EffectStateUpdated, Document: m.document}}, nil

	case *events.StateDelta:
		doc, err := ApplyPatch(m.document, ev.Delta)
		if err != nil {
			return nil, errors.Wrap(err, "could not apply state delta")
		}
		m.document = doc
		return []Effect{{Kind: EffectStateUpdated, Document: doc}}, nil

	case *events.MessagesSnapshot:
		m.history = conversation.Clone(ev.Messages)
		m.drafts = nil
		return []Effect{{Kind: EffectMessagesReplaced, Messages: conversation.Clone(ev.Messages)}}, nil

	case *events.RunError:
		m.drafts = nil
		return []Effect{m.transition(State{Kind: KindError, RunID: m.state.RunID, Err: ev.Message})}, nil

	case *events.RunFinished:
		return m.finish(ev), nil
	}

	m.logger.Debug().Str("event_type", string(e.Type())).Msg("runstate: ignoring custom event")
	return nil, nil
}

func (m *Manager) finish(ev *events.RunFinished) []Effect {
	runID := m.state.RunID
	switch ev.Outcome {
	case events.OutcomeError:
		m.drafts = nil
		return []Effect{m.transition(State{Kind: KindError, RunID: runID, Err: ev.Error})}
	case events.OutcomeInterrupt:
		m.commitDraftsLocked()
		info := &events.InterruptInfo{}
		if ev.Interrupt != nil {
			info = clone.Clone(ev.Interrupt).(*events.InterruptInfo)
		}
		switch info.Reason {
		case events.InterruptReasonToolExecution:
			m.markCallerSide(info.Payload)
			return m.awaitOrIdle(runID)
		case events.InterruptReasonToolApproval:
			m.markAwaitingApproval(info.Payload)
		}
		return []Effect{m.transition(State{Kind: KindInterrupted, RunID: runID, Interrupt: info})}
	default:
		m.commitDraftsLocked()
		return m.awaitOrIdle(runID)
	}
}

func (m *Manager) awaitOrIdle(runID string) []Effect {
	pending := m.pendingCallerLocked()
	if len(pending) == 0 {
		return []Effect{m.transition(State{Kind: KindIdle, RunID: runID})}
	}
	return []Effect{
		m.transition(State{Kind: KindAwaitingToolExecution, RunID: runID, PendingToolIDs: ids(pending)}),
		{Kind: EffectToolCallsPending, ToolCalls: pending},
	}
}

func (m *Manager) markCallerSide(payload json.RawMessage) {
	var p struct {
		ToolCallIDs []string `json:"toolCallIds"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	for _, id := range p.ToolCallIDs {
		if tc, ok := m.toolCalls[id]; ok && !tc.Status.Resolved() {
			tc.Site = tools.SiteCaller
			tc.Status = StatusPending
		}
	}
}

func (m *Manager) markAwaitingApproval(payload json.RawMessage) {
	var p struct {
		ToolCallID string `json:"toolCallId"`
		ToolCalls  []struct {
			ToolCallID string `json:"toolCallId"`
		} `json:"toolCalls"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	mark := func(id string) {
		if tc, ok := m.toolCalls[id]; ok && !tc.Status.Resolved() {
			tc.RequiresApproval = true
			tc.Status = StatusAwaitingApproval
		}
	}
	mark(p.ToolCallID)
	for _, c := range p.ToolCalls {
		mark(c.ToolCallID)
	}
}

func (m *Manager) startToolCall(ev *events.ToolCallStart) {
	if tc, ok := m.toolCalls[ev.ToolCallID]; ok {
		// a held call being settled by a later run
		tc.Finalized = false
		tc.Arguments = ""
		tc.Status = StatusPending
		return
	}
	tc := &ToolCallInfo{
		ID:              ev.ToolCallID,
		Name:            ev.ToolName,
		ParentMessageID: ev.ParentMessageID,
		Status:          StatusPending,
		Site:            tools.SiteServer,
	}
	m.toolCalls[ev.ToolCallID] = tc
	m.toolOrder = append(m.toolOrder, ev.ToolCallID)

	if m.historyHasToolCall(ev.ToolCallID) {
		return
	}
	parent := ev.ParentMessageID
	if parent == "" {
		parent = ev.ToolCallID
	}
	i := m.draftIndex(parent)
	if i < 0 {
		m.drafts = append(m.drafts, conversation.NewAssistantMessage(parent, ""))
		i = len(m.drafts) - 1
	}
	m.drafts[i].ToolCalls = append(m.drafts[i].ToolCalls, conversation.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName})
}

func (m *Manager) finalizeToolCall(tc *ToolCallInfo, args string) {
	tc.Arguments = args
	tc.Finalized = true
	if m.catalog != nil {
		if r, err := m.catalog.Resolve(tc.Name); err == nil {
			tc.Site = r.Site
			tc.RequiresApproval = r.RequiresApproval
		}
	}
	if tc.Site == tools.SiteCaller {
		tc.Status = StatusPending
	} else {
		tc.Status = StatusExecuting
	}
	for i := range m.drafts {
		for j := range m.drafts[i].ToolCalls {
			if m.drafts[i].ToolCalls[j].ID == tc.ID {
				m.drafts[i].ToolCalls[j].Arguments = args
			}
		}
	}
}

func (m *Manager) historyHasToolCall(id string) bool {
	for i := len(m.history) - 1; i >= 0; i-- {
		for _, tc := range m.history[i].ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

func (m *Manager) draftIndex(id string) int {
	for i := range m.drafts {
		if m.drafts[i].ID == id {
			return i
		}
	}
	return -1
}

// commitDraftsLocked moves drafts into history. Tool calls whose arguments
// never ended are dropped from their message.
func (m *Manager) commitDraftsLocked() {
	for _, d := range m.drafts {
		calls := d.ToolCalls[:0:0]
		for _, c := range d.ToolCalls {
			if tc, ok := m.toolCalls[c.ID]; ok && tc.Finalized {
				calls = append(calls, c)
			}
		}
		d.ToolCalls = calls
		if len(d.ToolCalls) == 0 {
			d.ToolCalls = nil
		}
		if d.Content == "" && len(d.ToolCalls) == 0 {
			continue
		}
		m.history = append(m.history, d)
	}
	m.drafts = nil
}

// dropResolvedLocked forgets tool calls that are fully resolved so the table
// only tracks what can still change.
func (m *Manager) dropResolvedLocked() {
	order := m.toolOrder[:0]
	for _, id := range m.toolOrder {
		tc := m.toolCalls[id]
		if tc.Status.Resolved() {
			delete(m.toolCalls, id)
			continue
		}
		order = append(order, id)
	}
	m.toolOrder = order
}

// Snapshot captures the manager for persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:    clone.Clone(m.state).(State),
		Messages: conversation.Clone(m.history),
		Document: append(json.RawMessage(nil), m.document...),
	}
	for _, id := range m.toolOrder {
		s.ToolCalls = append(s.ToolCalls, *m.toolCalls[id])
	}
	return s
}

// Restore replaces the manager's contents. A snapshot taken mid-run is
// restored as Error, since the run's remaining events are gone.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	if s.State.ThreadID != "" {
		m.threadID = s.State.ThreadID
	}
	m.state = clone.Clone(s.State).(State)
	if m.state.Kind.Active() {
		m.state = State{Kind: KindError, RunID: s.State.RunID, Err: "restored while a run was in progress"}
	}
	m.state.ThreadID = m.threadID
	m.history = conversation.Clone(s.Messages)
	m.drafts = nil
	m.document = append(json.RawMessage(nil), s.Document...)
	m.toolCalls = map[string]*ToolCallInfo{}
	m.toolOrder = nil
	for _, tc := range s.ToolCalls {
		tc := tc
		m.toolCalls[tc.ID] = &tc
		m.toolOrder = append(m.toolOrder, tc.ID)
	}
	st := m.state
	msgs := conversation.Clone(m.history)
	m.mu.Unlock()
	m.notify([]Effect{{Kind: EffectStateChanged, State: st}, {Kind: EffectMessagesReplaced, Messages: msgs}})
}
