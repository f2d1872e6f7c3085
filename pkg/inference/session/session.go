package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-go-golems/agentrun/pkg/agents"
	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/conversation"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/helpers"
	"github.com/go-go-golems/agentrun/pkg/inference/emitter"
	"github.com/go-go-golems/agentrun/pkg/inference/engine"
	"github.com/go-go-golems/agentrun/pkg/inference/middleware"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrManagerNil    = errors.New("session manager is nil")
	ErrClientMissing = errors.New("session manager has no model client")
)

// Request is one inbound run request.
type Request struct {
	ThreadID string                 `json:"threadId,omitempty"`
	RunID    string                 `json:"runId,omitempty"`
	AgentID  string                 `json:"agentId,omitempty"`
	Messages []conversation.Message `json:"messages"`
	// Tools are declared and executed by the caller.
	Tools   []tools.CallerToolSpec `json:"tools,omitempty"`
	Context []contexts.Item        `json:"context,omitempty"`
	State   json.RawMessage        `json:"state,omitempty"`
	Resume  *Resume                `json:"resume,omitempty"`
}

// Manager starts runs and enforces that a thread has at most one active run.
//
// Everything a run reads from the manager's collaborators is snapshotted when
// the run starts: the history, the tool catalog and the resolved context.
type Manager struct {
	client      engine.Client
	middlewares []middleware.Middleware
	catalog     *tools.Catalog
	agents      agents.Store
	resolver    *contexts.Resolver
	formatter   *contexts.Formatter
	emitter     *emitter.Emitter
	sinks       []events.EventSink
	defaults    engine.Options

	mu     sync.Mutex
	active map[string]*Handle // keyed by thread id
}

type Option func(*Manager)

// WithMiddlewares wraps the model client of every run. The first middleware
// sees the request first.
func WithMiddlewares(m ...middleware.Middleware) Option {
	return func(s *Manager) { s.middlewares = append(s.middlewares, m...) }
}

// WithCatalog sets the registry of server tools.
func WithCatalog(c *tools.Catalog) Option {
	return func(s *Manager) { s.catalog = c }
}

func WithAgentStore(store agents.Store) Option {
	return func(s *Manager) { s.agents = store }
}

func WithContextResolver(r *contexts.Resolver) Option {
	return func(s *Manager) { s.resolver = r }
}

func WithFormatter(f *contexts.Formatter) Option {
	return func(s *Manager) { s.formatter = f }
}

func WithEmitter(e *emitter.Emitter) Option {
	return func(s *Manager) { s.emitter = e }
}

// WithEventSinks adds observers that receive every event of every run, e.g.
// an EventRouter publisher.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(s *Manager) { s.sinks = append(s.sinks, sinks...) }
}

// WithDefaultOptions sets model options used when the agent's profile does
// not override them.
func WithDefaultOptions(o engine.Options) Option {
	return func(s *Manager) { s.defaults = o }
}

func NewManager(client engine.Client, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		formatter: contexts.NewFormatter(),
		emitter:   emitter.New(),
		active:    map[string]*Handle{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.catalog == nil {
		m.catalog, _ = tools.NewCatalog()
	}
	return m
}

// Active returns the running handle of a thread, if any.
func (m *Manager) Active(threadID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[threadID]
	if !ok || !h.IsRunning() {
		return nil, false
	}
	return h, true
}

// Cancel cancels the active run of a thread. It reports whether there was one.
func (m *Manager) Cancel(threadID string) bool {
	h, ok := m.Active(threadID)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// StartRun validates req and starts its run in the background. A run already
// active on the same thread is cancelled, and the new run only starts
// producing events once the previous one has published its terminal event.
//
// Failures that belong to the run, such as an unknown agent, are reported as
// events. Only malformed requests return an error.
func (m *Manager) StartRun(ctx context.Context, req Request) (*Handle, error) {
	if m == nil {
		return nil, ErrManagerNil
	}
	if m.client == nil {
		return nil, ErrClientMissing
	}
	callerTools := make([]tools.ToolDefinition, 0, len(req.Tools))
	for _, spec := range req.Tools {
		def, err := spec.ToDefinition()
		if err != nil {
			return nil, errors.Wrap(err, "invalid caller tool")
		}
		callerTools = append(callerTools, def)
	}
	if req.ThreadID == "" {
		req.ThreadID = helpers.NewRunID()
	}
	if req.RunID == "" {
		req.RunID = helpers.NewRunID()
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle(req.ThreadID, req.RunID, cancel)

	m.mu.Lock()
	prev := m.active[req.ThreadID]
	m.active[req.ThreadID] = h
	m.mu.Unlock()

	if prev != nil && prev.IsRunning() {
		log.Info().Str("thread_id", req.ThreadID).Str("run_id", prev.RunID).Str("next_run_id", req.RunID).Msg("session: cancelling previous run of thread")
		prev.Cancel()
	}

	snap := snapshot{
		req:         req,
		messages:    conversation.Clone(req.Messages),
		catalog:     m.catalog.Snapshot(),
		callerTools: callerTools,
	}

	go func() {
		defer m.release(h)
		if prev != nil {
			<-prev.Done()
		}
		h.setResult(m.run(runCtx, snap, m.sinkFor(h)))
	}()

	return h, nil
}

type snapshot struct {
	req         Request
	messages    []conversation.Message
	catalog     *tools.Catalog
	callerTools []tools.ToolDefinition
}

func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[h.ThreadID] == h {
		delete(m.active, h.ThreadID)
	}
}

func (m *Manager) sinkFor(h *Handle) events.EventSink {
	if len(m.sinks) == 0 {
		return h.sink()
	}
	return fanout(append([]events.EventSink{h.sink()}, m.sinks...))
}

// fanout publishes to every sink. The first sink is the run's own queue and
// its error is the one reported.
type fanout []events.EventSink

func (f fanout) PublishEvent(e events.Event) error {
	var first error
	for i, s := range f {
		if err := s.PublishEvent(e); err != nil {
			if i == 0 {
				first = err
			} else {
				log.Debug().Err(err).Str("event_type", string(e.Type())).Msg("session: observer sink rejected event")
			}
		}
	}
	return first
}

func (m *Manager) run(ctx context.Context, snap snapshot, sink events.EventSink) emitter.Result {
	req := snap.req
	run := emitter.Run{
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Messages: snap.messages,
		Options:  m.defaults.Clone(),
		State:    req.State,
	}
	l := log.With().Str("thread_id", req.ThreadID).Str("run_id", req.RunID).Logger()

	if ctx.Err() != nil {
		return m.emitter.Reject(run, events.ErrorCodeCancelled, emitter.ErrCancelled, sink)
	}

	var agent *agents.Agent
	if req.AgentID != "" {
		if m.agents == nil {
			return m.emitter.Reject(run, events.ErrorCodeNotFound, &agents.NotFoundError{Kind: "agent", ID: req.AgentID}, sink)
		}
		a, err := agents.GetActiveAgent(ctx, m.agents, req.AgentID)
		if err != nil {
			l.Warn().Err(err).Str("agent_id", req.AgentID).Msg("session: agent lookup failed")
			return m.emitter.Reject(run, agentErrorCode(err), err, sink)
		}
		agent = a
		if a.ProfileID != "" {
			p, err := m.agents.GetProfile(ctx, a.ProfileID)
			if err != nil {
				l.Warn().Err(err).Str("profile_id", a.ProfileID).Msg("session: profile lookup failed")
				return m.emitter.Reject(run, agentErrorCode(err), err, sink)
			}
			applyProfile(&run.Options, p)
		}
	}

	var rc *contexts.ResolvedContext
	if m.resolver != nil {
		resolved, err := m.resolver.Resolve(ctx, contexts.Request{AgentID: req.AgentID, Items: req.Context})
		if err != nil {
			if ctx.Err() != nil {
				return m.emitter.Reject(run, events.ErrorCodeCancelled, emitter.ErrCancelled, sink)
			}
			return m.emitter.Reject(run, events.ErrorCodeInternal, err, sink)
		}
		rc = resolved.Clone()
		l.Debug().Object("context", rc).Msg("session: context resolved")
	}

	catalog := snap.catalog
	if rc != nil && len(rc.OnDemandResources) > 0 {
		def, err := contextResourceTool()
		if err != nil {
			return m.emitter.Reject(run, events.ErrorCodeInternal, err, sink)
		}
		if err := catalog.Register(def); err != nil {
			return m.emitter.Reject(run, events.ErrorCodeInternal, err, sink)
		}
	}
	catalog = catalog.WithCallerTools(snap.callerTools)

	var perRun []middleware.Middleware
	if agent != nil {
		filter := tools.PermissionFilter{AllowedToolIDs: agent.AllowedToolIDs, AllowedScopes: agent.AllowedToolScopes}
		catalog = filter.FilterCatalog(catalog)
		perRun = append(perRun,
			middleware.NewSystemPromptMiddleware(agent.Instructions),
			middleware.NewToolPermissionMiddleware(filter),
		)
	}
	if rc != nil {
		perRun = append(perRun, middleware.NewContextInjectionMiddleware(m.formatter))
		ctx = contexts.WithResolved(ctx, rc)
	}
	client := middleware.Chain(m.client, append(perRun, m.middlewares...)...)

	run.Messages, run.Decisions = applyResume(run.Messages, catalog, req.Resume)

	l.Info().Int("messages", len(run.Messages)).Int("tools", catalog.Len()).Msg("session: starting run")
	res := m.emitter.Emit(ctx, run, client, catalog, sink)
	l.Info().Str("outcome", string(res.Outcome)).Msg("session: run finished")
	return res
}

func agentErrorCode(err error) string {
	if errors.Is(err, agents.ErrAgentInactive) {
		return events.ErrorCodeInactive
	}
	if errors.Is(err, agents.ErrAgentNotFound) || errors.Is(err, agents.ErrProfileNotFound) {
		return events.ErrorCodeNotFound
	}
	return events.ErrorCodeInternal
}

func applyProfile(o *engine.Options, p *agents.Profile) {
	if p.Model != "" {
		o.Model = p.Model
	}
	if p.Temperature != nil {
		t := *p.Temperature
		o.Temperature = &t
	}
	if p.MaxTokens > 0 {
		o.MaxTokens = p.MaxTokens
	}
}
