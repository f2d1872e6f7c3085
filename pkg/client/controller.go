package client

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/helpers"
	"github.com/go-go-golems/agentrun/pkg/inference/session"
	"github.com/go-go-golems/agentrun/pkg/inference/toolloop"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/go-go-golems/agentrun/pkg/runstate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultMaxContinuations = 10

var (
	// ErrStreamClosed means the event stream ended without a terminal event.
	ErrStreamClosed         = errors.New("event stream closed before the run finished")
	ErrTooManyContinuations = errors.New("too many tool continuations")
	ErrNotInterrupted       = errors.New("no interrupt to resume")
	ErrRunInProgress        = errors.New("a run is in progress")
)

// Controller drives runs of one thread from the consumer side. It folds
// events into a runstate.Manager, executes the caller's own tools when a run
// waits for them, and continues the thread with the results.
type Controller struct {
	transport        Transport
	state            *runstate.Manager
	coordinator      *toolloop.Coordinator
	callerTools      []tools.CallerToolSpec
	threadID         string
	agentID          string
	contextItems     []contexts.Item
	maxContinuations int
	onEvent          func(events.Event)
}

type Option func(*Controller)

// WithCallerTools declares the caller's tools on every run and executes them
// locally. Approval-gated tools are decided by approver.
func WithCallerTools(catalog *tools.Catalog, approver toolloop.Approver) Option {
	return func(c *Controller) {
		copts := []toolloop.CoordinatorOption{toolloop.WithThreadID(c.threadID)}
		if approver != nil {
			copts = append(copts, toolloop.WithApprover(approver))
		}
		c.coordinator = toolloop.NewCoordinator(catalog, copts...)
		for _, def := range catalog.List() {
			spec := tools.CallerToolSpec{
				Name:             def.Name,
				Description:      def.Description,
				RequiresApproval: def.RequiresApproval,
			}
			if params, err := def.ParametersJSON(); err == nil {
				spec.Parameters = params
			}
			c.callerTools = append(c.callerTools, spec)
		}
		local, _ := tools.NewCatalog()
		c.state = runstate.NewManager(runstate.WithCatalog(local.WithCallerTools(catalog.List())), runstate.WithThreadID(c.threadID))
	}
}

func WithAgent(id string) Option {
	return func(c *Controller) { c.agentID = id }
}

func WithContextItems(items ...contexts.Item) Option {
	return func(c *Controller) { c.contextItems = append(c.contextItems, items...) }
}

func WithMaxContinuations(n int) Option {
	return func(c *Controller) { c.maxContinuations = n }
}

// WithEventHandler is called for every event after it was applied.
func WithEventHandler(f func(events.Event)) Option {
	return func(c *Controller) { c.onEvent = f }
}

// NewController creates a controller for threadID, or a new thread when
// threadID is empty.
func NewController(transport Transport, threadID string, opts ...Option) *Controller {
	if threadID == "" {
		threadID = helpers.NewRunID()
	}
	c := &Controller{
		transport:        transport,
		threadID:         threadID,
		maxContinuations: DefaultMaxContinuations,
	}
	c.state = runstate.NewManager(runstate.WithThreadID(threadID))
	for _, o := range opts {
		o(c)
	}
	if c.coordinator == nil {
		empty, _ := tools.NewCatalog()
		c.coordinator = toolloop.NewCoordinator(empty, toolloop.WithThreadID(threadID))
	}
	return c
}

func (c *Controller) ThreadID() string { return c.threadID }

// State is the consumer state machine of the thread.
func (c *Controller) State() *runstate.Manager { return c.state }

// Send appends a user message and runs the thread until it is Idle,
// Interrupted or Error. A previous error is reset first.
func (c *Controller) Send(ctx context.Context, content string) (runstate.State, error) {
	switch c.state.CurrentState().Kind {
	case runstate.KindError:
		c.state.Reset()
	case runstate.KindAwaitingToolExecution, runstate.KindRunning, runstate.KindStreamingText:
		return c.state.CurrentState(), ErrRunInProgress
	}
	if _, err := c.state.SendUserMessage(content); err != nil {
		return c.state.CurrentState(), err
	}
	return c.drive(ctx, nil)
}

// Resume answers the current interrupt with payload and continues the thread.
// Caller tools the interrupted run also left pending are executed first.
func (c *Controller) Resume(ctx context.Context, payload json.RawMessage) (runstate.State, error) {
	st := c.state.CurrentState()
	if st.Kind != runstate.KindInterrupted || st.Interrupt == nil {
		return st, ErrNotInterrupted
	}
	if err := c.executePending(ctx); err != nil {
		return c.state.CurrentState(), err
	}
	return c.drive(ctx, &session.Resume{InterruptID: st.Interrupt.ID, Payload: payload})
}

// executePending runs the pending caller tools and applies their results one
// at a time.
func (c *Controller) executePending(ctx context.Context) error {
	pending := c.state.PendingCallerToolCalls()
	if len(pending) == 0 {
		return nil
	}
	log.Debug().Str("thread_id", c.threadID).Int("pending", len(pending)).Msg("client: executing caller tools")
	outcomes := c.coordinator.Run(ctx, pending, c.state)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, o := range outcomes {
		if err := c.state.AddToolResult(o.ToolCallID, o.Content, o.IsError); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) drive(ctx context.Context, resume *session.Resume) (runstate.State, error) {
	for i := 0; ; i++ {
		if i > c.maxContinuations {
			log.Warn().Str("thread_id", c.threadID).Int("max", c.maxContinuations).Msg("client: giving up on tool continuations")
			return c.state.CurrentState(), ErrTooManyContinuations
		}
		req := session.Request{
			ThreadID: c.threadID,
			RunID:    helpers.NewRunID(),
			AgentID:  c.agentID,
			Messages: c.state.Messages(),
			Tools:    c.callerTools,
			Context:  c.contextItems,
			Resume:   resume,
		}
		resume = nil

		st, err := c.runOnce(ctx, req)
		if err != nil || st.Kind != runstate.KindAwaitingToolExecution {
			return st, err
		}

		if err := c.executePending(ctx); err != nil {
			return c.state.CurrentState(), err
		}
	}
}

func (c *Controller) runOnce(ctx context.Context, req session.Request) (runstate.State, error) {
	ch, err := c.transport.Stream(ctx, req)
	if err != nil {
		return c.state.CurrentState(), err
	}
	terminal := false
	for e := range ch {
		if _, err := c.state.Ingest(e); err != nil {
			continue
		}
		if c.onEvent != nil {
			c.onEvent(e)
		}
		if events.IsTerminal(e) {
			terminal = true
		}
	}
	if !terminal {
		c.state.Fail(ErrStreamClosed.Error())
		if ctx.Err() != nil {
			return c.state.CurrentState(), errors.Wrapf(ErrStreamClosed, "%v", ctx.Err())
		}
		return c.state.CurrentState(), ErrStreamClosed
	}
	return c.state.CurrentState(), nil
}
