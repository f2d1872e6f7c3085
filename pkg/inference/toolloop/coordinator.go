package toolloop

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/go-go-golems/agentrun/pkg/runstate"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const ApprovalResponseKey = tools.ApprovalResponseKey

// Reporter receives status changes of the calls being coordinated.
// *runstate.Manager implements it.
type Reporter interface {
	SetToolCallStatus(id string, status runstate.ToolCallStatus) error
}

// Outcome is the resolution of one caller-side tool call.
type Outcome struct {
	ToolCallID string        `json:"toolCallId"`
	Name       string        `json:"name"`
	Arguments  string        `json:"arguments"`
	Content    string        `json:"content"`
	IsError    bool          `json:"isError,omitempty"`
	Decision   *Decision     `json:"decision,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Coordinator executes the caller-side tool calls a run left pending.
type Coordinator struct {
	catalog     *tools.Catalog
	executor    *tools.Executor
	approver    Approver
	maxParallel int64
	threadID    string
}

type CoordinatorOption func(*Coordinator)

func WithApprover(a Approver) CoordinatorOption {
	return func(c *Coordinator) { c.approver = a }
}

func WithExecutor(e *tools.Executor) CoordinatorOption {
	return func(c *Coordinator) { c.executor = e }
}

// WithMaxParallel bounds concurrent executions. Calls waiting for approval
// do not count against it.
func WithMaxParallel(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxParallel = int64(n) }
}

func WithThreadID(id string) CoordinatorOption {
	return func(c *Coordinator) { c.threadID = id }
}

// NewCoordinator builds a coordinator over the caller's own tools. Without an
// approver, approval-gated calls are denied.
func NewCoordinator(catalog *tools.Catalog, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		catalog:     catalog,
		executor:    tools.NewExecutor(tools.DefaultExecutorConfig()),
		approver:    AutoApprover{Kind: DecisionDeny},
		maxParallel: 4,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxParallel <= 0 {
		c.maxParallel = 1
	}
	return c
}

// Run resolves every call and returns once all of them have an outcome. One
// failing call never prevents the others from running. Outcomes are in call
// order.
func (c *Coordinator) Run(ctx context.Context, calls []runstate.ToolCallInfo, rep Reporter) []Outcome {
	outcomes := make([]Outcome, len(calls))
	sem := semaphore.NewWeighted(c.maxParallel)
	report := func(id string, st runstate.ToolCallStatus) {
		if rep == nil {
			return
		}
		if err := rep.SetToolCallStatus(id, st); err != nil {
			log.Debug().Err(err).Str("tool_call_id", id).Msg("toolloop: could not report status")
		}
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.resolve(ctx, call, sem, report)
		}()
	}
	wg.Wait()
	return outcomes
}

func (c *Coordinator) resolve(
	ctx context.Context,
	call runstate.ToolCallInfo,
	sem *semaphore.Weighted,
	report func(string, runstate.ToolCallStatus),
) Outcome {
	start := time.Now()
	out := Outcome{ToolCallID: call.ID, Name: call.Name, Arguments: call.Arguments}
	fail := func(msg string) Outcome {
		out.Content = tools.ErrorContent(msg)
		out.IsError = true
		out.Duration = time.Since(start)
		return out
	}

	var def tools.ToolDefinition
	if c.catalog != nil {
		r, err := c.catalog.Resolve(call.Name)
		if err != nil {
			return fail(err.Error())
		}
		def = r.Definition
	} else {
		return fail((&tools.ToolNotFoundError{Name: call.Name}).Error())
	}

	args, _ := tools.NormalizeArguments(call.Arguments)
	if call.RequiresApproval || def.RequiresApproval {
		report(call.ID, runstate.StatusAwaitingApproval)
		d, err := c.approver.Await(ctx, ApprovalRequest{
			ThreadID:   c.threadID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  args,
		})
		if err != nil && ctx.Err() != nil {
			return fail("run cancelled")
		}
		if err != nil && d.Kind == "" {
			d = Decision{Kind: DecisionDeny, Reason: err.Error()}
		}
		out.Decision = &d
		if !d.Approved() {
			log.Info().Str("tool", call.Name).Str("tool_call_id", call.ID).Str("reason", d.Reason).Msg("toolloop: call denied")
			out.Content = tools.DeniedContent
			out.IsError = true
			out.Duration = time.Since(start)
			return out
		}
		args, err = threadDecision(args, d)
		if err != nil {
			return fail(err.Error())
		}
		out.Arguments = string(args)
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return fail("run cancelled")
	}
	defer sem.Release(1)

	report(call.ID, runstate.StatusExecuting)
	res := c.executor.Execute(ctx, def, tools.Call{ID: call.ID, Name: call.Name, Arguments: out.Arguments})
	out.Content = res.Content
	out.IsError = res.IsError
	out.Duration = time.Since(start)
	return out
}

// threadDecision records the decision inside the executed arguments, and
// applies modified arguments.
func threadDecision(args json.RawMessage, d Decision) (json.RawMessage, error) {
	if d.Kind == DecisionModify && len(d.Arguments) > 0 {
		normalized, ok := tools.NormalizeArguments(string(d.Arguments))
		if ok {
			args = normalized
		}
	}
	return tools.WithApprovalResponse(args, string(d.Kind), d.Response)
}
