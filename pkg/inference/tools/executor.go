package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Call is a finalized tool call ready for execution.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result is the outcome of one tool call. Content is what gets fed back to
// the model: the JSON (or string) result, or an error object.
type Result struct {
	ToolCallID string        `json:"toolCallId"`
	Name       string        `json:"name"`
	Content    string        `json:"content"`
	IsError    bool          `json:"isError,omitempty"`
	Duration   time.Duration `json:"duration"`
	Retries    int           `json:"retries,omitempty"`
}

// DeniedContent is the result recorded for a call the user refused.
const DeniedContent = `{"denied":true,"error":"User denied the operation"}`

// ErrorContent renders an error result the way tools report failures.
func ErrorContent(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// NormalizeArguments returns arguments as a JSON object. Empty arguments
// become {} and unparseable ones are wrapped as {"raw": "..."}.
func NormalizeArguments(args string) (json.RawMessage, bool) {
	if args == "" {
		return json.RawMessage(`{}`), true
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args), true
	}
	b, _ := json.Marshal(map[string]string{"raw": args})
	return b, false
}

type Executor struct {
	config ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{config: cfg}
}

// Execute runs a single call. It never returns an error: failures, panics and
// timeouts are reported in the Result.
func (e *Executor) Execute(ctx context.Context, def ToolDefinition, call Call) Result {
	start := time.Now()
	res := Result{ToolCallID: call.ID, Name: call.Name}

	args, parsed := NormalizeArguments(call.Arguments)
	if parsed && e.config.ValidateArguments {
		if err := ValidateArguments(def, args); err != nil {
			res.Content = ErrorContent(err.Error())
			res.IsError = true
			res.Duration = time.Since(start)
			return res
		}
	}

	for attempt := 0; ; attempt++ {
		out, err := e.executeOnce(ctx, def, args)
		if err == nil {
			res.Content, err = encodeOutput(out)
		}
		if err == nil {
			res.IsError = false
			break
		}
		res.Content = ErrorContent(err.Error())
		res.IsError = true

		if ctx.Err() != nil || attempt >= e.config.RetryConfig.MaxRetries {
			break
		}
		res.Retries++
		select {
		case <-ctx.Done():
		case <-time.After(e.config.backoff(attempt)):
		}
	}

	res.Duration = time.Since(start)
	log.Debug().Str("tool", call.Name).Str("tool_call_id", call.ID).Bool("error", res.IsError).
		Dur("duration", res.Duration).Msg("Executed tool")
	return res
}

func (e *Executor) executeOnce(ctx context.Context, def ToolDefinition, args json.RawMessage) (out interface{}, err error) {
	if def.Function == nil {
		return nil, errors.Errorf("tool %s has no function", def.Name)
	}
	if e.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tool", def.Name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Tool panicked")
			err = fmt.Errorf("tool %s panicked: %v", def.Name, r)
		}
	}()
	return def.Function(ctx, args)
}

func encodeOutput(out interface{}) (string, error) {
	switch v := out.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", errors.Wrap(err, "could not encode tool result")
	}
	return string(b), nil
}

// ExecuteAll runs calls concurrently, bounded by MaxParallelTools. Results are
// returned in call order and one failing call never cancels the others.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call, lookup func(name string) (ToolDefinition, error)) []Result {
	results := make([]Result, len(calls))
	g := errgroup.Group{}
	if e.config.MaxParallelTools > 0 {
		g.SetLimit(e.config.MaxParallelTools)
	}
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			def, err := lookup(call.Name)
			if err != nil {
				results[i] = Result{ToolCallID: call.ID, Name: call.Name, Content: ErrorContent(err.Error()), IsError: true}
				return nil
			}
			results[i] = e.Execute(ctx, def, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
