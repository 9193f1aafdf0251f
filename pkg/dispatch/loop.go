package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/harunnryd/kirana/pkg/conversation"
	"github.com/harunnryd/kirana/pkg/errorsx"
	"github.com/harunnryd/kirana/pkg/llm"
	"github.com/harunnryd/kirana/pkg/metrics"
	"github.com/harunnryd/kirana/pkg/redact"
	"github.com/harunnryd/kirana/pkg/resilience"
)

// Scoped is a resource tied to one loop run: acquired before the first
// tool execution, released on every exit path. Remote tool sessions
// implement it.
type Scoped interface {
	Acquire(ctx context.Context) error
	Release()
}

// Options tunes one dispatch loop.
type Options struct {
	// MaxSteps bounds backend round-trips per exchange.
	MaxSteps int
	// ToolConcurrency bounds the tool fan-out within one step.
	ToolConcurrency int
	// ToolTimeout bounds each tool invocation; a timeout is a recoverable
	// per-tool failure, not a loop fault.
	ToolTimeout time.Duration
	// Retry governs backend transport errors.
	Retry resilience.RetryPolicy
	// Breaker, when set, short-circuits backend calls after repeated rate
	// limit failures.
	Breaker *resilience.CircuitBreaker
	// System is prepended to every backend call.
	System string
	// Generation options forwarded to the backend.
	Generation llm.Options
	// Scoped resources leased for the duration of tool-executing runs.
	Scoped []Scoped

	Observer metrics.Observer
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = 10
	}
	if o.ToolConcurrency <= 0 {
		o.ToolConcurrency = 4
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = resilience.NewRetryPolicy(3, 200*time.Millisecond)
	}
	if o.Observer == nil {
		o.Observer = metrics.NoopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is a completed exchange.
type Result struct {
	Content string
	Steps   int
	Usage   llm.Usage
}

// ToolSource resolves and executes tools for the loop. *tool.Registry is
// the canonical implementation.
type ToolSource interface {
	Tools() []llm.Tool
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}

// Loop drives one logical exchange to completion: query the backend,
// execute requested tools, append results, repeat until a final answer or
// a terminal fault.
type Loop struct {
	backend llm.Backend
	tools   ToolSource
	state   *conversation.State
	fsm     *stateMachine
	opts    Options
}

// New builds a loop bound to one session. The conversation state must not
// be shared with another loop.
func New(backend llm.Backend, tools ToolSource, state *conversation.State, opts Options) *Loop {
	return &Loop{
		backend: backend,
		tools:   tools,
		state:   state,
		fsm:     newStateMachine(),
		opts:    opts.withDefaults(),
	}
}

// State returns the loop's current dispatch state.
func (l *Loop) State() State { return l.fsm.State() }

// AddStateListener registers a listener for dispatch state changes.
func (l *Loop) AddStateListener(listener StateListener) { l.fsm.AddListener(listener) }

// History returns the session history snapshot; on failure it is intact up
// to the last completed step.
func (l *Loop) History() []conversation.Turn { return l.state.Turns() }

// Send drives one user turn to completion. Per-tool faults are reported
// back to the backend as tool-result error payloads; only loop-level
// faults (step budget, backend unreachable, cancellation) return an error.
func (l *Loop) Send(ctx context.Context, parts ...conversation.Part) (Result, error) {
	if err := l.state.Acquire(); err != nil {
		return Result{}, err
	}
	defer l.state.Release()

	released := false
	acquired := false
	releaseScoped := func() {
		if !acquired || released {
			return
		}
		released = true
		for _, s := range l.opts.Scoped {
			s.Release()
		}
	}
	defer releaseScoped()

	_ = l.fsm.Transition(StateAwaitingBackend, "user turn received")
	if err := l.state.Append(conversation.NewUserTurn(parts...)); err != nil {
		return l.fail(err, "append user turn")
	}

	var usage llm.Usage
	sessionID := l.state.ID()

	for step := 1; step <= l.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return l.fail(errorsx.Wrap(err, errorsx.ReasonCancelled), "cancelled between steps")
		}
		l.opts.Observer.RecordEvent(metrics.Event("dispatch_step", float64(step),
			map[string]string{"session_id": sessionID}, nil))

		resp, err := l.generate(ctx, sessionID)
		if err != nil {
			return l.fail(err, "backend exhausted retries")
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			if err := l.state.Append(conversation.NewAssistantTurn(resp.Text, nil)); err != nil {
				return l.fail(err, "append assistant turn")
			}
			_ = l.fsm.Transition(StateDone, "final answer")
			l.opts.Observer.RecordEvent(metrics.Event("dispatch_done", float64(step),
				map[string]string{"session_id": sessionID}, map[string]any{"total_tokens": usage.TotalTokens}))
			return Result{Content: resp.Text, Steps: step, Usage: usage}, nil
		}

		// Ambiguous correlation ids must surface before anything is appended,
		// so the history stays unchanged since the malformed response.
		if dup := duplicateIDs(resp.ToolCalls); len(dup) > 0 {
			err := &MalformedResponseError{Duplicates: dup}
			return l.fail(errorsx.Wrap(err, errorsx.ReasonBackendMalformed), "malformed backend response")
		}

		requests := make([]conversation.ToolRequest, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			requests[i] = conversation.ToolRequest{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
		}
		if err := l.state.Append(conversation.NewAssistantTurn(resp.Text, requests)); err != nil {
			return l.fail(err, "append tool requests")
		}
		_ = l.fsm.Transition(StateExecutingTools, "backend requested tools")

		if !acquired && len(l.opts.Scoped) > 0 {
			for i, s := range l.opts.Scoped {
				if err := s.Acquire(ctx); err != nil {
					for j := 0; j < i; j++ {
						l.opts.Scoped[j].Release()
					}
					return l.fail(errorsx.Wrap(err, errorsx.ReasonRemoteConnect), "scoped resource acquire")
				}
			}
			acquired = true
		}

		results := l.executeTools(ctx, sessionID, resp.ToolCalls)
		if err := ctx.Err(); err != nil {
			// Partial results are discarded, not appended.
			return l.fail(errorsx.Wrap(err, errorsx.ReasonCancelled), "cancelled during tool execution")
		}
		for _, res := range results {
			if err := l.state.Append(conversation.NewToolTurn(res)); err != nil {
				return l.fail(err, "append tool result")
			}
		}
		_ = l.fsm.Transition(StateAwaitingBackend, "tool results appended")
	}

	err := errorsx.Wrap(&StepLimitError{Limit: l.opts.MaxSteps}, errorsx.ReasonStepLimit)
	return l.fail(err, "step budget exhausted")
}

func (l *Loop) fail(err error, reason string) (Result, error) {
	_ = l.fsm.Transition(StateFailed, reason)
	l.opts.Observer.RecordEvent(metrics.Event("dispatch_failed", 0,
		map[string]string{"session_id": l.state.ID(), "reason_code": string(errorsx.Reason(err))}, nil))
	l.opts.Logger.Error("dispatch_failed",
		"session_id", l.state.ID(),
		"reason_code", string(errorsx.Reason(err)),
		"error", err)
	return Result{}, err
}

func (l *Loop) generate(ctx context.Context, sessionID string) (llm.Response, error) {
	input := llm.Context{
		System:  l.opts.System,
		Turns:   l.state.Turns(),
		Tools:   l.tools.Tools(),
		Options: l.opts.Generation,
	}
	var resp llm.Response
	started := time.Now()
	err := l.opts.Retry.Do(ctx, func() error {
		if l.opts.Breaker != nil && !l.opts.Breaker.Allow() {
			return resilience.RateLimitError{Provider: l.backend.Name(), Message: "circuit open"}
		}
		r, gerr := l.backend.Generate(ctx, input)
		if gerr != nil {
			if l.opts.Breaker != nil {
				l.opts.Breaker.OnError(gerr)
			}
			return gerr
		}
		if l.opts.Breaker != nil {
			l.opts.Breaker.OnSuccess()
		}
		resp = r
		return nil
	})
	elapsed := time.Since(started)
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.opts.Observer.RecordEvent(metrics.Event("backend_call", float64(elapsed.Milliseconds()),
		map[string]string{"session_id": sessionID, "backend": l.backend.Name(), "status": status},
		map[string]any{"tool_calls": len(resp.ToolCalls)}))
	if err != nil {
		reason := errorsx.ReasonBackendGenerate
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonBackendRateLimit
		}
		return llm.Response{}, errorsx.Wrap(err, reason)
	}
	return resp, nil
}

// executeTools resolves one response's tool requests with bounded fan-out.
// Results land at the request's index, preserving backend order no matter
// which invocation finishes first.
func (l *Loop) executeTools(ctx context.Context, sessionID string, calls []llm.ToolCall) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))
	p := pool.New().WithMaxGoroutines(l.opts.ToolConcurrency)
	for i, call := range calls {
		p.Go(func() {
			results[i] = l.executeTool(ctx, sessionID, call)
		})
	}
	p.Wait()
	return results
}

func (l *Loop) executeTool(ctx context.Context, sessionID string, call llm.ToolCall) conversation.ToolResult {
	res := conversation.ToolResult{ID: call.ID, Name: call.Name}
	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if l.opts.ToolTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, l.opts.ToolTimeout)
	}
	defer cancel()

	l.opts.Logger.Debug("tool_exec_start",
		"session_id", sessionID,
		"tool", call.Name,
		"call_id", call.ID,
		"args", redact.Args(call.Arguments))

	started := time.Now()
	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := l.tools.Execute(execCtx, call.Name, call.Arguments)
		ch <- outcome{value: v, err: err}
	}()

	status := "ok"
	select {
	case out := <-ch:
		if out.err != nil {
			status = "error"
			res.Error = out.err.Error()
		} else {
			res.Value = out.value
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			status = "cancelled"
			res.Error = ctx.Err().Error()
		} else {
			status = "timeout"
			res.Error = errorsx.New(errorsx.ReasonToolTimeout, "tool "+call.Name+" timed out").Error()
		}
	}

	l.opts.Observer.RecordEvent(metrics.Event("tool_exec", float64(time.Since(started).Milliseconds()),
		map[string]string{"session_id": sessionID, "tool": call.Name, "status": status}, nil))
	if res.Error != "" {
		l.opts.Logger.Warn("tool_exec_error",
			"session_id", sessionID,
			"tool", call.Name,
			"call_id", call.ID,
			"error", res.Error)
	}
	return res
}

func duplicateIDs(calls []llm.ToolCall) []string {
	seen := make(map[string]struct{}, len(calls))
	var dup []string
	for _, call := range calls {
		if _, ok := seen[call.ID]; ok {
			dup = append(dup, call.ID)
			continue
		}
		seen[call.ID] = struct{}{}
	}
	return dup
}
