package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"balungpisah/pkg/domain"
	"balungpisah/services/intake/internal/events"
)

const defaultTimeout = 20 * time.Second

// Call is one parsed tool call from a model turn.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Outcome is the terminal state of one call.
type Outcome struct {
	CallID   string
	ToolName string
	Success  bool
	Result   json.RawMessage
	Error    *domain.ToolError
	Duration time.Duration
}

// Block renders the outcome as a tool_result block payload.
func (o Outcome) Block() domain.Block {
	return domain.Block{
		Type:       domain.BlockToolResult,
		ToolCallID: o.CallID,
		Success:    o.Success,
		Result:     o.Result,
		Error:      o.Error,
		DurationMS: o.Duration.Milliseconds(),
	}
}

// ModelContent is what the model sees as the tool's answer.
func (o Outcome) ModelContent() string {
	if o.Success {
		return string(o.Result)
	}
	b, _ := json.Marshal(map[string]any{"error": o.Error})
	return string(b)
}

type CoordinatorConfig struct {
	Timeout time.Duration
	// ConcurrentReadOnly lets a batch run in parallel when every tool in it is read-only.
	ConcurrentReadOnly bool
}

type Coordinator struct {
	registry           *Registry
	timeout            time.Duration
	concurrentReadOnly bool
}

func NewCoordinator(registry *Registry, cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{registry: registry, timeout: timeout, concurrentReadOnly: cfg.ConcurrentReadOnly}
}

// Execute runs a batch of calls and returns their outcomes in call order. Each
// call emits tool.execution_started and then exactly one terminal event. An
// error is returned only when ctx ends or the emitter fails; outcomes are
// then incomplete and must be discarded.
func (c *Coordinator) Execute(ctx context.Context, em events.Emitter, messageID string, inv Invocation, calls []Call) ([]Outcome, error) {
	outcomes := make([]Outcome, len(calls))
	run := func(ctx context.Context, i int) error {
		call := calls[i]
		if err := em.Emit(ctx, events.Event{Type: events.ToolStarted, Data: events.ToolStartedData{
			MessageID: messageID, ToolCallID: call.ID, ToolName: call.Name,
		}}); err != nil {
			return err
		}
		out := c.ExecuteOne(ctx, inv, call)
		if err := ctx.Err(); err != nil {
			return err
		}
		outcomes[i] = out
		return em.Emit(ctx, terminalEvent(messageID, out))
	}

	if c.parallel(calls) {
		g, gctx := errgroup.WithContext(ctx)
		for i := range calls {
			g.Go(func() error { return run(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return outcomes, nil
	}
	for i := range calls {
		if err := run(ctx, i); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

func (c *Coordinator) parallel(calls []Call) bool {
	if !c.concurrentReadOnly || len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		t, ok := c.registry.Lookup(call.Name)
		if !ok || !t.ReadOnly {
			return false
		}
	}
	return true
}

// ExecuteOne runs a single call under the per-call timeout. Failures are
// reported in the outcome, never returned.
func (c *Coordinator) ExecuteOne(ctx context.Context, inv Invocation, call Call) Outcome {
	start := time.Now()
	out := Outcome{CallID: call.ID, ToolName: call.Name}
	fail := func(code, msg string) Outcome {
		out.Error = &domain.ToolError{Code: code, Message: msg}
		out.Duration = time.Since(start)
		return out
	}

	t, ok := c.registry.Lookup(call.Name)
	if !ok {
		return fail(CodeUnknownTool, fmt.Sprintf("tool %q is not available", call.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := t.Handler(callCtx, inv, callRequest(call.Name, call.Arguments))
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fail(CodeTimeout, fmt.Sprintf("tool did not finish within %s", c.timeout))
			}
			return fail(CodeToolError, res.err.Error())
		}
		payload, err := json.Marshal(res.value)
		if err != nil {
			return fail(CodeToolError, "encode result: "+err.Error())
		}
		out.Success = true
		out.Result = payload
		out.Duration = time.Since(start)
		return out
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return fail(CodeCancelled, "request cancelled")
		}
		slog.Warn("tool call timed out", "tool", call.Name, "tool_call_id", call.ID, "timeout", c.timeout)
		return fail(CodeTimeout, fmt.Sprintf("tool did not finish within %s", c.timeout))
	}
}

func terminalEvent(messageID string, out Outcome) events.Event {
	if out.Success {
		return events.Event{Type: events.ToolCompleted, Data: events.ToolCompletedData{
			MessageID:  messageID,
			ToolCallID: out.CallID,
			ToolName:   out.ToolName,
			Result:     out.Result,
			DurationMS: out.Duration.Milliseconds(),
		}}
	}
	return events.Event{Type: events.ToolFailed, Data: events.ToolFailedData{
		MessageID:  messageID,
		ToolCallID: out.CallID,
		ToolName:   out.ToolName,
		Error:      *out.Error,
		DurationMS: out.Duration.Milliseconds(),
	}}
}
