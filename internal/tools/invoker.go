package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/panics"

	"github.com/nugget/sillage/internal/conversation"
)

// DefaultTimeout bounds a single tool call when none is configured.
const DefaultTimeout = 30 * time.Second

// Outcome is the result of one tool call. Err is set when the call
// failed, in which case Result.Message holds the error text shown to
// the model.
type Outcome struct {
	Call    conversation.ToolCallRequest
	Result  Result
	Err     error
	Elapsed time.Duration
}

// Entry converts the outcome into the transcript entry that answers the
// call.
func (o Outcome) Entry(at time.Time) conversation.ToolResultEntry {
	return conversation.ToolResultEntry{
		CallID:   o.Call.ID,
		ToolName: o.Call.Name,
		Content:  o.Result.Message,
		IsError:  o.Err != nil,
		At:       at,
	}
}

// Invoker executes model-requested tool calls against a Registry.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewInvoker returns an invoker with the given per-call timeout.
func NewInvoker(registry *Registry, timeout time.Duration, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// InvokeBatch runs every call concurrently and returns one outcome per
// call in request order. It returns only after every call has finished
// or timed out.
func (inv *Invoker) InvokeBatch(ctx context.Context, calls []conversation.ToolCallRequest) []Outcome {
	return inv.InvokeEach(ctx, calls, nil)
}

// InvokeEach is InvokeBatch with fn called as each call finishes, in
// completion order. index is the call's position in calls. Calls to fn
// never overlap.
func (inv *Invoker) InvokeEach(ctx context.Context, calls []conversation.ToolCallRequest, fn func(index int, o Outcome)) []Outcome {
	if len(calls) == 0 {
		return nil
	}
	var mu sync.Mutex
	out := make([]Outcome, len(calls))
	it := iter.Iterator[conversation.ToolCallRequest]{MaxGoroutines: len(calls)}
	it.ForEachIdx(calls, func(i int, call *conversation.ToolCallRequest) {
		out[i] = inv.Invoke(ctx, *call)
		if fn != nil {
			mu.Lock()
			fn(i, out[i])
			mu.Unlock()
		}
	})
	return out
}

type handlerReturn struct {
	out       string
	err       error
	recovered *panics.Recovered
}

// Invoke runs one call. It never returns without an answer: unknown
// tools, invalid arguments, handler errors, panics and timeouts all
// become an Outcome with Err set and a non-empty message.
func (inv *Invoker) Invoke(ctx context.Context, call conversation.ToolCallRequest) Outcome {
	start := inv.now()
	log := inv.logger.With("tool", call.Name, "call_id", call.ID)

	finish := func(res Result, err error) Outcome {
		o := Outcome{Call: call, Result: res, Err: err, Elapsed: inv.now().Sub(start)}
		if err != nil {
			log.Warn("tool call failed", "error", err, "elapsed", o.Elapsed)
		} else {
			log.Info("tool call complete", "assets", len(res.Assets), "elapsed", o.Elapsed)
		}
		return o
	}
	fail := func(err error) Outcome {
		return finish(Result{Message: "Error: " + err.Error()}, err)
	}

	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return fail(&ErrToolUnavailable{ToolName: call.Name})
	}
	if err := inv.registry.Validate(call.Name, call.Arguments); err != nil {
		return fail(err)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	scope := ScopeFromContext(ctx)
	scope.CallID = call.ID
	callCtx, cancel := context.WithTimeout(WithScope(ctx, scope), inv.timeout)
	defer cancel()

	done := make(chan handlerReturn, 1)
	go func() {
		var (
			pc  panics.Catcher
			out string
			err error
		)
		pc.Try(func() { out, err = tool.Handler(callCtx, args) })
		done <- handlerReturn{out: out, err: err, recovered: pc.Recovered()}
	}()

	interrupted := func() Outcome {
		if ctx.Err() != nil {
			return fail(fmt.Errorf("tool %s canceled: %w", call.Name, ctx.Err()))
		}
		return fail(fmt.Errorf("tool %s timed out after %s", call.Name, inv.timeout))
	}

	var ret handlerReturn
	select {
	case ret = <-done:
		// A handler that gave up because its context ended reports
		// that as an interruption, not as its own failure.
		if ret.err != nil && callCtx.Err() != nil {
			return interrupted()
		}
	case <-callCtx.Done():
		return interrupted()
	}

	switch {
	case ret.recovered != nil:
		log.Error("tool panicked", "panic", ret.recovered.Value, "stack", string(ret.recovered.Stack))
		return fail(fmt.Errorf("tool %s panicked: %v", call.Name, ret.recovered.Value))
	case ret.err != nil:
		return fail(fmt.Errorf("tool %s failed: %w", call.Name, ret.err))
	}

	res, ok := ParseEnvelope(ret.out)
	if !ok {
		log.Warn("tool returned a non-envelope payload, using it as plain text", "bytes", len(ret.out))
	}
	stamp := inv.now()
	for i := range res.Assets {
		res.Assets[i].SourceCallID = call.ID
		res.Assets[i].CreatedAt = stamp
	}
	return finish(res, nil)
}
