// Package agent runs a concierge turn: retrieve what is known about the
// user, ask the model, run any tools it requests concurrently, and ask
// again until it answers. Thread state is checkpointed after every
// phase so a crash mid-turn loses nothing already done.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/checkpoint"
	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/llm"
	"github.com/nugget/sillage/internal/tools"
	"github.com/nugget/sillage/internal/usage"
)

// DefaultMaxToolRounds bounds tool round trips per turn when Options
// leaves it unset.
const DefaultMaxToolRounds = 8

// RoundLimitMessage answers tool calls requested after the round limit.
const RoundLimitMessage = "Error: tool round limit reached; answer the user with what you already have"

// interruptedMessage answers tool calls left pending by a turn that
// never finished.
const interruptedMessage = "Error: tool call was interrupted before it completed"

var (
	// ErrEmptyMessage is returned when the incoming message is blank.
	ErrEmptyMessage = errors.New("message is required")

	// ErrThreadOwner is returned when a thread is continued by a user
	// other than the one who started it.
	ErrThreadOwner = errors.New("thread belongs to another user")
)

// Checkpointer persists thread state. *checkpoint.Store satisfies it.
type Checkpointer interface {
	Acquire(threadID string) (release func(), err error)
	Load(ctx context.Context, threadID string) (*conversation.State, error)
	Save(ctx context.Context, state *conversation.State, phase string) error
}

// UsageRecorder appends model call token counts to the usage ledger.
// *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Options wires a Loop.
type Options struct {
	LLM         llm.Client
	Registry    *tools.Registry
	Invoker     *tools.Invoker
	Checkpoints Checkpointer
	Retriever   *Retriever
	Events      *events.Bus
	Usage       UsageRecorder
	Logger      *slog.Logger

	// Instructions renders the system prompt for the current time.
	Instructions func(now time.Time) string

	DefaultModel  string
	MaxToolRounds int

	// PerThreadRetrieval reuses the first retrieval for the life of the
	// thread instead of looking the user up every turn.
	PerThreadRetrieval bool

	// InlineHistory renders prior turns into the system prompt.
	InlineHistory bool
}

// Loop executes turns. It holds no per-thread state between calls; the
// checkpoint store is the only source of truth.
type Loop struct {
	llm         llm.Client
	registry    *tools.Registry
	invoker     *tools.Invoker
	store       Checkpointer
	retriever   *Retriever
	events      *events.Bus
	usage       UsageRecorder
	logger      *slog.Logger
	assembler   Assembler
	model       string
	maxRounds   int
	perThread   bool
	now         func() time.Time
	newThreadID func() string
}

// NewLoop returns a loop. LLM, Registry and Checkpoints are required.
func NewLoop(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = tools.NewInvoker(opts.Registry, tools.DefaultTimeout, logger)
	}
	retriever := opts.Retriever
	if retriever == nil {
		retriever = &Retriever{Logger: logger}
	}
	rounds := opts.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &Loop{
		llm:       opts.LLM,
		registry:  opts.Registry,
		invoker:   invoker,
		store:     opts.Checkpoints,
		retriever: retriever,
		events:    opts.Events,
		usage:     opts.Usage,
		logger:    logger,
		assembler: Assembler{
			Instructions: opts.Instructions,
			Inline:       opts.InlineHistory,
		},
		model:       opts.DefaultModel,
		maxRounds:   rounds,
		perThread:   opts.PerThreadRetrieval,
		now:         time.Now,
		newThreadID: uuid.NewString,
	}
}

// Request is one incoming user message.
type Request struct {
	// ThreadID continues an existing thread; empty starts a new one.
	ThreadID string
	UserID   string
	Message  string
	// Model overrides the default model for this turn.
	Model string
	// Config is passed to tools through their request scope.
	Config map[string]any
}

// Result is a completed turn.
type Result struct {
	ThreadID string
	Final    conversation.AssistantEntry
	// Assets is every asset in the thread; NewAssets only this turn's.
	Assets    []conversation.Asset
	NewAssets []conversation.Asset
	Rounds    int
}

// StreamKind identifies a StreamEvent.
type StreamKind string

const (
	// StreamToken carries a fragment of assistant text.
	StreamToken StreamKind = "token"
	// StreamMessage carries a complete new transcript entry: an
	// assistant entry (with or without tool calls) or a tool result.
	StreamMessage StreamKind = "message"
)

// StreamEvent is delivered to RunStream callers as the turn progresses.
type StreamEvent struct {
	Kind  StreamKind
	Token string
	Entry conversation.Entry
}

// Run executes one turn and returns the model's final answer.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	return l.run(ctx, req, nil)
}

// RunStream is Run with progress delivered to fn. Calls to fn never
// overlap, but tool results are delivered from tool goroutines; fn must
// not block for long.
func (l *Loop) RunStream(ctx context.Context, req Request, fn func(StreamEvent)) (*Result, error) {
	return l.run(ctx, req, fn)
}

// turn carries one execution's mutable bookkeeping.
type turn struct {
	*Loop
	ctx     context.Context
	req     Request
	state   *conversation.State
	phase   Phase
	model   string
	emit    func(StreamEvent)
	log     *slog.Logger
	started time.Time
}

func (l *Loop) run(ctx context.Context, req Request, fn func(StreamEvent)) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if req.ThreadID == "" {
		req.ThreadID = l.newThreadID()
	}

	release, err := l.store.Acquire(req.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := l.store.Load(ctx, req.ThreadID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		state = conversation.NewState(req.ThreadID, req.UserID)
	case err != nil:
		return nil, fmt.Errorf("load thread %s: %w", req.ThreadID, err)
	}
	if state.UserID == "" {
		state.UserID = req.UserID
	}
	if req.UserID != "" && state.UserID != req.UserID {
		return nil, ErrThreadOwner
	}

	model := req.Model
	if model == "" {
		model = l.model
	}
	stream := fn != nil
	if fn == nil {
		fn = func(StreamEvent) {}
	}

	t := &turn{
		Loop:    l,
		ctx:     ctx,
		req:     req,
		state:   state,
		phase:   PhaseRetrieving,
		model:   model,
		emit:    fn,
		log:     l.logger.With("thread_id", req.ThreadID),
		started: l.now(),
	}
	return t.execute(stream)
}

func (t *turn) execute(stream bool) (*Result, error) {
	assetsBefore := len(t.state.Assets)
	t.resolveInterrupted()

	t.state.Append(conversation.HumanEntry{Content: t.req.Message, At: t.now()})
	t.state.Turns++
	t.log.Info("turn started", "user_id", t.state.UserID, "model", t.model, "turn", t.state.Turns)
	t.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"thread_id": t.state.ThreadID,
		"user_id":   t.state.UserID,
		"model":     t.model,
	})
	if err := t.persist(); err != nil {
		return nil, err
	}

	t.retrieve()
	if err := t.advance(EventRetrieved); err != nil {
		return nil, t.fail(err)
	}

	rounds := 0
	for {
		reply, err := t.callModel(rounds, t.registry.Definitions(), stream)
		if err != nil {
			return nil, t.fail(err)
		}

		has, err := HasToolCalls(t.lastEntry())
		if err != nil {
			return nil, t.fail(err)
		}
		if !has {
			if err := t.advance(EventFinalAnswer); err != nil {
				return nil, t.fail(err)
			}
			return t.finish(reply, assetsBefore, rounds), nil
		}

		t.state.SetPending(reply.ToolCalls)
		if err := t.advance(EventToolCalls); err != nil {
			return nil, t.fail(err)
		}

		if rounds >= t.maxRounds {
			t.log.Warn("tool round limit reached", "rounds", rounds, "requested", len(reply.ToolCalls))
			if err := t.refuseTools(reply.ToolCalls); err != nil {
				return nil, t.fail(err)
			}
			last, err := t.callModel(rounds, nil, stream)
			if err != nil {
				return nil, t.fail(err)
			}
			if err := t.advance(EventFinalAnswer); err != nil {
				return nil, t.fail(err)
			}
			return t.finish(last, assetsBefore, rounds), nil
		}

		if err := t.runTools(reply.ToolCalls); err != nil {
			return nil, t.fail(err)
		}
		rounds++
	}
}

// resolveInterrupted answers calls left pending by a turn that died
// mid-execution so every call in the transcript has a result.
func (t *turn) resolveInterrupted() {
	if len(t.state.PendingToolCalls) == 0 {
		return
	}
	t.log.Warn("answering tool calls from an interrupted turn", "pending", len(t.state.PendingToolCalls))
	at := t.now()
	for _, call := range t.state.PendingToolCalls {
		t.state.Append(conversation.ToolResultEntry{
			CallID:   call.ID,
			ToolName: call.Name,
			Content:  interruptedMessage,
			IsError:  true,
			At:       at,
		})
	}
	t.state.ClearPending()
}

func (t *turn) retrieve() {
	if t.perThread && !t.state.RetrievedAt.IsZero() {
		t.log.Debug("reusing thread retrieval", "retrieved_at", t.state.RetrievedAt)
		return
	}
	t.state.RetrievedContext = t.retriever.Retrieve(t.ctx, t.state.UserID, t.req.Message)
	t.state.RetrievedAt = t.now()
}

// callModel runs one ModelTurn, appends its entry and persists. When
// the final reply arrives with no tools bound but still carries tool
// calls, the calls are dropped so the turn can end cleanly.
func (t *turn) callModel(round int, defs []map[string]any, stream bool) (conversation.AssistantEntry, error) {
	t.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"thread_id": t.state.ThreadID,
		"round":     round,
		"model":     t.model,
		"tools":     len(defs),
	})

	asm := t.assembler
	asm.Now = t.now
	opts := TurnOptions{
		LLM:       t.llm,
		Assembler: asm,
		Model:     t.model,
		Tools:     defs,
		Logger:    t.log,
	}
	if stream {
		opts.OnToken = func(tok string) { t.emit(StreamEvent{Kind: StreamToken, Token: tok}) }
	}

	entry, resp, err := modelTurn(t.ctx, t.state, opts)
	if err != nil {
		return entry, err
	}
	if defs == nil && len(entry.ToolCalls) > 0 {
		t.log.Warn("dropping tool calls from tool-less final reply", "calls", len(entry.ToolCalls))
		entry.ToolCalls = nil
	}

	t.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"thread_id":  t.state.ThreadID,
		"round":      round,
		"model":      entry.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(entry.ToolCalls),
	})
	t.recordUsage(round, entry.Model, resp)

	t.state.Append(entry)
	if err := t.persist(); err != nil {
		return entry, err
	}
	t.emit(StreamEvent{Kind: StreamMessage, Entry: entry})
	return entry, nil
}

// recordUsage appends the call to the ledger. A ledger failure never
// fails the turn.
func (t *turn) recordUsage(round int, model string, resp *llm.ChatResponse) {
	if t.usage == nil || resp == nil {
		return
	}
	if model == "" {
		model = t.model
	}
	err := t.usage.Record(t.ctx, usage.Record{
		ThreadID:     t.state.ThreadID,
		UserID:       t.state.UserID,
		Model:        model,
		Round:        round,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		t.log.Warn("usage not recorded", "error", err)
	}
}

func (t *turn) runTools(calls []conversation.ToolCallRequest) error {
	for _, c := range calls {
		t.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
			"thread_id": t.state.ThreadID,
			"call_id":   c.ID,
			"tool":      c.Name,
		})
	}

	ctx := tools.WithScope(t.ctx, tools.Scope{
		UserID:   t.state.UserID,
		ThreadID: t.state.ThreadID,
		Config:   t.req.Config,
	})
	// Results are appended in request order once every earlier call has
	// finished. While calls remain outstanding each append is checkpointed
	// with the remainder still pending.
	done := make([]*tools.Outcome, len(calls))
	next := 0
	var orderErr error
	outcomes := t.invoker.InvokeEach(ctx, calls, func(i int, o tools.Outcome) {
		done[i] = &o
		recorded := next
		for next < len(calls) && done[next] != nil {
			if err := t.recordOutcome(calls[next], *done[next]); err != nil && orderErr == nil {
				orderErr = err
			}
			next++
		}
		if next > recorded && next < len(calls) {
			t.state.SetPending(calls[next:])
			if err := t.persist(); err != nil {
				t.log.Warn("partial tool results not checkpointed", "recorded", next, "error", err)
			}
		}
	})
	if len(outcomes) != len(calls) || next != len(calls) {
		return fmt.Errorf("%w: %d outcomes for %d calls", ErrInternal, len(outcomes), len(calls))
	}
	if orderErr != nil {
		return orderErr
	}
	t.state.ClearPending()
	return t.advance(EventToolsDone)
}

// recordOutcome appends the answer to call.
func (t *turn) recordOutcome(call conversation.ToolCallRequest, o tools.Outcome) error {
	if o.Call.ID != call.ID {
		return fmt.Errorf("%w: outcome answers %q, want %q", ErrInternal, o.Call.ID, call.ID)
	}
	entry := o.Entry(t.now())
	t.state.Append(entry)
	t.state.AddAssets(o.Result.Assets...)
	t.emit(StreamEvent{Kind: StreamMessage, Entry: entry})
	t.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"thread_id":   t.state.ThreadID,
		"call_id":     o.Call.ID,
		"tool":        o.Call.Name,
		"ok":          o.Err == nil,
		"duration_ms": o.Elapsed.Milliseconds(),
		"assets":      len(o.Result.Assets),
	})
	return nil
}

// refuseTools answers every call with RoundLimitMessage.
func (t *turn) refuseTools(calls []conversation.ToolCallRequest) error {
	at := t.now()
	for _, c := range calls {
		entry := conversation.ToolResultEntry{
			CallID:   c.ID,
			ToolName: c.Name,
			Content:  RoundLimitMessage,
			IsError:  true,
			At:       at,
		}
		t.state.Append(entry)
		t.emit(StreamEvent{Kind: StreamMessage, Entry: entry})
	}
	t.state.ClearPending()
	return t.advance(EventToolsDone)
}

func (t *turn) lastEntry() conversation.Entry {
	e, _ := t.state.Last()
	return e
}

// advance applies a phase transition and checkpoints the result.
func (t *turn) advance(e Event) error {
	next, err := Transition(t.phase, e)
	if err != nil {
		return err
	}
	t.log.Debug("phase transition", "from", t.phase, "event", e, "to", next)
	t.phase = next
	return t.persist()
}

func (t *turn) persist() error {
	t.state.UpdatedAt = t.now()
	if err := t.store.Save(t.ctx, t.state, string(t.phase)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// fail records the failed phase and classifies err for the caller.
// Structural problems are logged at error level and wrapped in
// ErrInternal.
func (t *turn) fail(err error) error {
	failedIn := t.phase
	structural := errors.Is(err, ErrNotAssistant) || errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrInternal)
	if structural {
		t.log.Error("turn aborted: broken invariant", "phase", failedIn, "error", err)
		if !errors.Is(err, ErrInternal) {
			err = fmt.Errorf("%w: %w", ErrInternal, err)
		}
	} else {
		t.log.Warn("turn failed", "phase", failedIn, "error", err)
	}

	t.events.Emit(events.SourceAgent, events.KindRequestFailed, map[string]any{
		"thread_id": t.state.ThreadID,
		"phase":     string(failedIn),
		"error":     err.Error(),
	})

	if next, terr := Transition(t.phase, EventError); terr == nil {
		t.phase = next
		// Use a fresh context: the turn's may be what was canceled.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), 5*time.Second)
		defer cancel()
		t.state.UpdatedAt = t.now()
		if serr := t.store.Save(saveCtx, t.state, string(t.phase)); serr != nil {
			t.log.Error("failed to checkpoint failed turn", "error", serr)
		}
	}
	return err
}

func (t *turn) finish(final conversation.AssistantEntry, assetsBefore, rounds int) *Result {
	elapsed := t.now().Sub(t.started)
	t.log.Info("turn complete",
		"rounds", rounds,
		"new_assets", len(t.state.Assets)-assetsBefore,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	t.events.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"thread_id":  t.state.ThreadID,
		"rounds":     rounds,
		"assets":     len(t.state.Assets) - assetsBefore,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return &Result{
		ThreadID:  t.state.ThreadID,
		Final:     final,
		Assets:    slices.Clone(t.state.Assets),
		NewAssets: slices.Clone(t.state.Assets[assetsBefore:]),
		Rounds:    rounds,
	}
}
