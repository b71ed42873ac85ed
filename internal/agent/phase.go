package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/sillage/internal/conversation"
)

// Phase is where a turn is in the loop.
type Phase string

const (
	PhaseRetrieving     Phase = "retrieving"
	PhaseAwaitingModel  Phase = "awaiting_model"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Event drives a phase transition.
type Event string

const (
	EventRetrieved   Event = "retrieved"
	EventToolCalls   Event = "tool_calls"
	EventFinalAnswer Event = "final_answer"
	EventToolsDone   Event = "tools_done"
	EventError       Event = "error"
)

var (
	// ErrIllegalTransition is returned by Transition for an event that
	// is not valid in the current phase.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrNotAssistant is returned by HasToolCalls when the entry it is
	// asked about was not written by the model.
	ErrNotAssistant = errors.New("last entry is not an assistant entry")

	// ErrInternal marks a broken loop invariant. Callers should show a
	// generic failure rather than the wrapped detail.
	ErrInternal = errors.New("internal agent error")
)

// Transition returns the phase that follows event in phase p.
//
//	retrieving      --retrieved-->    awaiting_model
//	awaiting_model  --tool_calls-->   executing_tools
//	awaiting_model  --final_answer--> done
//	executing_tools --tools_done-->   awaiting_model
//	(non-terminal)  --error-->        failed
func Transition(p Phase, e Event) (Phase, error) {
	if e == EventError && !p.Terminal() {
		return PhaseFailed, nil
	}
	switch {
	case p == PhaseRetrieving && e == EventRetrieved:
		return PhaseAwaitingModel, nil
	case p == PhaseAwaitingModel && e == EventToolCalls:
		return PhaseExecutingTools, nil
	case p == PhaseAwaitingModel && e == EventFinalAnswer:
		return PhaseDone, nil
	case p == PhaseExecutingTools && e == EventToolsDone:
		return PhaseAwaitingModel, nil
	}
	return p, fmt.Errorf("%w: %s in phase %s", ErrIllegalTransition, e, p)
}

// HasToolCalls is the branch guard after a model turn. Only an assistant
// entry can request tools; anything else in last position means the
// transcript is corrupt.
func HasToolCalls(last conversation.Entry) (bool, error) {
	switch e := last.(type) {
	case conversation.AssistantEntry:
		return len(e.ToolCalls) > 0, nil
	case conversation.HumanEntry, conversation.ToolResultEntry, conversation.SystemEntry:
		return false, fmt.Errorf("%w: got %s", ErrNotAssistant, e.Kind())
	case nil:
		return false, fmt.Errorf("%w: transcript is empty", ErrNotAssistant)
	}
	return false, fmt.Errorf("%w: got %T", ErrNotAssistant, last)
}
