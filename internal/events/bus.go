// Package events is a publish/subscribe bus for operational events.
// The agent loop, API and dependency watchers publish; the /events websocket subscribes. A
// nil *Bus is valid and drops everything, so publishers need no guards.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent  = "agent"
	SourceAPI    = "api"
	SourceHealth = "health"
)

// Kinds published by the agent loop.
const (
	// KindRequestStart: thread_id, user_id, model.
	KindRequestStart = "request_start"
	// KindLLMCall: thread_id, round, model, tools.
	KindLLMCall = "llm_call"
	// KindLLMResponse: thread_id, round, model, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall: thread_id, call_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: thread_id, call_id, tool, ok, duration_ms, assets.
	KindToolDone = "tool_done"
	// KindRequestComplete: thread_id, rounds, assets, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestFailed: thread_id, phase, error.
	KindRequestFailed = "request_failed"
)

// Kinds published by the API.
const (
	// KindThreadCreated: thread_id, user_id.
	KindThreadCreated = "thread_created"
	// KindProfileUpdated: user_id, source ("document" or "scent_profile").
	KindProfileUpdated = "profile_updated"
)

// Kinds published by the dependency watchers.
const (
	// KindServiceReady: service.
	KindServiceReady = "service_ready"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultHistory is how many recent events a bus retains for replay.
const DefaultHistory = 32

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event

	recent []Event
	next   int
	filled bool
}

// New returns a bus retaining the last history events (DefaultHistory
// when history <= 0).
func New(history int) *Bus {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		recent:     make([]Event, history),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends e to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[b.next] = e
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.filled = true
	}

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns retained events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.filled {
		return append([]Event(nil), b.recent[:b.next]...)
	}
	out := make([]Event, 0, len(b.recent))
	out = append(out, b.recent[b.next:]...)
	return append(out, b.recent[:b.next]...)
}

// Subscribe returns a channel of future events. Call Unsubscribe when
// done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeated
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
