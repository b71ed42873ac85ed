package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/sillage/internal/agent"
	"github.com/nugget/sillage/internal/checkpoint"
	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/events"
)

// reservedConfigKeys may not appear in agent_config; they are set from
// the request's own fields.
var reservedConfigKeys = []string{"thread_id", "model", "user_id"}

// UserInput is the body of /invoke.
type UserInput struct {
	Message     string         `json:"message"`
	Model       string         `json:"model,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	AgentConfig map[string]any `json:"agent_config,omitempty"`
}

// StreamInput is the body of /stream.
type StreamInput struct {
	UserInput
	// StreamTokens defaults to true.
	StreamTokens *bool `json:"stream_tokens,omitempty"`
}

// ToolCall is a tool request as shown to clients.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	ID   string         `json:"id"`
	Type string         `json:"type"`
}

// ChatMessage is one transcript message as shown to clients. Type is
// human, ai or tool.
type ChatMessage struct {
	Type       string               `json:"type"`
	Content    string               `json:"content"`
	ToolCalls  []ToolCall           `json:"tool_calls"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	RunID      string               `json:"run_id,omitempty"`
	ThreadID   string               `json:"thread_id,omitempty"`
	Assets     []conversation.Asset `json:"assets,omitempty"`
}

// ChatHistoryInput is the body of /history.
type ChatHistoryInput struct {
	ThreadID string `json:"thread_id"`
}

// ChatHistory is the /history response.
type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// toChatMessage converts a transcript entry. System entries are not
// shown to clients and report false.
func toChatMessage(e conversation.Entry) (ChatMessage, bool) {
	switch e := e.(type) {
	case conversation.HumanEntry:
		return ChatMessage{Type: "human", Content: e.Content, ToolCalls: []ToolCall{}}, true
	case conversation.AssistantEntry:
		calls := make([]ToolCall, 0, len(e.ToolCalls))
		for _, c := range e.ToolCalls {
			args := c.Arguments
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{Name: c.Name, Args: args, ID: c.ID, Type: "tool_call"})
		}
		return ChatMessage{Type: "ai", Content: e.Content, ToolCalls: calls}, true
	case conversation.ToolResultEntry:
		return ChatMessage{Type: "tool", Content: e.Content, ToolCalls: []ToolCall{}, ToolCallID: e.CallID}, true
	case conversation.SystemEntry:
		return ChatMessage{}, false
	default:
		return ChatMessage{}, false
	}
}

// requestError is a client error found while parsing a turn request.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

// parseTurn validates input and builds the agent request for the agent
// named in the path, or the default agent.
func (s *Server) parseTurn(r *http.Request, in UserInput) (Agent, agent.Request, error) {
	name := r.PathValue("agent")
	if name == "" {
		name = s.defaultAgent
	}
	a, ok := s.agents[name]
	if !ok {
		return Agent{}, agent.Request{}, &requestError{http.StatusNotFound, fmt.Sprintf("agent %q not found", name)}
	}

	if strings.TrimSpace(in.Message) == "" {
		return a, agent.Request{}, &requestError{http.StatusUnprocessableEntity, "message is required"}
	}
	var overlap []string
	for _, k := range reservedConfigKeys {
		if _, ok := in.AgentConfig[k]; ok {
			overlap = append(overlap, k)
		}
	}
	if len(overlap) > 0 {
		return a, agent.Request{}, &requestError{
			http.StatusUnprocessableEntity,
			fmt.Sprintf("agent_config contains reserved keys: %s", strings.Join(overlap, ", ")),
		}
	}
	if in.Model != "" && len(s.models) > 0 && !slices.Contains(s.models, in.Model) {
		return a, agent.Request{}, &requestError{http.StatusUnprocessableEntity, fmt.Sprintf("unknown model %q", in.Model)}
	}

	return a, agent.Request{
		ThreadID: in.ThreadID,
		UserID:   resolveUser(r, in.UserID),
		Message:  in.Message,
		Model:    in.Model,
		Config:   in.AgentConfig,
	}, nil
}

// turnError maps an agent failure to a status code and a message safe
// to show the client.
func turnError(err error) (int, string) {
	var me *agent.ModelError
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, checkpoint.ErrThreadBusy):
		return http.StatusConflict, "thread is busy with another request"
	case errors.Is(err, agent.ErrThreadOwner):
		return http.StatusForbidden, "thread belongs to another user"
	case errors.As(err, &me):
		return http.StatusBadGateway, "model request failed"
	default:
		return http.StatusInternalServerError, "unexpected error"
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var in UserInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	a, req, err := s.parseTurn(r, in)
	if err != nil {
		var re *requestError
		errors.As(err, &re)
		s.errorResponse(w, re.code, re.msg)
		return
	}

	runID := uuid.NewString()
	s.events.Emit(events.SourceAPI, events.KindRequestStart, map[string]any{
		"run_id": runID, "agent": a.Name, "endpoint": "invoke",
	})

	res, err := a.Runner.Run(r.Context(), req)
	if err != nil {
		code, msg := turnError(err)
		s.logger.Error("agent invoke failed", "agent", a.Name, "thread_id", req.ThreadID, "run_id", runID, "error", err)
		s.errorResponse(w, code, msg)
		return
	}

	out, _ := toChatMessage(res.Final)
	out.RunID = runID
	out.ThreadID = res.ThreadID
	out.Assets = res.Assets
	if out.Assets == nil {
		out.Assets = []conversation.Asset{}
	}
	s.respond(w, http.StatusOK, out)
}

// sseWriter sends {type, content} frames. Headers are written with the
// first frame so failures before any output can still use a status
// code.
type sseWriter struct {
	s       *Server
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (sw *sseWriter) start() {
	if sw.started {
		return
	}
	sw.started = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
}

func (sw *sseWriter) frame(kind string, content any) {
	sw.start()
	data, err := json.Marshal(map[string]any{"type": kind, "content": content})
	if err != nil {
		sw.s.logger.Debug("failed to marshal SSE frame", "error", err)
		return
	}
	sw.write("data: " + string(data) + "\n\n")
}

func (sw *sseWriter) write(raw string) {
	if _, err := fmt.Fprint(sw.w, raw); err != nil {
		sw.s.logger.Debug("failed to write SSE frame", "error", err)
		return
	}
	if err := sw.rc.Flush(); err != nil {
		sw.s.logger.Debug("failed to flush SSE frame", "error", err)
	}
	// Long tool rounds would otherwise trip the server's write timeout.
	if err := sw.rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		sw.s.logger.Debug("failed to reset write deadline", "error", err)
	}
}

func (sw *sseWriter) done() {
	sw.start()
	sw.write("data: [DONE]\n\n")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var in StreamInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	a, req, err := s.parseTurn(r, in.UserInput)
	if err != nil {
		var re *requestError
		errors.As(err, &re)
		s.errorResponse(w, re.code, re.msg)
		return
	}
	streamTokens := in.StreamTokens == nil || *in.StreamTokens

	runID := uuid.NewString()
	s.events.Emit(events.SourceAPI, events.KindRequestStart, map[string]any{
		"run_id": runID, "agent": a.Name, "endpoint": "stream",
	})

	sw := &sseWriter{s: s, w: w, rc: http.NewResponseController(w)}
	var final *ChatMessage

	res, err := a.Runner.RunStream(r.Context(), req, func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.StreamToken:
			if streamTokens && ev.Token != "" {
				sw.frame("token", ev.Token)
			}
		case agent.StreamMessage:
			msg, ok := toChatMessage(ev.Entry)
			if !ok {
				return
			}
			msg.RunID = runID
			// The answer is held back so it can carry the turn's assets.
			if msg.Type == "ai" && len(msg.ToolCalls) == 0 {
				final = &msg
				return
			}
			sw.frame("message", msg)
		}
	})
	if err != nil {
		code, msg := turnError(err)
		s.logger.Error("agent stream failed", "agent", a.Name, "thread_id", req.ThreadID, "run_id", runID, "error", err)
		if !sw.started {
			s.errorResponse(w, code, msg)
			return
		}
		sw.frame("error", msg)
		sw.done()
		return
	}

	if final == nil {
		m, _ := toChatMessage(res.Final)
		m.RunID = runID
		final = &m
	}
	final.ThreadID = res.ThreadID
	final.Assets = res.Assets
	if final.Assets == nil {
		final.Assets = []conversation.Asset{}
	}
	sw.frame("message", final)
	sw.done()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var in ChatHistoryInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if in.ThreadID == "" {
		s.errorResponse(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}

	state, err := s.history.Load(r.Context(), in.ThreadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("history load failed", "thread_id", in.ThreadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "unexpected error")
		return
	}
	if !canAccessUser(r, state.UserID) {
		s.errorResponse(w, http.StatusForbidden, "thread belongs to another user")
		return
	}

	out := ChatHistory{Messages: make([]ChatMessage, 0, len(state.Messages))}
	for _, e := range state.Messages {
		if msg, ok := toChatMessage(e); ok {
			msg.ThreadID = state.ThreadID
			out.Messages = append(out.Messages, msg)
		}
	}
	s.respond(w, http.StatusOK, out)
}
