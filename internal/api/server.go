// Package api implements the concierge HTTP API: agent invocation and
// streaming, thread history and listing, user profile documents, and a
// live event feed.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/nugget/sillage/internal/agent"
	"github.com/nugget/sillage/internal/buildinfo"
	"github.com/nugget/sillage/internal/connwatch"
	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/documents"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/records"
	"github.com/nugget/sillage/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner executes agent turns. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
	RunStream(ctx context.Context, req agent.Request, fn func(agent.StreamEvent)) (*agent.Result, error)
}

// StateLoader reads persisted thread state. *checkpoint.Store
// satisfies it.
type StateLoader interface {
	Load(ctx context.Context, threadID string) (*conversation.State, error)
}

// Titler names new threads. *records.Titler satisfies it.
type Titler interface {
	Title(ctx context.Context, message string) string
}

// Agent is one invocable agent. The first agent in Options.Agents is
// the default served at /invoke and /stream.
type Agent struct {
	Name        string
	Description string
	Runner      Runner
}

// HealthReporter reports dependency reachability. *connwatch.Manager
// satisfies it.
type HealthReporter interface {
	Status() []connwatch.Status
}

// Options wires a Server.
type Options struct {
	Address string
	Agents  []Agent

	History     StateLoader
	Checkpoints CheckpointReader
	Documents   *documents.Store
	Records     *records.Store
	Titler      Titler
	Events      *events.Bus
	Usage       *usage.Store
	Health      HealthReporter

	// Models lists the accepted model names; empty accepts any.
	Models       []string
	DefaultModel string

	// JWTSecret enables bearer authentication when set.
	JWTSecret string

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address      string
	agents       map[string]Agent
	defaultAgent string
	agentOrder   []string

	history     StateLoader
	checkpoints CheckpointReader
	documents   *documents.Store
	records     *records.Store
	titler      Titler
	events      *events.Bus
	usage       *usage.Store
	health      HealthReporter

	models       []string
	defaultModel string
	jwtSecret    []byte

	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:      opts.Address,
		agents:       make(map[string]Agent, len(opts.Agents)),
		history:      opts.History,
		checkpoints:  opts.Checkpoints,
		documents:    opts.Documents,
		records:      opts.Records,
		titler:       opts.Titler,
		events:       opts.Events,
		usage:        opts.Usage,
		health:       opts.Health,
		models:       slices.Sorted(slices.Values(opts.Models)),
		defaultModel: opts.DefaultModel,
		logger:       logger,
	}
	if opts.JWTSecret != "" {
		s.jwtSecret = []byte(opts.JWTSecret)
	}
	for i, a := range opts.Agents {
		if i == 0 {
			s.defaultAgent = a.Name
		}
		s.agents[a.Name] = a
		s.agentOrder = append(s.agentOrder, a.Name)
	}
	return s
}

// Handler returns the routed, logged and authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Agent endpoints
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("POST /{agent}/invoke", s.handleInvoke)
	mux.HandleFunc("POST /stream", s.handleStream)
	mux.HandleFunc("POST /{agent}/stream", s.handleStream)
	mux.HandleFunc("POST /history", s.handleHistory)

	// Threads
	mux.HandleFunc("POST /threads", s.handleThreadCreate)
	mux.HandleFunc("GET /threads", s.handleThreadList)
	mux.HandleFunc("GET /threads/{thread_id}/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("GET /threads/{thread_id}/checkpoints/{checkpoint_id}", s.handleCheckpointGet)

	// User profile document and scent profile
	mux.HandleFunc("GET /users", s.handleUserList)
	mux.HandleFunc("GET /vectordb", s.handleUserList)
	mux.HandleFunc("GET /user/{user_id}", s.handleUserGet)
	mux.HandleFunc("POST /user/{user_id}", s.handleUserPut)
	mux.HandleFunc("PUT /user/{user_id}", s.handleUserPut)
	mux.HandleFunc("DELETE /user/{user_id}", s.handleUserDelete)
	mux.HandleFunc("GET /user/{user_id}/scent-profile", s.handleScentProfileGet)
	mux.HandleFunc("POST /user/{user_id}/scent-profile", s.handleScentProfilePut)
	mux.HandleFunc("PUT /user/{user_id}/scent-profile", s.handleScentProfilePut)

	// Service
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /usage", s.handleUsage)

	return s.withLogging(s.withAuth(mux))
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.address,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streaming handlers push the write deadline forward themselves.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", s.address, "agents", s.agentOrder)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

// HealthResponse is the /health body. The endpoint answers 200 while
// the process is up; Status is "degraded" when a dependency is down.
type HealthResponse struct {
	Status   string             `json:"status"`
	Uptime   string             `json:"uptime"`
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: buildinfo.Uptime().Round(time.Second).String()}
	if s.health != nil {
		resp.Services = s.health.Status()
		for _, svc := range resp.Services {
			if !svc.Ready {
				resp.Status = "degraded"
			}
		}
	}
	s.respond(w, http.StatusOK, resp)
}

// AgentInfo describes one agent in /info.
type AgentInfo struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// ServiceInfo is the /info response.
type ServiceInfo struct {
	Agents       []AgentInfo       `json:"agents"`
	Models       []string          `json:"models"`
	DefaultAgent string            `json:"default_agent"`
	DefaultModel string            `json:"default_model"`
	Build        map[string]string `json:"build"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := ServiceInfo{
		Agents:       make([]AgentInfo, 0, len(s.agentOrder)),
		Models:       s.models,
		DefaultAgent: s.defaultAgent,
		DefaultModel: s.defaultModel,
		Build:        buildinfo.Info(),
	}
	if info.Models == nil {
		info.Models = []string{}
	}
	for _, name := range s.agentOrder {
		info.Agents = append(info.Agents, AgentInfo{Key: name, Description: s.agents[name].Description})
	}
	s.respond(w, http.StatusOK, info)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
