package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/sillage/internal/agent"
	"github.com/nugget/sillage/internal/checkpoint"
	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/database"
	"github.com/nugget/sillage/internal/documents"
	"github.com/nugget/sillage/internal/events"
	"github.com/nugget/sillage/internal/records"
	"github.com/nugget/sillage/internal/usage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records requests and replays a scripted turn. Stream
// events are delivered before the result is returned.
type fakeRunner struct {
	mu     sync.Mutex
	reqs   []agent.Request
	events []agent.StreamEvent
	result *agent.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	return f.RunStream(ctx, req, nil)
}

func (f *fakeRunner) RunStream(_ context.Context, req agent.Request, fn func(agent.StreamEvent)) (*agent.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if fn != nil {
		for _, ev := range f.events {
			fn(ev)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	if res.ThreadID == "" {
		res.ThreadID = req.ThreadID
	}
	return &res, nil
}

func (f *fakeRunner) lastRequest(t *testing.T) agent.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("runner was not called")
	}
	return f.reqs[len(f.reqs)-1]
}

// fakeHistory is a StateLoader over a map.
type fakeHistory map[string]*conversation.State

func (h fakeHistory) Load(_ context.Context, threadID string) (*conversation.State, error) {
	s, ok := h[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return s, nil
}

type fixedTitler string

func (f fixedTitler) Title(context.Context, string) string { return string(f) }

type testServer struct {
	srv     *Server
	handler http.Handler
	runner  *fakeRunner
	history fakeHistory
	docs    *documents.Store
	records *records.Store
	usage   *usage.Store
	bus     *events.Bus
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	db, err := database.Open(context.Background(), database.DriverPureGo, filepath.Join(t.TempDir(), "api.db"), quietLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts := &testServer{
		runner: &fakeRunner{result: &agent.Result{
			Final: conversation.AssistantEntry{Content: "Try Santal 33."},
		}},
		history: fakeHistory{},
		docs:    documents.NewStore(db, nil, quietLogger()),
		records: records.NewStore(db, quietLogger()),
		usage:   usage.NewStore(db, nil, nil, quietLogger()),
		bus:     events.New(64),
	}
	opts := Options{
		Agents: []Agent{
			{Name: "concierge", Description: "Fragrance concierge", Runner: ts.runner},
		},
		History:      ts.history,
		Documents:    ts.docs,
		Records:      ts.records,
		Titler:       fixedTitler("Warm winter scents"),
		Events:       ts.bus,
		Usage:        ts.usage,
		Models:       []string{"gpt-4o-mini", "gpt-4o"},
		DefaultModel: "gpt-4o-mini",
		Logger:       quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.srv = NewServer(opts)
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch body := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(body)
	default:
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}
