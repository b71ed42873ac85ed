package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/sillage/internal/conversation"
	"github.com/nugget/sillage/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sampleFragrances = []Fragrance{
	{
		ID: "f-1", Name: "Aventus", Brand: "Creed",
		TopNotes: []string{"pineapple"}, BaseNotes: []string{"musk"},
		Sillage: "StrongSillage", Longevity: "LongLongevity", Types: []string{"Fruity", "Woody"},
	},
	{ID: "f-2", Name: "Sauvage", Brand: "Dior", Types: []string{"Fresh"}},
}

func TestClientRecommend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agent/recommend" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(sampleFragrances)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, quietLogger())
	brand := "Creed"
	out, err := c.Recommend(context.Background(), Request{
		Types: []string{"Woody"}, Notes: []string{}, HasLongevity: []string{}, HasSillage: []string{},
		BrandName: &brand, Count: 2,
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(out) != 2 || out[0].Name != "Aventus" || out[0].TopNotes[0] != "pineapple" {
		t.Errorf("Recommend = %+v", out)
	}
	if got["brandName"] != "Creed" || got["count"] != float64(2) {
		t.Errorf("wire body = %v", got)
	}
	if v, ok := got["fragranceName"]; !ok || v != nil {
		t.Errorf("fragranceName should be sent as null, got %v (present=%v)", v, ok)
	}
}

func TestClientRecommendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, quietLogger()).Recommend(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status 503", err)
	}
}

func TestClientPing(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"not found still reachable", http.StatusNotFound, false},
		{"server error", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewClient(srv.URL, time.Second, quietLogger()).Ping(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Ping = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type stubRecommender struct {
	out []Fragrance
	err error
	req Request
}

func (s *stubRecommender) Recommend(_ context.Context, req Request) ([]Fragrance, error) {
	s.req = req
	return s.out, s.err
}

func TestToolResult(t *testing.T) {
	svc := &stubRecommender{out: sampleFragrances}
	tool := Tool(svc, "https://shop.example/fragrance/{id}", quietLogger())

	raw, err := tool.Handler(context.Background(), map[string]any{
		"notes":     []any{"vanilla"},
		"brandName": "  ",
	})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	if svc.req.Count != DefaultCount {
		t.Errorf("Count = %d, want %d", svc.req.Count, DefaultCount)
	}
	if svc.req.BrandName != nil {
		t.Errorf("blank brandName should be dropped, got %q", *svc.req.BrandName)
	}
	if svc.req.Types == nil || len(svc.req.Notes) != 1 {
		t.Errorf("request lists = %+v", svc.req)
	}

	res, ok := tools.ParseEnvelope(raw)
	if !ok {
		t.Fatalf("result is not an envelope: %s", raw)
	}
	if !strings.Contains(res.Message, "Aventus by Creed") || !strings.Contains(res.Message, "Sauvage by Dior") {
		t.Errorf("message = %q", res.Message)
	}
	if len(res.Assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(res.Assets))
	}
	a := res.Assets[0]
	if a.ID != "f-1" || a.Type != AssetType || a.URL != "https://shop.example/fragrance/f-1" || a.Name != "Creed Aventus" {
		t.Errorf("asset = %+v", a)
	}
	if !strings.Contains(a.Description, "top: pineapple") {
		t.Errorf("description = %q", a.Description)
	}
}

func TestToolNoResults(t *testing.T) {
	tests := []struct {
		name string
		svc  *stubRecommender
	}{
		{"service error", &stubRecommender{err: errors.New("connection refused")}},
		{"empty list", &stubRecommender{out: []Fragrance{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Tool(tt.svc, "", quietLogger()).Handler(context.Background(), map[string]any{})
			if err != nil {
				t.Fatalf("Handler: %v", err)
			}
			res, _ := tools.ParseEnvelope(raw)
			if res.Message != NoResults || len(res.Assets) != 0 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestToolSchemaRegisters(t *testing.T) {
	reg, err := tools.NewRegistry(Tool(&stubRecommender{}, "", nil))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Validate(ToolName, map[string]any{"hasSillage": []any{"Loud"}}); err == nil {
		t.Error("expected enum violation for hasSillage")
	}
	if err := reg.Validate(ToolName, map[string]any{"count": 2, "types": []any{"Woody"}}); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestToolAcceptsNullOptionalFields(t *testing.T) {
	svc := &stubRecommender{out: sampleFragrances[:1]}
	reg, err := tools.NewRegistry(Tool(svc, "https://shop.example/fragrance/{id}", quietLogger()))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	inv := tools.NewInvoker(reg, time.Second, quietLogger())

	out := inv.Invoke(context.Background(), conversation.ToolCallRequest{
		ID:   "call-1",
		Name: ToolName,
		Arguments: map[string]any{
			"notes":         []any{"vanilla"},
			"types":         nil,
			"hasLongevity":  nil,
			"hasSillage":    nil,
			"brandName":     nil,
			"fragranceName": nil,
			"count":         nil,
		},
	})
	if out.Err != nil {
		t.Fatalf("Invoke: %v", out.Err)
	}
	if len(out.Result.Assets) != 1 || out.Result.Assets[0].ID != "f-1" {
		t.Errorf("assets = %+v", out.Result.Assets)
	}
	if svc.req.Count != DefaultCount || svc.req.BrandName != nil || svc.req.FragranceName != nil {
		t.Errorf("request = %+v", svc.req)
	}
	if svc.req.Types == nil || svc.req.HasSillage == nil || len(svc.req.Notes) != 1 {
		t.Errorf("request lists = %+v", svc.req)
	}
}
