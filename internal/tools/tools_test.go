package tools

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echo",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestNewRegistryRejects(t *testing.T) {
	tests := []struct {
		name  string
		tools []*Tool
	}{
		{"empty name", []*Tool{{Handler: echoTool("x").Handler}}},
		{"no handler", []*Tool{{Name: "x"}}},
		{"duplicate", []*Tool{echoTool("x"), echoTool("x")}},
		{"bad schema", []*Tool{{Name: "x", Handler: echoTool("x").Handler, Parameters: map[string]any{"type": 7}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.tools...); err == nil {
				t.Error("NewRegistry succeeded, want error")
			}
		})
	}
}

func TestDefinitionsAreCached(t *testing.T) {
	r, err := NewRegistry(echoTool("b"), echoTool("a"))
	if err != nil {
		t.Fatal(err)
	}
	d1, d2 := r.Definitions(), r.Definitions()
	if len(d1) != 2 || &d1[0] != &d2[0] {
		t.Error("Definitions() should return the same cached slice")
	}
	fn := d1[0]["function"].(map[string]any)
	if fn["name"] != "b" {
		t.Errorf("definitions out of registration order: %v", fn["name"])
	}
	if names := r.Names(); names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
}

func TestValidate(t *testing.T) {
	r, err := NewRegistry(echoTool("echo"))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Validate("echo", map[string]any{"text": "hi", "count": 2}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}

	var ae *ArgumentError
	err = r.Validate("echo", map[string]any{"count": 0})
	if !errors.As(err, &ae) {
		t.Fatalf("Validate() = %v, want *ArgumentError", err)
	}
	if len(ae.Violations) < 2 {
		t.Errorf("violations = %v, want missing text and minimum", ae.Violations)
	}

	var unavailable *ErrToolUnavailable
	if err := r.Validate("nope", nil); !errors.As(err, &unavailable) {
		t.Errorf("Validate(unknown) = %v, want *ErrToolUnavailable", err)
	}
}

func TestScopeRoundTrip(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{UserID: "u1", ThreadID: "t1"})
	if s := ScopeFromContext(ctx); s.UserID != "u1" || s.ThreadID != "t1" {
		t.Errorf("ScopeFromContext = %+v", s)
	}
	if s := ScopeFromContext(context.Background()); !reflect.DeepEqual(s, Scope{}) {
		t.Errorf("empty context scope = %+v", s)
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantOK     bool
		wantMsg    string
		wantAssets int
	}{
		{"not json", "not json", false, "not json", 0},
		{"envelope", `{"message":"Found 1","assets":[{"id":"f1","url":"u","name":"n","description":"d","type":"fragrance"}]}`, true, "Found 1", 1},
		{"envelope without assets", `{"message":"ok"}`, true, "ok", 0},
		{"object missing message", `{"result":"x"}`, false, `{"result":"x"}`, 0},
		{"truncated", `{"message":"x"`, false, `{"message":"x"`, 0},
		{"json array", `[1,2]`, false, `[1,2]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := ParseEnvelope(tt.raw)
			if ok != tt.wantOK || res.Message != tt.wantMsg || len(res.Assets) != tt.wantAssets {
				t.Errorf("ParseEnvelope(%q) = %+v, %v", tt.raw, res, ok)
			}
		})
	}
}

func TestResultJSONRoundTrip(t *testing.T) {
	raw := Result{Message: "none found"}.JSON()
	if !strings.Contains(raw, `"assets":[]`) {
		t.Errorf("JSON() = %s, want empty assets array", raw)
	}
	if res, ok := ParseEnvelope(raw); !ok || res.Message != "none found" {
		t.Errorf("ParseEnvelope(JSON()) = %+v, %v", res, ok)
	}
}
