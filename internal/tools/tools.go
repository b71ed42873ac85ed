// Package tools holds the fixed catalogue of tools the concierge can
// call and the invoker that runs a batch of model-requested calls.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Handler runs a tool. The returned string is normally a JSON result
// envelope (see Result) but plain text is accepted.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable capability with a JSON Schema for its arguments.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry is the immutable set of tools available to the model. It is
// built once at startup and shared read-only between requests.
type Registry struct {
	tools       map[string]*Tool
	schemas     map[string]*gojsonschema.Schema
	names       []string
	definitions []map[string]any
}

// NewRegistry validates and compiles the given tools.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]*Tool, len(tools)),
		schemas: make(map[string]*gojsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if t == nil || t.Name == "" {
			return nil, errors.New("tool with empty name")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", t.Name)
		}

		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}

		r.tools[t.Name] = t
		r.schemas[t.Name] = schema
		r.names = append(r.names, t.Name)
		r.definitions = append(r.definitions, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in sorted order.
func (r *Registry) Names() []string {
	return r.names
}

// Definitions returns the OpenAI-style function definitions sent to the
// model. The same slice is returned on every call; callers must not
// modify it.
func (r *Registry) Definitions() []map[string]any {
	return r.definitions
}

// Validate checks args against the tool's schema. Unknown tools yield
// *ErrToolUnavailable, schema violations *ArgumentError.
func (r *Registry) Validate(name string, args map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate %s arguments: %w", name, err)
	}
	if res.Valid() {
		return nil
	}

	ae := &ArgumentError{ToolName: name}
	for _, e := range res.Errors() {
		ae.Violations = append(ae.Violations, e.String())
	}
	return ae
}
