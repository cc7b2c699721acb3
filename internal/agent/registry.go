package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sentinel/internal/llm"
)

// Registry maps tool names to tools with thread-safe registration and
// lookup. Input schemas are compiled once at registration time.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool of the same name.
// An invalid input schema is a registration error.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	if desc.Name == "" {
		return fmt.Errorf("tool has no name")
	}

	var compiled *jsonschema.Schema
	if len(desc.InputSchema) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(desc.Name, string(desc.InputSchema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.tools[desc.Name] = tool
	r.schemas[desc.Name] = compiled
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Schemas returns the tool catalog in the router's format, in
// registration order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		desc := r.tools[name].Descriptor()
		schema := desc.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, llm.ToolSchema{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: schema,
		})
	}
	return out
}

// ParallelSafe reports whether a tool may execute concurrently within
// a batch. Unknown tools are barriers.
func (r *Registry) ParallelSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.Descriptor().ParallelSafe
}

// Validate checks params against the tool's compiled input schema.
// Tools without a schema accept anything.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
