package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"

	"github.com/corvid-labs/rookery/pkg/errdefs"
	"github.com/corvid-labs/rookery/pkg/log"
)

// namePattern constrains tool names to path-safe identifiers.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// Handler executes a tool against already-validated input.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Tool is one registered tool with its input contract.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	InputSchema *Schema `json:"input_schema,omitempty"`
	Handler     Handler `json:"-"`
}

// Registry holds tools exposed over orchestrator RPC surfaces.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate or malformed names are rejected.
func (r *Registry) Register(tool Tool) error {
	if !namePattern.MatchString(tool.Name) {
		return errdefs.InvalidInput("tool name %q is not valid", tool.Name)
	}
	if tool.Handler == nil {
		return errdefs.InvalidInput("tool %s needs a handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return errdefs.InvalidInput("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = &tool
	log.WithComponent("registry").Debug().Str("tool", tool.Name).Msg("tool registered")
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return errdefs.NotFound("tool %s not found", name)
	}
	delete(r.tools, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errdefs.NotFound("tool %s not found", name)
	}
	return tool, nil
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, *tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates raw input against the tool's schema and dispatches.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "tool %s input is not a JSON object", name)
		}
	}
	if tool.InputSchema != nil {
		if err := tool.InputSchema.Validate(input); err != nil {
			return nil, err
		}
	}
	return tool.Handler(ctx, input)
}
