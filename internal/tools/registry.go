// Package tools holds the function-calling surface offered to the voice
// model: a concurrent-safe registry of named tools, the builtin robot tools,
// and a bridge that imports tools from external MCP servers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nevil-robotics/nevil/pkg/realtime"
)

// ErrUnknownTool is returned by [Registry.Dispatch] for unregistered names.
var ErrUnknownTool = errors.New("unknown function")

// Definition describes one callable tool as advertised to the model.
type Definition struct {
	Name        string
	Description string

	// Parameters is the JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Handler executes one tool call. argsJSON is the raw JSON argument object;
// the returned string is the JSON (or plain-text) result sent back to the
// model.
type Handler func(ctx context.Context, argsJSON string) (string, error)

type entry struct {
	def     Definition
	handler Handler
}

// Registry is the concurrent-safe tool catalogue.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition must have a name")
	}
	if h == nil {
		return fmt.Errorf("tools: %s: handler must not be nil", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("tools: %s already registered", def.Name)
	}
	r.tools[def.Name] = entry{def: def, handler: h}
	return nil
}

// Dispatch runs the named tool. An unregistered name returns an error
// wrapping [ErrUnknownTool].
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON string) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.handler(ctx, argsJSON)
}

// Definitions returns all registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// SessionTools converts the catalogue into the wire schema carried by a
// session.update.
func (r *Registry) SessionTools() []realtime.Tool {
	defs := r.Definitions()
	out := make([]realtime.Tool, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out[i] = realtime.Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		}
	}
	return out
}
