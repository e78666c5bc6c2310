// Package tool implements the function-call side of a bridge: a registry
// of callable tools and a dispatcher that accumulates streamed argument
// fragments, runs handlers off the event pump, and returns results to the
// model.
package tool

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// HandlerFunc executes one tool call. The returned value is JSON-serialized
// into the function_call_output sent back to the model; returning an error
// produces an {"error": ...} payload instead so the model can recover.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition declares a tool: the schema advertised to the model in
// session.update plus the handler invoked when the model calls it.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     HandlerFunc
}

// Manager is the tool registry. It is populated before the bridge starts
// and read-only afterwards.
type Manager struct {
	mu       sync.RWMutex
	registry map[string]*Definition
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{registry: make(map[string]*Definition)}
}

// Register adds a tool, replacing any previous definition of the same name.
func (m *Manager) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return bridgeerr.New(bridgeerr.KindConfig, "tool.register", "tool definition needs a name")
	}
	m.mu.Lock()
	m.registry[def.Name] = def
	m.mu.Unlock()

	logger.Base().Info("Registered tool", zap.String("name", def.Name))
	return nil
}

// Lookup returns the definition for name.
func (m *Manager) Lookup(name string) (*Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.registry[name]
	return def, ok
}

// Names returns the registered tool names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the flat function-tool schemas for session.update,
// ordered by name so the session payload is deterministic.
func (m *Manager) Definitions() []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.registry))
	for name := range m.registry {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		def := m.registry[name]
		params := def.Parameters
		if params == nil {
			params = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		tools = append(tools, map[string]interface{}{
			"type":        "function",
			"name":        def.Name,
			"description": def.Description,
			"parameters":  params,
		})
	}
	return tools
}
