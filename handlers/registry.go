// Package handlers provides the job handler registry and the typed
// handler wrapper that pairs a handler function with the deserializer
// for its payload type.
package handlers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/interfaces"
)

// Registry maps job type names to their handlers. Registrations happen
// during startup; the processor snapshots the registry when it starts
// and treats it as read-only afterwards.
type Registry struct {
	handlers map[string]interfaces.JobHandler
	logger   arbor.ILogger
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[string]interfaces.JobHandler),
		logger:   logger,
	}
}

// Register adds a handler under its type name. Duplicate registrations
// and empty type names are rejected.
func (r *Registry) Register(handler interfaces.JobHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	typeName := handler.TypeName()
	if typeName == "" {
		return fmt.Errorf("handler type name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typeName]; exists {
		return fmt.Errorf("handler already registered for type %s", typeName)
	}
	r.handlers[typeName] = handler

	if r.logger != nil {
		r.logger.Debug().
			Str("type_name", typeName).
			Msg("Job handler registered")
	}
	return nil
}

// MustRegister registers a handler and panics on error. Intended for
// startup wiring where a duplicate registration is a programming error.
func (r *Registry) MustRegister(handler interfaces.JobHandler) {
	if err := r.Register(handler); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a type name, or false when none is
// registered.
func (r *Registry) Resolve(typeName string) (interfaces.JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[typeName]
	return handler, ok
}

// Snapshot returns a copy of the current type name to handler map. The
// processor takes one at Start so later registrations cannot race job
// execution.
func (r *Registry) Snapshot() map[string]interfaces.JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]interfaces.JobHandler, len(r.handlers))
	for name, handler := range r.handlers {
		snapshot[name] = handler
	}
	return snapshot
}

// TypeNames returns the registered type names, sorted for
// deterministic output.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
