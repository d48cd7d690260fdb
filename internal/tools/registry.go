// Package tools holds the tool invocation contract. The engine and the
// workflow executor only ever see the Invoker interface; the concrete
// transport behind a handler is the embedding application's business.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"steward/internal/config"
)

// ErrUnknownTool means the tool has no registered handler.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call. Handlers must be safe for concurrent use
// and idempotent under retry.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Invoker executes a named tool with resolved parameters.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
}

// Registry maps tool names to handlers and validates registrations against
// the config catalog.
type Registry struct {
	cfg *config.Config

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, handlers: make(map[string]Handler)}
}

// Register attaches a handler. Registration fails for tools missing from the
// catalog so a typo never silently creates an uncategorized tool.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("tool name required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", name)
	}
	if r.cfg != nil && len(r.cfg.Tools.Catalog) > 0 {
		if _, ok := r.cfg.Tools.Catalog[name]; !ok {
			return fmt.Errorf("tool %s not in catalog", name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Known reports whether a handler is registered for the tool.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) Invoke(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}
	return h(ctx, params)
}
